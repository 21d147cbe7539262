// Command sweeper-lambda runs the conversation retention sweep against the
// DynamoDB backend on a scheduled EventBridge rule.
package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/BTreeMap/ExpensePipe/internal/retention"
	"github.com/BTreeMap/ExpensePipe/internal/store"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	table := mustEnv("DYNAMODB_TABLE")
	abandonHours := envInt("ABANDON_AFTER_HOURS", int(retention.DefaultAbandonAfter/time.Hour))
	expireHours := envInt("EXPIRE_AFTER_HOURS", int(retention.DefaultExpireAfter/time.Hour))

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	st, err := store.NewDynamoStore(awsdynamodb.NewFromConfig(cfg), table)
	if err != nil {
		slog.Error("failed to create dynamodb store", "err", err)
		os.Exit(1)
	}

	sweeper := retention.NewSweeper(st,
		retention.WithAbandonAfter(time.Duration(abandonHours)*time.Hour),
		retention.WithExpireAfter(time.Duration(expireHours)*time.Hour))

	lambda.Start(newHandler(sweeper))
}

type sweepRunner interface {
	Run(ctx context.Context) (retention.Result, error)
}

// newHandler returns the Lambda entrypoint for scheduled events.
func newHandler(s sweepRunner) func(ctx context.Context, evt events.CloudWatchEvent) (retention.Result, error) {
	return func(ctx context.Context, evt events.CloudWatchEvent) (retention.Result, error) {
		res, err := s.Run(ctx)
		if err != nil {
			slog.Error("sweep failed", "err", err, "event_id", evt.ID)
			return res, err
		}
		slog.Info("sweep done", "abandoned", res.Abandoned, "expired", res.Expired, "event_id", evt.ID)
		return res, nil
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
