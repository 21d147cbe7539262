package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/BTreeMap/ExpensePipe/internal/api"
	"github.com/BTreeMap/ExpensePipe/internal/canon"
	"github.com/BTreeMap/ExpensePipe/internal/cloudapi"
	"github.com/BTreeMap/ExpensePipe/internal/flow"
	"github.com/BTreeMap/ExpensePipe/internal/genai"
	"github.com/BTreeMap/ExpensePipe/internal/lockfile"
	"github.com/BTreeMap/ExpensePipe/internal/messaging"
	"github.com/BTreeMap/ExpensePipe/internal/paramstore"
	"github.com/BTreeMap/ExpensePipe/internal/recovery"
	"github.com/BTreeMap/ExpensePipe/internal/retention"
	"github.com/BTreeMap/ExpensePipe/internal/scheduler"
	"github.com/BTreeMap/ExpensePipe/internal/store"
	"github.com/BTreeMap/ExpensePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/ExpensePipe/internal/whatsapp"
)

const (
	jobPollInterval    = time.Second
	outboxPollInterval = time.Second
	localQueueDBName   = "queue.db"
)

// backends bundles the dialogue store with the repos that carry the durable
// job queue, the outbox and the inbound dedup table.
type backends struct {
	store       store.Store
	persistence store.PersistenceProvider
	closers     []func() error
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			slog.Warn("backends.Close: close failed", "error", err)
		}
	}
}

// run wires every component and blocks until ctx is cancelled or the API
// server fails.
func run(ctx context.Context, f Flags) error {
	lock, err := lockfile.AcquireLock(f.StateDir, "server")
	if err != nil {
		return err
	}
	defer lock.Release()

	b, err := openBackends(ctx, f)
	if err != nil {
		return fmt.Errorf("open backends: %w", err)
	}
	defer b.Close()

	canonicalizer := buildCanonicalizer(f)
	reasoner, err := buildReasoner(ctx, f, canonicalizer)
	if err != nil {
		return fmt.Errorf("build reasoner: %w", err)
	}

	jobs := b.persistence.JobRepo()
	outboxRepo := b.persistence.OutboxRepo()
	dedup := b.persistence.DedupRepo()

	runner := store.NewJobRunner(jobs, jobPollInterval, store.WithWorkers(f.Workers))
	ingress := api.NewIngress(jobs, dedup, b.store,
		api.WithAckBudget(f.AckBudget),
		api.WithRunnerNotifier(runner.Notify))

	sender, err := buildSender(ctx, f, ingress)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	engine := flow.NewEngine(b.store, reasoner,
		flow.WithDeferredResponsible(f.DeferResponsible),
		flow.WithCanonicalizer(canonicalizer))
	confirmations := flow.NewConfirmationWorkflow(b.store, canonicalizer)
	outbox := store.NewOutboxSender(outboxRepo, flow.NewOutboxSendFunc(sender, b.store), outboxPollInterval)
	processor := flow.NewProcessor(engine, confirmations, outboxRepo, dedup,
		flow.WithTurnTimeout(f.TurnTimeout),
		flow.WithOutboxNotifier(outbox.Notify))
	flow.RegisterJobHandlers(runner, processor)

	sweeper := retention.NewSweeper(b.store)

	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable("jobs", recovery.JobRecovery(runner))
	rm.RegisterRecoverable("outbox", recovery.OutboxRecovery(outbox))
	rm.RegisterRecoverable("retention", recovery.SweepRecovery(sweeper))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("run: recovery finished with errors", "error", err)
	}

	sched := scheduler.NewScheduler()
	if err := sched.AddJob(f.SweepSchedule, "retention-sweep", func(ctx context.Context) error {
		res, err := sweeper.Run(ctx)
		if err != nil {
			return err
		}
		slog.Info("run: retention sweep done", "abandoned", res.Abandoned, "expired", res.Expired)
		return nil
	}); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	defer sched.Stop()

	go runner.Run(ctx)
	go outbox.Run(ctx)

	apiOpts := buildAPIOptions(f)
	if f.ValidateTwilioSig {
		if f.TwilioAuthToken == "" {
			return errors.New("VALIDATE_TWILIO_SIGNATURE is set but TWILIO_AUTH_TOKEN is empty")
		}
		apiOpts = append(apiOpts, api.WithTwilioSignatureValidation(twiliowhatsapp.NewSignatureValidator(f.TwilioAuthToken)))
	}
	server := api.NewServer(ingress, b.store, confirmations, apiOpts...)
	return server.Run(ctx)
}

// openBackends opens the configured store. The dynamodb backend keeps its
// job queue, outbox and dedup table in a local SQLite file.
func openBackends(ctx context.Context, f Flags) (*backends, error) {
	switch f.Backend {
	case BackendMemory:
		st := store.NewInMemoryStore()
		slog.Warn("openBackends: using in-memory store, state is lost on restart")
		return &backends{store: st, persistence: st, closers: []func() error{st.Close}}, nil

	case BackendSQL, "":
		if store.DetectDSNType(f.ApplicationDBDSN) == "postgres" {
			st, err := store.NewPostgresStore(buildStoreOptions(f)...)
			if err != nil {
				return nil, err
			}
			return &backends{store: st, persistence: st, closers: []func() error{st.Close}}, nil
		}
		st, err := store.NewSQLiteStore(buildStoreOptions(f)...)
		if err != nil {
			return nil, err
		}
		return &backends{store: st, persistence: st, closers: []func() error{st.Close}}, nil

	case BackendDynamoDB:
		if f.DynamoDBTable == "" {
			return nil, errors.New("DYNAMODB_TABLE is required for the dynamodb backend")
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		ds, err := store.NewDynamoStore(dynamodb.NewFromConfig(cfg), f.DynamoDBTable)
		if err != nil {
			return nil, err
		}
		queue, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(f.StateDir, localQueueDBName)))
		if err != nil {
			return nil, err
		}
		return &backends{store: ds, persistence: queue, closers: []func() error{queue.Close, ds.Close}}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", f.Backend)
}

// buildReasoner returns the GenAI reasoner when an OpenAI key is available,
// directly or from the parameter store, and the heuristic one otherwise.
func buildReasoner(ctx context.Context, f Flags, c *canon.Canonicalizer) (flow.Reasoner, error) {
	key := f.OpenAIKey
	if key == "" && f.OpenAIKeyParam != "" {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		ps, err := paramstore.New(ssm.NewFromConfig(cfg))
		if err != nil {
			return nil, err
		}
		key, err = paramstore.GetToken(ctx, ps, f.OpenAIKeyParam)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f.OpenAIKeyParam, err)
		}
	}
	if key == "" {
		slog.Info("buildReasoner: no OpenAI key, using heuristic reasoner")
		return flow.NewHeuristicReasoner(c), nil
	}
	client, err := genai.NewClient(buildGenAIOptions(f, key)...)
	if err != nil {
		return nil, err
	}
	slog.Info("buildReasoner: using GenAI reasoner", "model", f.OpenAIModel)
	return flow.NewGenAIReasoner(client, c), nil
}

// buildGenAIOptions constructs GenAI client options
func buildGenAIOptions(f Flags, key string) []genai.Option {
	opts := []genai.Option{genai.WithAPIKey(key)}
	if f.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(f.OpenAIModel))
	}
	return opts
}

// buildSender constructs the outbound transport. The whatsmeow transport
// also delivers inbound events straight to the ingress.
func buildSender(ctx context.Context, f Flags, ingress *api.Ingress) (messaging.Sender, error) {
	switch f.Transport {
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client), nil

	case TransportWhatsmeow:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(f)...)
		if err != nil {
			return nil, err
		}
		svc := messaging.NewWhatsAppService(client)
		if err := svc.Start(ctx, ingress.Accept); err != nil {
			return nil, err
		}
		return svc, nil

	case TransportCloudAPI:
		client, err := cloudapi.NewClient(
			cloudapi.WithToken(f.WhatsAppCloudToken),
			cloudapi.WithPhoneNumberID(f.WhatsAppCloudPhone))
		if err != nil {
			return nil, err
		}
		return client, nil

	case TransportLog, "":
		slog.Warn("buildSender: log transport selected, replies are only logged")
		return messaging.NewLogSender(), nil
	}
	return nil, fmt.Errorf("unknown transport %q", f.Transport)
}
