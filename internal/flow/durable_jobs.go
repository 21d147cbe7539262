package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ExpensePipe/internal/models"
	"github.com/BTreeMap/ExpensePipe/internal/store"
)

// Job kind constants for durable jobs.
const (
	JobKindInboundMessage = "inbound_message"
)

// InboundMessagePayload is the JSON payload for inbound_message jobs.
type InboundMessagePayload struct {
	Message models.InboundMessage `json:"message"`
}

// InboundDedupeKey is the job dedupe key of an inbound message.
func InboundDedupeKey(messageID string) string {
	return "inbound:" + messageID
}

// EncodeInboundPayload builds the payload of an inbound_message job.
func EncodeInboundPayload(msg models.InboundMessage) (string, error) {
	data, err := json.Marshal(InboundMessagePayload{Message: msg})
	if err != nil {
		return "", fmt.Errorf("failed to encode inbound payload: %w", err)
	}
	return string(data), nil
}

// RegisterJobHandlers registers all flow-related job handlers with the given JobRunner.
func RegisterJobHandlers(runner *store.JobRunner, processor *Processor) {
	runner.RegisterHandler(JobKindInboundMessage, makeInboundMessageHandler(processor))
}

func makeInboundMessageHandler(processor *Processor) store.JobHandler {
	return func(ctx context.Context, payload string) error {
		var p InboundMessagePayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("invalid inbound_message payload: %w", err)
		}
		slog.Info("JobHandler.inbound_message: executing", "id", p.Message.ID, "from", p.Message.From, "type", p.Message.Type)
		return processor.HandleInbound(ctx, p.Message)
	}
}
