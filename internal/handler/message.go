package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const messageSubject = "tasks.messages"

// MessagePayload represents the payload for message tasks
type MessagePayload struct {
	Message   string `json:"message,omitempty"`
	Recipient string `json:"recipient,omitempty"`
}

// MessageHandler sends a message to its recipient. With a JetStream
// context it publishes to a durable subject for downstream consumers;
// without one the send is logged and reported as success, standing in
// for a real delivery integration.
type MessageHandler struct {
	logger *zap.Logger
	js     nats.JetStreamContext
}

// NewMessageHandler creates a new message handler. js may be nil.
func NewMessageHandler(logger *zap.Logger, js nats.JetStreamContext) *MessageHandler {
	return &MessageHandler{
		logger: logger.Named("message"),
		js:     js,
	}
}

// Execute sends the message described by payload
func (h *MessageHandler) Execute(ctx context.Context, payload json.RawMessage) error {
	var p MessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if h.js == nil {
		h.logger.Info("Message send (no broker configured)",
			zap.String("recipient", p.Recipient),
			zap.String("message", p.Message))
		return nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := h.js.Publish(messageSubject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	h.logger.Info("Message published",
		zap.String("subject", messageSubject),
		zap.String("recipient", p.Recipient))
	return nil
}

// SetupMessageStream creates the stream backing the message subject if it
// does not exist yet
func SetupMessageStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo("TASK_MESSAGES")
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     "TASK_MESSAGES",
		Subjects: []string{messageSubject},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create message stream: %w", err)
	}
	return nil
}
