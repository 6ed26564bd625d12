// Package worker scores transactions submitted over the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/scoring"
)

// Worker consumes TopicTransactionSubmitted and scores each message.
// Verdicts and alerts are published by the scoring service; unparseable
// submissions are published on TopicRejected.
type Worker struct {
	bus     domain.EventBus
	service *scoring.Service

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, service *scoring.Service) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:     bus,
		service: service,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to submitted transactions.
func (w *Worker) Start() error {
	if w.bus == nil {
		return fmt.Errorf("worker requires an event bus")
	}

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionSubmitted, w.processTransaction)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicTransactionSubmitted, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"topic", domain.TopicTransactionSubmitted,
	)
	return nil
}

// processTransaction scores one submitted transaction.
func (w *Worker) processTransaction(ctx context.Context, msg *domain.Message) error {
	var submitted domain.SubmittedTransaction
	if err := json.Unmarshal(msg.Payload, &submitted); err != nil {
		slog.Error("failed to parse submitted transaction",
			"message_id", msg.ID,
			"error", err,
		)
		w.service.PublishRejection(ctx, "", &domain.ValidationError{Err: fmt.Errorf("invalid payload: %w", err)})
		return nil
	}

	txID := submitted.ID
	if txID == "" {
		txID = msg.ID
	}

	result, err := w.service.Score(ctx, txID, submitted.Request)
	if err != nil {
		var vErr *domain.ValidationError
		if errors.As(err, &vErr) {
			slog.Warn("rejected transaction",
				"tx_id", txID,
				"error", err,
			)
			w.service.PublishRejection(ctx, txID, err)
			return nil
		}

		slog.Error("scoring failed",
			"tx_id", txID,
			"error", err,
		)
		return err
	}

	slog.Info("transaction processed",
		"tx_id", txID,
		"is_fraud", result.Decision.Verdict.IsFraud,
		"anomaly_score", result.Decision.Verdict.AnomalyScore,
		"source", result.Decision.Source,
		"cached", result.Cached,
		"duration_ms", result.Duration.Milliseconds(),
	)

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
