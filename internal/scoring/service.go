package scoring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Result is one scored transaction.
type Result struct {
	TransactionID string
	Transaction   domain.Transaction
	Decision      *domain.Decision
	Cached        bool
	Duration      time.Duration
}

// Service wraps a Pipeline with a verdict cache, event publication and metrics.
// Cache and bus are optional; their failures never change a verdict.
type Service struct {
	pipeline *Pipeline
	cache    domain.Cache
	bus      domain.EventBus
	ttl      time.Duration
}

// NewService creates a scoring service. cache and bus may be nil.
func NewService(pipeline *Pipeline, cache domain.Cache, bus domain.EventBus, cfg domain.CacheConfig) *Service {
	return &Service{
		pipeline: pipeline,
		cache:    cache,
		bus:      bus,
		ttl:      cfg.TTL,
	}
}

// Pipeline returns the underlying pipeline.
func (s *Service) Pipeline() *Pipeline {
	return s.pipeline
}

// Score parses and scores req. txID is an optional caller-supplied identifier
// carried on published events.
func (s *Service) Score(ctx context.Context, txID string, req domain.ScoreRequest) (*Result, error) {
	start := time.Now()

	tx, decision, err := s.pipeline.Screen(ctx, req)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			metrics.ValidationErrorsTotal.Inc()
		}
		return nil, err
	}

	result := &Result{TransactionID: txID, Transaction: tx, Decision: decision}

	if decision == nil {
		key := s.cacheKey(tx)
		if cached := s.lookup(ctx, key); cached != nil {
			result.Decision = cached
			result.Cached = true
		} else {
			scored, err := s.pipeline.ScoreModel(ctx, tx)
			if err != nil {
				return nil, err
			}
			result.Decision = scored
			s.store(ctx, key, scored)
		}
	}

	if !result.Cached {
		for _, id := range result.Decision.RuleIDs {
			metrics.RuleHitsTotal.WithLabelValues(id).Inc()
		}
	}

	result.Duration = time.Since(start)

	metrics.ScoringDuration.Observe(result.Duration.Seconds())
	metrics.AnomalyScore.Observe(result.Decision.Verdict.AnomalyScore)
	metrics.VerdictsTotal.WithLabelValues(result.Decision.Source, strconv.FormatBool(result.Decision.Verdict.IsFraud)).Inc()

	s.publishVerdict(ctx, result)

	return result, nil
}

// cacheKey identifies a parsed transaction under the current model and rule
// overlay. Model-path verdicts depend on both.
func (s *Service) cacheKey(tx domain.Transaction) string {
	h := sha256.New()
	h.Write([]byte(s.pipeline.Model().Fingerprint()))
	h.Write([]byte{0})
	h.Write([]byte(s.pipeline.Overlay().Fingerprint()))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(tx.Amount, 'g', -1, 64)))
	h.Write([]byte{0})
	h.Write([]byte(tx.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(tx.Location))
	h.Write([]byte{0})
	h.Write([]byte(tx.Device))
	return "verdict:" + hex.EncodeToString(h.Sum(nil))
}

func (s *Service) lookup(ctx context.Context, key string) *domain.Decision {
	if s.cache == nil {
		return nil
	}

	data, err := s.cache.Get(ctx, key)
	if err != nil {
		slog.Warn("verdict cache lookup failed", "error", err)
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
		return nil
	}
	if data == nil {
		metrics.CacheRequestsTotal.WithLabelValues("miss").Inc()
		return nil
	}

	var decision domain.Decision
	if err := json.Unmarshal(data, &decision); err != nil {
		slog.Warn("discarding corrupt cached verdict", "key", key, "error", err)
		metrics.CacheRequestsTotal.WithLabelValues("error").Inc()
		return nil
	}

	metrics.CacheRequestsTotal.WithLabelValues("hit").Inc()
	return &decision
}

func (s *Service) store(ctx context.Context, key string, decision *domain.Decision) {
	if s.cache == nil {
		return
	}

	data, err := json.Marshal(decision)
	if err != nil {
		slog.Warn("failed to marshal verdict", "error", err)
		return
	}
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		slog.Warn("verdict cache store failed", "error", err)
	}
}

func (s *Service) publishVerdict(ctx context.Context, result *Result) {
	if s.bus == nil {
		return
	}

	event := domain.VerdictEvent{
		ID:            uuid.New().String(),
		TransactionID: result.TransactionID,
		Transaction:   result.Transaction,
		Decision:      *result.Decision,
		Cached:        result.Cached,
		ScoredAt:      time.Now().UTC(),
		DurationMs:    result.Duration.Milliseconds(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		slog.Warn("failed to marshal verdict event", "error", err)
		return
	}

	s.publish(ctx, domain.TopicVerdict, payload)
	if result.Decision.Verdict.IsFraud {
		s.publish(ctx, domain.TopicAlert, payload)
	}
}

// PublishRejection reports a request that failed validation.
func (s *Service) PublishRejection(ctx context.Context, txID string, err error) {
	if s.bus == nil {
		return
	}

	event := domain.RejectionEvent{
		TransactionID: txID,
		Error:         err.Error(),
		Type:          ErrorType(err),
	}
	payload, mErr := json.Marshal(event)
	if mErr != nil {
		slog.Warn("failed to marshal rejection event", "error", mErr)
		return
	}
	s.publish(ctx, domain.TopicRejected, payload)
}

func (s *Service) publish(ctx context.Context, topic string, payload []byte) {
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
		metrics.EventsPublishedTotal.WithLabelValues(topic, "error").Inc()
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(topic, "ok").Inc()
}

// ErrorType names the class of a scoring error for API responses and events.
func ErrorType(err error) string {
	var vErr *domain.ValidationError
	if errors.As(err, &vErr) {
		return "ValidationError"
	}
	return "InternalError"
}
