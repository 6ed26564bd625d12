// Package scoring turns raw transaction records into fraud verdicts.
// The pipeline parses, applies pre-model rules, encodes, consults the
// anomaly model and applies post-model rules, in that order. Only the fields
// a firing pre-model rule reads need to be valid.
package scoring

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kestrel-scoring")

// Pipeline scores single transactions. It holds no mutable state and is safe
// for concurrent use.
type Pipeline struct {
	model   *model.Model
	overlay *rules.Overlay
}

// NewPipeline creates a pipeline over a built model and a compiled overlay.
func NewPipeline(m *model.Model, overlay *rules.Overlay) (*Pipeline, error) {
	if m == nil {
		return nil, fmt.Errorf("model is required")
	}
	if overlay == nil {
		return nil, fmt.Errorf("rule overlay is required")
	}
	return &Pipeline{model: m, overlay: overlay}, nil
}

// Model returns the underlying model.
func (p *Pipeline) Model() *model.Model {
	return p.model
}

// Overlay returns the rule overlay.
func (p *Pipeline) Overlay() *rules.Overlay {
	return p.overlay
}

// Score parses and scores req. Request errors are returned as
// *domain.ValidationError.
func (p *Pipeline) Score(ctx context.Context, req domain.ScoreRequest) (*domain.Decision, error) {
	tx, decision, err := p.Screen(ctx, req)
	if err != nil || decision != nil {
		return decision, err
	}
	return p.ScoreModel(ctx, tx)
}

// Screen parses req and applies the pre-model rules. When a rule fires it
// returns the override decision, even if fields the rule does not read failed
// to parse. Otherwise it returns the complete transaction for ScoreModel, or a
// *domain.ValidationError naming the first field that did not parse.
func (p *Pipeline) Screen(ctx context.Context, req domain.ScoreRequest) (domain.Transaction, *domain.Decision, error) {
	_, span := tracer.Start(ctx, "scoring.screen")
	defer span.End()

	parsed := features.Parse(req)
	tx := parsed.Transaction

	schema := p.model.Schema()
	input := &rules.Input{
		Transaction:    tx,
		UnseenLocation: !schema.Has(features.FieldLocation, tx.Location),
		UnseenDevice:   !schema.Has(features.FieldDevice, tx.Device),
		Unparsed:       parsed.FailedFields(),
	}

	match, err := p.overlay.PreModel(input)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if perr := parsed.Err(); perr != nil {
			return tx, nil, &domain.ValidationError{Err: perr}
		}
		return tx, nil, fmt.Errorf("pre-model rules: %w", err)
	}

	if match != nil {
		span.SetAttributes(
			attribute.String("decision.source", domain.SourceRule),
			attribute.String("decision.rule", match.RuleID),
		)
		return tx, &domain.Decision{
			Verdict:          match.Verdict,
			Source:           domain.SourceRule,
			RuleIDs:          []string{match.RuleID},
			ModelFingerprint: p.model.Fingerprint(),
		}, nil
	}

	if perr := parsed.Err(); perr != nil {
		span.SetStatus(codes.Error, perr.Error())
		return tx, nil, &domain.ValidationError{Err: perr}
	}

	return tx, nil, nil
}

// ScoreModel encodes a complete transaction, consults the model and applies
// the post-model rules. Pre-model rules are not evaluated; see Screen.
func (p *Pipeline) ScoreModel(ctx context.Context, tx domain.Transaction) (*domain.Decision, error) {
	_, span := tracer.Start(ctx, "scoring.model",
		trace.WithAttributes(
			attribute.Float64("tx.amount", tx.Amount),
			attribute.String("tx.location", tx.Location),
			attribute.String("tx.device", tx.Device),
		),
	)
	defer span.End()

	enc := p.model.Encoder().Encode(tx)
	score, outlier, err := p.model.Score(enc.Vector)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("model: %w", err)
	}

	input := &rules.Input{
		Transaction:    tx,
		UnseenLocation: enc.UnseenLocation,
		UnseenDevice:   enc.UnseenDevice,
		ModelScore:     score,
		ModelOutlier:   outlier,
	}

	verdict, fired, err := p.overlay.PostModel(input, domain.Verdict{
		IsFraud:      outlier,
		AnomalyScore: score,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("post-model rules: %w", err)
	}

	decision := &domain.Decision{
		Verdict:          verdict,
		Source:           domain.SourceModel,
		RuleIDs:          fired,
		ModelScore:       score,
		ModelOutlier:     outlier,
		ModelFingerprint: p.model.Fingerprint(),
	}

	span.SetAttributes(
		attribute.String("decision.source", decision.Source),
		attribute.Float64("decision.score", verdict.AnomalyScore),
		attribute.Bool("decision.fraud", verdict.IsFraud),
	)

	return decision, nil
}
