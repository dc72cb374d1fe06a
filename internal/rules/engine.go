package rules

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ims/internal/domain"
)

// RuleSource provides the persisted rule book.
type RuleSource interface {
	ListAll(ctx context.Context) ([]*domain.CalculationRule, error)
}

// Engine owns the active compiled rule set and reloads it on rule events.
// Readers never block: the active set is swapped atomically.
type Engine struct {
	source     RuleSource
	seed       []domain.CalculationRule
	active     atomic.Pointer[Set]
	generation atomic.Int64
	onSwap     func(generation int64)
	logger     zerolog.Logger
}

// NewEngine creates a rule engine. The seed rules (from the market policy
// file) participate in every compile alongside the persisted ones; onSwap
// is invoked after each successful swap and may be nil.
func NewEngine(source RuleSource, seed []domain.CalculationRule, onSwap func(int64)) *Engine {
	e := &Engine{
		source: source,
		seed:   seed,
		onSwap: onSwap,
		logger: log.With().Str("component", "rules").Logger(),
	}
	empty, _ := Compile(nil, 0)
	e.active.Store(empty)
	return e
}

// Reload recompiles the rule book from the source plus the seed rules and
// swaps it in. On compile failure the previous set stays active.
func (e *Engine) Reload(ctx context.Context) error {
	persisted, err := e.source.ListAll(ctx)
	if err != nil {
		return err
	}
	all := make([]*domain.CalculationRule, 0, len(persisted)+len(e.seed))
	all = append(all, persisted...)
	for i := range e.seed {
		all = append(all, &e.seed[i])
	}

	generation := e.generation.Add(1)
	set, err := Compile(all, generation)
	if err != nil {
		e.logger.Error().Err(err).Msg("rule compile failed, keeping previous set")
		return &domain.Error{Class: domain.ClassValidation, Reason: "rule compile failed", Err: err}
	}

	e.active.Store(set)
	if e.onSwap != nil {
		e.onSwap(generation)
	}
	e.logger.Info().
		Int64("generation", generation).
		Int("rules", len(all)).
		Msg("rule set swapped")
	return nil
}

// Active returns the current compiled set.
func (e *Engine) Active() *Set {
	return e.active.Load()
}

// Evaluate runs the active set for one calculation type.
func (e *Engine) Evaluate(calcType domain.CalculationType, market string, date domain.Date, facts Facts) *Outcome {
	return e.active.Load().Evaluate(calcType, market, date, facts)
}
