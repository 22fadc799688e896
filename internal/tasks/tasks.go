// Package tasks wires the engine operations into the scheduler task
// registry. The API server and the worker binary build the same registry, so
// a manual run and a scheduled run execute identical code.
package tasks

import (
	"context"
	"fmt"

	"github.com/kkkkikiki/loyalty/internal/engine"
	"github.com/kkkkikiki/loyalty/internal/scheduler"
)

// NewRegistry builds the task registry over the engine and lifecycle manager
func NewRegistry(eng *engine.RuleEngine, lifecycle *engine.OfferLifecycleManager, sendChannel string) *scheduler.Registry {
	registry := scheduler.NewRegistry()

	registry.Register("evaluate_rules", func(ctx context.Context) (string, error) {
		summary, err := eng.EvaluateAll(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d rules evaluated, %d offers generated",
			summary.RulesEvaluated, summary.OffersGenerated), nil
	})

	registry.Register("check_expired_offers", func(ctx context.Context) (string, error) {
		expired, err := lifecycle.CheckExpiredOffers(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d offers expired", expired), nil
	})

	registry.Register("send_pending_offers", func(ctx context.Context) (string, error) {
		sent, err := lifecycle.SendOffers(ctx, nil, sendChannel)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d offers sent", sent), nil
	})

	return registry
}
