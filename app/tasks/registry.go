package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	gojson "github.com/goccy/go-json"

	"github.com/lysyi3m/feedpool/app/worker"
)

// NewRegistry returns the registry every process uses: worker processes to
// run tasks, the supervisor to validate submissions and run them inline.
func NewRegistry(h *Handlers) *worker.Registry {
	registry := worker.NewRegistry()
	registry.Register(TypeAggregateFeed, typed(h.AggregateFeed))
	registry.Register(TypeAggregateArticle, typed(h.AggregateArticle))
	registry.Register(TypeFetchIcon, typed(h.FetchIcon))
	return registry
}

// typed decodes the payload into P before calling fn
func typed[P any, R any](fn func(context.Context, P) (R, error)) worker.Handler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var p P
		if len(payload) > 0 {
			if err := gojson.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("invalid payload: %w", err)
			}
		}
		return fn(ctx, p)
	}
}
