package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
)

// Handler runs one task. The returned value is encoded as the task result.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// Registry maps task types to handlers. It is built once at startup and
// read-only afterwards.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(taskType string, handler Handler) {
	if taskType == "" || handler == nil {
		panic("worker: Register requires a task type and a handler")
	}
	if _, exists := r.handlers[taskType]; exists {
		panic(fmt.Sprintf("worker: handler for %q registered twice", taskType))
	}
	r.handlers[taskType] = handler
}

func (r *Registry) Has(taskType string) bool {
	_, ok := r.handlers[taskType]
	return ok
}

func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Execute runs the handler registered for taskType and encodes its result.
// A panicking handler is reported as an error.
func (r *Registry) Execute(ctx context.Context, taskType string, payload json.RawMessage) (result json.RawMessage, err error) {
	handler, ok := r.handlers[taskType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for task type %q", taskType)
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()

	value, err := handler(ctx, payload)
	if err != nil {
		return nil, err
	}

	result, err = json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task result: %w", err)
	}

	return result, nil
}

type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task handler panicked: %v", e.Value)
}
