package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/davidroman0O/ordersaga/internal/engine/codec"
	"github.com/davidroman0O/ordersaga/internal/engine/queues"
)

type RetryPolicy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// failure kinds that surface after the attempt that produced them
	NonRetryable []string
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
	}
}

func (p RetryPolicy) Retryable(kind string) bool {
	return !slices.Contains(p.NonRetryable, kind)
}

type WorkflowDefinition struct {
	Kind    string
	Queue   string
	Factory Factory
}

type ActivityDefinition struct {
	Name    string
	Queue   string
	Handler queues.Handler
	Policy  RetryPolicy
	// per-attempt start-to-close timeout
	Timeout time.Duration
}

// ActivityOf adapts a typed activity function to the byte-level handler the queues run.
func ActivityOf[In, Out any](fn func(ctx context.Context, in In) (Out, error)) queues.Handler {
	return func(ctx context.Context, input []byte) ([]byte, error) {
		in, err := codec.Decode[In](input)
		if err != nil {
			return nil, err
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return codec.Encode(out)
	}
}

type Registry struct {
	mu         sync.RWMutex
	workflows  map[string]WorkflowDefinition
	activities map[string]ActivityDefinition
}

func (r *Registry) Workflow(kind string) (WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workflows[kind]
	if !ok {
		return WorkflowDefinition{}, errors.Join(ErrUnknownWorkflow, fmt.Errorf("kind %q", kind))
	}
	return def, nil
}

func (r *Registry) Activity(name string) (ActivityDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.activities[name]
	if !ok {
		return ActivityDefinition{}, errors.Join(ErrUnknownActivity, fmt.Errorf("activity %q", name))
	}
	return def, nil
}

// RegistryBuilder collects definitions; Build validates them.
type RegistryBuilder struct {
	workflows  []WorkflowDefinition
	activities []ActivityDefinition
}

func NewRegistry() *RegistryBuilder {
	return &RegistryBuilder{}
}

func (b *RegistryBuilder) Workflow(def WorkflowDefinition) *RegistryBuilder {
	b.workflows = append(b.workflows, def)
	return b
}

func (b *RegistryBuilder) Activity(def ActivityDefinition) *RegistryBuilder {
	b.activities = append(b.activities, def)
	return b
}

func (b *RegistryBuilder) Build() (*Registry, error) {
	r := &Registry{
		workflows:  make(map[string]WorkflowDefinition, len(b.workflows)),
		activities: make(map[string]ActivityDefinition, len(b.activities)),
	}
	for _, def := range b.workflows {
		switch {
		case def.Kind == "":
			return nil, fmt.Errorf("workflow without kind")
		case def.Queue == "":
			return nil, fmt.Errorf("workflow %s: queue required", def.Kind)
		case def.Factory == nil:
			return nil, fmt.Errorf("workflow %s: factory required", def.Kind)
		}
		if _, ok := r.workflows[def.Kind]; ok {
			return nil, fmt.Errorf("workflow %s registered twice", def.Kind)
		}
		r.workflows[def.Kind] = def
	}
	for _, def := range b.activities {
		switch {
		case def.Name == "":
			return nil, fmt.Errorf("activity without name")
		case def.Queue == "":
			return nil, fmt.Errorf("activity %s: queue required", def.Name)
		case def.Handler == nil:
			return nil, fmt.Errorf("activity %s: handler required", def.Name)
		}
		if _, ok := r.activities[def.Name]; ok {
			return nil, fmt.Errorf("activity %s registered twice", def.Name)
		}
		if def.Policy.MaxAttempts == 0 {
			def.Policy.MaxAttempts = 1
		}
		r.activities[def.Name] = def
	}
	return r, nil
}
