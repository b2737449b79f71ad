// Package lexicons maps record collections to payload validators.
//
// The write path only needs "validate(record) -> ok|error" per collection; shape checks
// beyond that are supplied by whatever is registered here.
package lexicons

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrUnknownCollection = errors.New("no validator registered for collection")

type Validator interface {
	Validate(ctx context.Context, record map[string]any) error
}

type ValidatorFunc func(ctx context.Context, record map[string]any) error

func (f ValidatorFunc) Validate(ctx context.Context, record map[string]any) error {
	return f(ctx, record)
}

// Chain runs validators in order and returns the first failure.
func Chain(vs ...Validator) Validator {
	return ValidatorFunc(func(ctx context.Context, record map[string]any) error {
		for _, v := range vs {
			if err := v.Validate(ctx, record); err != nil {
				return err
			}
		}
		return nil
	})
}

type Registry struct {
	lk         sync.RWMutex
	validators map[string]Validator

	// AllowUnknown accepts records in collections with no registered validator.
	AllowUnknown bool
}

func NewRegistry() *Registry {
	return &Registry{
		validators:   make(map[string]Validator),
		AllowUnknown: true,
	}
}

func (r *Registry) Register(collection string, v Validator) {
	r.lk.Lock()
	defer r.lk.Unlock()
	r.validators[collection] = v
}

// AddRule appends a CEL rule to whatever is already registered for collection.
func (r *Registry) AddRule(collection, expr, message string) error {
	rv, err := NewRuleValidator(Rule{Expr: expr, Message: message})
	if err != nil {
		return fmt.Errorf("compiling rule for %s: %w", collection, err)
	}

	r.lk.Lock()
	defer r.lk.Unlock()
	if cur, ok := r.validators[collection]; ok {
		r.validators[collection] = Chain(cur, rv)
	} else {
		r.validators[collection] = rv
	}
	return nil
}

func (r *Registry) Collections() []string {
	r.lk.RLock()
	defer r.lk.RUnlock()
	out := make([]string, 0, len(r.validators))
	for c := range r.validators {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Validate(ctx context.Context, collection string, record map[string]any) error {
	r.lk.RLock()
	v, ok := r.validators[collection]
	r.lk.RUnlock()

	if !ok {
		if r.AllowUnknown {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}

	return v.Validate(ctx, record)
}
