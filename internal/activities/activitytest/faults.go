// Package activitytest has fault injectors for exercising retries. Only tests import it.
package activitytest

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
)

var ErrInjected = errors.New("injected failure")

// Flaky fails a third of the calls and stalls another third until the attempt deadline.
type Flaky struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewFlaky(seed uint64) *Flaky {
	return &Flaky{rng: rand.New(rand.NewPCG(seed, seed))}
}

func (f *Flaky) Before(ctx context.Context, activity string) error {
	f.mu.Lock()
	r := f.rng.Float64()
	f.mu.Unlock()

	switch {
	case r < 1.0/3:
		return errors.Join(ErrInjected, errors.New(activity))
	case r < 2.0/3:
		<-ctx.Done()
		return ctx.Err()
	default:
		return nil
	}
}

type step func(ctx context.Context) error

// Scripted replays a fixed plan per activity, then lets calls through.
type Scripted struct {
	mu     sync.Mutex
	plans  map[string][]step
	always map[string]error
	calls  map[string]int
}

func NewScripted() *Scripted {
	return &Scripted{
		plans:  map[string][]step{},
		always: map[string]error{},
		calls:  map[string]int{},
	}
}

// FailTimes makes the next n calls of activity return err.
func (s *Scripted) FailTimes(activity string, n int, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.plans[activity] = append(s.plans[activity], func(context.Context) error { return err })
	}
	return s
}

// FailAlways makes every call of activity return err once its plan is used up.
func (s *Scripted) FailAlways(activity string, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.always[activity] = err
	return s
}

// Hang makes the next n calls of activity block until their context ends.
func (s *Scripted) Hang(activity string, n int) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.plans[activity] = append(s.plans[activity], func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}
	return s
}

// HoldUntil makes the next call of activity wait for release to be closed.
func (s *Scripted) HoldUntil(activity string, release <-chan struct{}) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[activity] = append(s.plans[activity], func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return s
}

// Calls counts every call of activity, failed or not.
func (s *Scripted) Calls(activity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[activity]
}

func (s *Scripted) Before(ctx context.Context, activity string) error {
	s.mu.Lock()
	s.calls[activity]++
	var next step
	if plan := s.plans[activity]; len(plan) > 0 {
		next, s.plans[activity] = plan[0], plan[1:]
	}
	always := s.always[activity]
	s.mu.Unlock()

	if next != nil {
		return next(ctx)
	}
	return always
}
