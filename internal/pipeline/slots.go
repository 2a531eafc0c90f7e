package pipeline

import (
	"context"
	"fmt"
)

// Slots bounds concurrent collaborator calls per stage kind. Different
// collaborators have different rate limits (AI extraction quota vs OCR
// throughput), so each kind gets an independent cap.
type Slots struct {
	sems map[string]chan struct{}
}

func NewSlots(caps map[string]int) *Slots {
	sems := make(map[string]chan struct{}, len(caps))
	for kind, n := range caps {
		if n < 1 {
			n = 1
		}
		sems[kind] = make(chan struct{}, n)
	}
	return &Slots{sems: sems}
}

// Acquire blocks until a slot for the stage kind is free or ctx expires.
// Unknown kinds are unbounded.
func (s *Slots) Acquire(ctx context.Context, kind string) error {
	sem, ok := s.sems[kind]
	if !ok {
		return nil
	}
	select {
	case sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %s slot: %w", kind, ctx.Err())
	}
}

func (s *Slots) Release(kind string) {
	sem, ok := s.sems[kind]
	if !ok {
		return
	}
	select {
	case <-sem:
	default:
	}
}

// InFlight returns the number of busy slots for a kind.
func (s *Slots) InFlight(kind string) int {
	sem, ok := s.sems[kind]
	if !ok {
		return 0
	}
	return len(sem)
}
