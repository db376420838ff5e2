// Package memstore is an in-memory durable.Store for tests and the local console.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"threadloom/pkg/durable"
)

type record struct {
	inst    durable.Instance
	signals []durable.Signal
	steps   []durable.Step
	keys    map[string]int64
}

// Store keeps every journal in process memory.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	records map[string]*record
}

func New() *Store {
	return &Store{
		now:     func() time.Time { return time.Now().UTC() },
		records: make(map[string]*record),
	}
}

func (s *Store) CreateInstance(_ context.Context, inst durable.Instance, startSignal *durable.Signal) (durable.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[inst.ID]; ok && existing.inst.Status.Open() {
		return durable.Instance{}, fmt.Errorf("%w: %s", durable.ErrInstanceExists, inst.ID)
	}

	now := s.now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now
	inst.Signals, inst.Consumed, inst.Steps = 0, 0, 0
	inst.Input = slices.Clone(inst.Input)

	rec := &record{inst: inst, keys: make(map[string]int64)}
	if startSignal != nil {
		rec.appendSignal(*startSignal)
	}
	s.records[inst.ID] = rec

	return rec.inst, nil
}

func (s *Store) GetInstance(_ context.Context, id string) (durable.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return durable.Instance{}, fmt.Errorf("%w: %s", durable.ErrInstanceNotFound, id)
	}
	return rec.inst, nil
}

func (s *Store) ListInstances(_ context.Context, filter durable.ListFilter) ([]durable.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]durable.Instance, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Workflow != "" && rec.inst.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != "" && rec.inst.Status != filter.Status {
			continue
		}
		out = append(out, rec.inst)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) UpdateInstance(_ context.Context, id string, update durable.InstanceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", durable.ErrInstanceNotFound, id)
	}

	if update.Status != nil {
		rec.inst.Status = *update.Status
	}
	if update.Error != nil {
		rec.inst.Error = *update.Error
	}
	if update.Parked != nil {
		rec.inst.Parked = *update.Parked
	}
	if update.WakeAt != nil {
		rec.inst.WakeAt = *update.WakeAt
	}
	rec.inst.UpdatedAt = s.now()
	return nil
}

func (s *Store) AppendSignal(_ context.Context, id string, sig durable.Signal) (durable.Signal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return durable.Signal{}, false, fmt.Errorf("%w: %s", durable.ErrInstanceNotFound, id)
	}

	if sig.Key != "" {
		if seq, dup := rec.keys[sig.Key]; dup {
			return rec.signals[seq-1], true, nil
		}
	}

	stored := rec.appendSignal(sig)
	rec.inst.UpdatedAt = s.now()
	return stored, false, nil
}

func (rec *record) appendSignal(sig durable.Signal) durable.Signal {
	sig.Seq = int64(len(rec.signals)) + 1
	sig.Payload = slices.Clone(sig.Payload)
	rec.signals = append(rec.signals, sig)
	if sig.Key != "" {
		rec.keys[sig.Key] = sig.Seq
	}
	rec.inst.Signals++
	return sig
}

func (s *Store) Signals(_ context.Context, id string) ([]durable.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", durable.ErrInstanceNotFound, id)
	}
	return slices.Clone(rec.signals), nil
}

func (s *Store) AppendStep(_ context.Context, id string, step durable.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", durable.ErrInstanceNotFound, id)
	}
	if step.Seq != int64(len(rec.steps))+1 {
		return fmt.Errorf("append step %d to %s: journal has %d steps", step.Seq, id, len(rec.steps))
	}

	step.Payload = slices.Clone(step.Payload)
	rec.steps = append(rec.steps, step)
	rec.inst.Steps++
	if step.SignalSeq > 0 {
		rec.inst.Consumed++
	}
	rec.inst.UpdatedAt = s.now()
	return nil
}

func (s *Store) Steps(_ context.Context, id string) ([]durable.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", durable.ErrInstanceNotFound, id)
	}
	return slices.Clone(rec.steps), nil
}

// SetNow replaces the timestamp source used for UpdatedAt.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Close() error { return nil }
