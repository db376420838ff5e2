// Package storetest checks that a durable.Store implementation honours the Store contract.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"threadloom/pkg/durable"
)

// Run exercises a fresh store from newStore in every subtest.
func Run(t *testing.T, newStore func(t *testing.T) durable.Store) {
	t.Helper()

	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("CreateRejectsOpenDuplicate", func(t *testing.T) { testCreateRejectsOpenDuplicate(t, newStore(t)) })
	t.Run("CreateReplacesClosed", func(t *testing.T) { testCreateReplacesClosed(t, newStore(t)) })
	t.Run("SignalsAreOrderedAndIdempotent", func(t *testing.T) { testSignals(t, newStore(t)) })
	t.Run("StepsAreSequential", func(t *testing.T) { testSteps(t, newStore(t)) })
	t.Run("UpdateAndList", func(t *testing.T) { testUpdateAndList(t, newStore(t)) })
	t.Run("MissingInstance", func(t *testing.T) { testMissing(t, newStore(t)) })
}

func newInstance(id string) durable.Instance {
	return durable.Instance{
		ID:        id,
		Workflow:  "conversation",
		Status:    durable.StatusRunning,
		Input:     []byte{0xf6},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func testCreateAndGet(t *testing.T, store durable.Store) {
	ctx := context.Background()

	start := &durable.Signal{Name: "submit", Key: "Ev1", Payload: []byte("a")}
	created, err := store.CreateInstance(ctx, newInstance("thread-1"), start)
	if err != nil {
		t.Fatalf("CreateInstance error: %v", err)
	}
	if created.Signals != 1 {
		t.Fatalf("created.Signals = %d, want 1", created.Signals)
	}

	got, err := store.GetInstance(ctx, "thread-1")
	if err != nil {
		t.Fatalf("GetInstance error: %v", err)
	}
	if got.Workflow != "conversation" || got.Status != durable.StatusRunning {
		t.Fatalf("instance = %+v, want running conversation", got)
	}
	if got.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", got.Pending())
	}
	if diff := cmp.Diff([]byte{0xf6}, got.Input); diff != "" {
		t.Fatalf("input mismatch (-want +got):\n%s", diff)
	}

	signals, err := store.Signals(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Signals error: %v", err)
	}
	if len(signals) != 1 || signals[0].Seq != 1 || signals[0].Key != "Ev1" {
		t.Fatalf("signals = %+v, want start signal with seq 1", signals)
	}
}

func testCreateRejectsOpenDuplicate(t *testing.T, store durable.Store) {
	ctx := context.Background()

	if _, err := store.CreateInstance(ctx, newInstance("thread-1"), nil); err != nil {
		t.Fatalf("CreateInstance error: %v", err)
	}
	_, err := store.CreateInstance(ctx, newInstance("thread-1"), nil)
	if !errors.Is(err, durable.ErrInstanceExists) {
		t.Fatalf("second CreateInstance error = %v, want ErrInstanceExists", err)
	}
}

func testCreateReplacesClosed(t *testing.T, store durable.Store) {
	ctx := context.Background()

	if _, err := store.CreateInstance(ctx, newInstance("thread-1"), &durable.Signal{Name: "submit", Key: "Ev1"}); err != nil {
		t.Fatalf("CreateInstance error: %v", err)
	}
	if err := store.AppendStep(ctx, "thread-1", durable.Step{Seq: 1, Kind: durable.StepReceive, Name: "submit", SignalSeq: 1}); err != nil {
		t.Fatalf("AppendStep error: %v", err)
	}
	archived := durable.StatusArchived
	if err := store.UpdateInstance(ctx, "thread-1", durable.InstanceUpdate{Status: &archived}); err != nil {
		t.Fatalf("UpdateInstance error: %v", err)
	}

	recreated, err := store.CreateInstance(ctx, newInstance("thread-1"), &durable.Signal{Name: "submit", Key: "Ev1"})
	if err != nil {
		t.Fatalf("CreateInstance over archived error: %v", err)
	}
	if recreated.Status != durable.StatusRunning || recreated.Steps != 0 || recreated.Signals != 1 {
		t.Fatalf("recreated = %+v, want fresh running instance", recreated)
	}

	steps, err := store.Steps(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Steps error: %v", err)
	}
	if len(steps) != 0 {
		t.Fatalf("len(steps) = %d, want 0 after recreate", len(steps))
	}
}

func testSignals(t *testing.T, store durable.Store) {
	ctx := context.Background()

	if _, err := store.CreateInstance(ctx, newInstance("thread-1"), nil); err != nil {
		t.Fatalf("CreateInstance error: %v", err)
	}

	for i, key := range []string{"Ev1", "Ev2", ""} {
		sig, dup, err := store.AppendSignal(ctx, "thread-1", durable.Signal{Name: "submit", Key: key, Payload: []byte{byte(i)}})
		if err != nil {
			t.Fatalf("AppendSignal(%q) error: %v", key, err)
		}
		if dup {
			t.Fatalf("AppendSignal(%q) reported duplicate", key)
		}
		if sig.Seq != int64(i+1) {
			t.Fatalf("AppendSignal(%q) seq = %d, want %d", key, sig.Seq, i+1)
		}
	}

	sig, dup, err := store.AppendSignal(ctx, "thread-1", durable.Signal{Name: "submit", Key: "Ev2", Payload: []byte{9}})
	if err != nil {
		t.Fatalf("duplicate AppendSignal error: %v", err)
	}
	if !dup || sig.Seq != 2 {
		t.Fatalf("duplicate AppendSignal = (%+v, %v), want seq 2 duplicate", sig, dup)
	}

	signals, err := store.Signals(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Signals error: %v", err)
	}
	var payloads [][]byte
	for _, s := range signals {
		payloads = append(payloads, s.Payload)
	}
	if diff := cmp.Diff([][]byte{{0}, {1}, {2}}, payloads); diff != "" {
		t.Fatalf("signal payloads mismatch (-want +got):\n%s", diff)
	}

	inst, err := store.GetInstance(ctx, "thread-1")
	if err != nil {
		t.Fatalf("GetInstance error: %v", err)
	}
	if inst.Signals != 3 {
		t.Fatalf("inst.Signals = %d, want 3", inst.Signals)
	}
}

func testSteps(t *testing.T, store durable.Store) {
	ctx := context.Background()

	if _, err := store.CreateInstance(ctx, newInstance("thread-1"), &durable.Signal{Name: "submit"}); err != nil {
		t.Fatalf("CreateInstance error: %v", err)
	}

	want := []durable.Step{
		{Seq: 1, Kind: durable.StepReceive, Name: "submit", SignalSeq: 1},
		{Seq: 2, Kind: durable.StepActivity, Name: "fetch_replies", Payload: []byte{1, 2}, Attempts: 2},
		{Seq: 3, Kind: durable.StepActivity, Name: "route", Error: "boom", ErrorType: "durable.ActivityError", Attempts: 5},
	}
	for _, step := range want {
		step.RecordedAt = time.Date(2026, 1, 2, 3, 4, 5, int(step.Seq), time.UTC)
		if err := store.AppendStep(ctx, "thread-1", step); err != nil {
			t.Fatalf("AppendStep(%d) error: %v", step.Seq, err)
		}
	}

	if err := store.AppendStep(ctx, "thread-1", durable.Step{Seq: 3, Kind: durable.StepNow, Name: "now"}); err == nil {
		t.Fatal("expected error for out-of-order step")
	}

	got, err := store.Steps(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Steps error: %v", err)
	}
	for i := range got {
		got[i].RecordedAt = time.Time{}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("steps mismatch (-want +got):\n%s", diff)
	}

	inst, err := store.GetInstance(ctx, "thread-1")
	if err != nil {
		t.Fatalf("GetInstance error: %v", err)
	}
	if inst.Steps != 3 || inst.Consumed != 1 || inst.Pending() != 0 {
		t.Fatalf("counters = steps %d consumed %d pending %d, want 3/1/0", inst.Steps, inst.Consumed, inst.Pending())
	}
}

func testUpdateAndList(t *testing.T, store durable.Store) {
	ctx := context.Background()

	for i, id := range []string{"thread-1", "thread-2", "task-1"} {
		inst := newInstance(id)
		inst.CreatedAt = inst.CreatedAt.Add(time.Duration(i) * time.Second)
		if id == "task-1" {
			inst.Workflow = "oneshot"
		}
		if _, err := store.CreateInstance(ctx, inst, nil); err != nil {
			t.Fatalf("CreateInstance(%s) error: %v", id, err)
		}
	}

	parked := true
	wake := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	failed := durable.StatusFailed
	message := "boom"
	if err := store.UpdateInstance(ctx, "thread-1", durable.InstanceUpdate{Parked: &parked, WakeAt: &wake}); err != nil {
		t.Fatalf("UpdateInstance error: %v", err)
	}
	if err := store.UpdateInstance(ctx, "thread-2", durable.InstanceUpdate{Status: &failed, Error: &message}); err != nil {
		t.Fatalf("UpdateInstance error: %v", err)
	}

	got, err := store.GetInstance(ctx, "thread-1")
	if err != nil {
		t.Fatalf("GetInstance error: %v", err)
	}
	if !got.Parked || !got.WakeAt.Equal(wake) {
		t.Fatalf("thread-1 = parked %v wake %s, want parked with wake %s", got.Parked, got.WakeAt, wake)
	}

	running, err := store.ListInstances(ctx, durable.ListFilter{Status: durable.StatusRunning})
	if err != nil {
		t.Fatalf("ListInstances error: %v", err)
	}
	var ids []string
	for _, inst := range running {
		ids = append(ids, inst.ID)
	}
	if diff := cmp.Diff([]string{"thread-1", "task-1"}, ids); diff != "" {
		t.Fatalf("running ids mismatch (-want +got):\n%s", diff)
	}

	conversations, err := store.ListInstances(ctx, durable.ListFilter{Workflow: "conversation", Limit: 1})
	if err != nil {
		t.Fatalf("ListInstances error: %v", err)
	}
	if len(conversations) != 1 || conversations[0].ID != "thread-1" {
		t.Fatalf("conversations = %+v, want only thread-1", conversations)
	}

	failedInst, err := store.GetInstance(ctx, "thread-2")
	if err != nil {
		t.Fatalf("GetInstance error: %v", err)
	}
	if failedInst.Error != "boom" {
		t.Fatalf("thread-2 error = %q, want boom", failedInst.Error)
	}
}

func testMissing(t *testing.T, store durable.Store) {
	ctx := context.Background()

	if _, err := store.GetInstance(ctx, "nope"); !errors.Is(err, durable.ErrInstanceNotFound) {
		t.Fatalf("GetInstance error = %v, want ErrInstanceNotFound", err)
	}
	if _, _, err := store.AppendSignal(ctx, "nope", durable.Signal{Name: "submit"}); !errors.Is(err, durable.ErrInstanceNotFound) {
		t.Fatalf("AppendSignal error = %v, want ErrInstanceNotFound", err)
	}
	status := durable.StatusTerminated
	if err := store.UpdateInstance(ctx, "nope", durable.InstanceUpdate{Status: &status}); !errors.Is(err, durable.ErrInstanceNotFound) {
		t.Fatalf("UpdateInstance error = %v, want ErrInstanceNotFound", err)
	}
}
