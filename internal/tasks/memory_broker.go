package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"food-payments/internal/errs"
)

type memoryEntry struct {
	task  Task
	state State
	// since is when the entry was last claimed or started.
	since time.Time
}

// MemoryBroker keeps tasks in process. It backs TASK_BROKER=memory and tests.
type MemoryBroker struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{entries: make(map[string]*memoryEntry)}
}

func (b *MemoryBroker) Push(_ context.Context, task Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[task.ID] = &memoryEntry{task: task, state: StateScheduled}
	return nil
}

func (b *MemoryBroker) Claim(_ context.Context, now time.Time, limit int) ([]Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	due := make([]*memoryEntry, 0)
	for _, e := range b.entries {
		if e.state == StateScheduled && !e.task.ETA.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].task.ETA.Before(due[j].task.ETA) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]Task, 0, len(due))
	for _, e := range due {
		e.state = StateReserved
		e.since = now
		claimed = append(claimed, e.task)
	}
	return claimed, nil
}

func (b *MemoryBroker) Start(_ context.Context, id string, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok {
		return false, errs.NotFound("task %s not found", id)
	}
	if e.state != StateReserved {
		return false, nil
	}
	e.state = StateRunning
	e.since = now
	return true, nil
}

func (b *MemoryBroker) Done(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[id]; ok && e.state == StateRunning {
		e.state = StateDone
	}
	return nil
}

func (b *MemoryBroker) Release(_ context.Context, task Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[task.ID]
	if !ok {
		return errs.NotFound("task %s not found", task.ID)
	}
	if e.state != StateReserved && e.state != StateRunning {
		return nil
	}
	e.task = task
	e.state = StateScheduled
	return nil
}

func (b *MemoryBroker) Revoke(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok {
		b.entries[id] = &memoryEntry{task: Task{ID: id}, state: StateRevoked}
		return nil
	}
	if e.state.Pending() {
		e.state = StateRevoked
	}
	return nil
}

func (b *MemoryBroker) State(_ context.Context, id string) (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[id]
	if !ok {
		return "", errs.NotFound("task %s not found", id)
	}
	return e.state, nil
}

func (b *MemoryBroker) Snapshot(_ context.Context) (*Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := &Snapshot{Active: []Task{}, Reserved: []Task{}, Scheduled: []Task{}, Revoked: []string{}}
	for id, e := range b.entries {
		switch e.state {
		case StateRunning:
			snap.Active = append(snap.Active, e.task)
		case StateReserved:
			snap.Reserved = append(snap.Reserved, e.task)
		case StateScheduled:
			snap.Scheduled = append(snap.Scheduled, e.task)
		case StateRevoked:
			snap.Revoked = append(snap.Revoked, id)
		}
	}
	sort.Slice(snap.Scheduled, func(i, j int) bool { return snap.Scheduled[i].ETA.Before(snap.Scheduled[j].ETA) })
	sort.Strings(snap.Revoked)
	return snap, nil
}

func (b *MemoryBroker) Purge(_ context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for id, e := range b.entries {
		switch e.state {
		case StateScheduled, StateReserved:
			dropped++
			delete(b.entries, id)
		case StateRevoked:
			delete(b.entries, id)
		}
	}
	return dropped, nil
}

func (b *MemoryBroker) Recover(_ context.Context, staleBefore time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	recovered := 0
	for _, e := range b.entries {
		if (e.state == StateReserved || e.state == StateRunning) && e.since.Before(staleBefore) {
			e.state = StateScheduled
			recovered++
		}
	}
	return recovered, nil
}

func (b *MemoryBroker) Ping(context.Context) error {
	return nil
}

// Tasks returns every task in the given state, oldest ETA first.
func (b *MemoryBroker) Tasks(state State) []Task {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Task, 0)
	for _, e := range b.entries {
		if e.state == state {
			out = append(out, e.task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ETA.Before(out[j].ETA) })
	return out
}
