package wasm_test

import (
	"context"
	"sync"
)

// fakeSkillStore is an in-memory wasm.SkillStore for tests that only need
// fault-quarantine bookkeeping, not a real database.
type fakeSkillStore struct {
	mu          sync.Mutex
	faults      map[string]int
	quarantined map[string]bool
	kv          map[string]string
}

func newFakeSkillStore() *fakeSkillStore {
	return &fakeSkillStore{
		faults:      map[string]int{},
		quarantined: map[string]bool{},
		kv:          map[string]string{},
	}
}

func (f *fakeSkillStore) IsSkillQuarantined(ctx context.Context, skillID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quarantined[skillID], nil
}

func (f *fakeSkillStore) IncrementSkillFault(ctx context.Context, skillID string, threshold int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[skillID]++
	if threshold > 0 && f.faults[skillID] >= threshold {
		f.quarantined[skillID] = true
	}
	return f.quarantined[skillID], nil
}

func (f *fakeSkillStore) KVSet(ctx context.Context, key, val string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = val
	return nil
}
