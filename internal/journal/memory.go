package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryJournal is an in-memory, thread-safe Journal implementation.
// It covers tests and one-shot pipeline runs that do not need the log
// to survive the process.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemory creates a MemoryJournal initialised with the canonical
// genesis entry at index 0.
func NewMemory() *MemoryJournal {
	j := &MemoryJournal{}
	genesis := &Entry{
		Index:     0,
		Timestamp: time.Now().UTC(),
		Action:    ActionGenesis,
		Actor:     SystemActor,
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash, // genesis hash is the well-known constant, not computed
	}
	j.entries = append(j.entries, genesis)
	return j
}

// Append implements Journal.
func (j *MemoryJournal) Append(_ context.Context, subject, action, actor string, payload any) (*Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	dataHash := sha256Sum(payloadJSON)
	prev := j.entries[len(j.entries)-1]

	entry := &Entry{
		Index:     len(j.entries),
		Timestamp: time.Now().UTC(),
		Subject:   subject,
		Action:    action,
		Actor:     actor,
		DataHash:  dataHash,
		PrevHash:  prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	j.entries = append(j.entries, entry)
	return entry, nil
}

// Get implements Journal.
func (j *MemoryJournal) Get(_ context.Context, index int) (*Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if index < 0 || index >= len(j.entries) {
		return nil, fmt.Errorf("index %d out of range", index)
	}
	return j.entries[index], nil
}

// Len implements Journal.
func (j *MemoryJournal) Len(_ context.Context) (int, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.entries), nil
}

// Verify implements Journal. It walks the chain and checks that all
// hashes are consistent. The genesis entry (index 0) is validated
// against GenesisHash.
func (j *MemoryJournal) Verify(_ context.Context) error {
	j.mu.RLock()
	defer j.mu.RUnlock()

	for i, curr := range j.entries {
		if i == 0 {
			if curr.Hash != GenesisHash {
				return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
			}
			continue
		}

		prev := j.entries[i-1]
		if curr.PrevHash != prev.Hash {
			return fmt.Errorf("hash chain broken at index %d", curr.Index)
		}
		if curr.Hash != hashEntry(curr) {
			return fmt.Errorf("entry %d has invalid hash", curr.Index)
		}
	}
	return nil
}

// Root implements Journal.
func (j *MemoryJournal) Root(_ context.Context) (string, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.entries) == 0 {
		return "", nil
	}
	return j.entries[len(j.entries)-1].Hash, nil
}
