package store

import (
	"context"
	"sync"
	"time"
)

const defaultMemoryLockTTL = 30 * time.Second

// MemoryStepJournal keeps the step journal in process memory. It is used in tests and when the
// service runs without Redis; its records do not survive a restart.
type MemoryStepJournal struct {
	mu       sync.Mutex
	records  map[string]JournalRecord
	inFlight map[string]time.Time
	lockTTL  time.Duration
	now      func() time.Time
}

// NewMemoryStepJournal creates an empty in-memory journal. In-flight markers expire after lockTTL.
func NewMemoryStepJournal(lockTTL time.Duration) *MemoryStepJournal {
	if lockTTL <= 0 {
		lockTTL = defaultMemoryLockTTL
	}
	return &MemoryStepJournal{
		records:  make(map[string]JournalRecord),
		inFlight: make(map[string]time.Time),
		lockTTL:  lockTTL,
		now:      time.Now,
	}
}

func (j *MemoryStepJournal) Begin(ctx context.Context, movementID, step string) (*JournalRecord, error) {
	key := journalKey(movementID, step)

	j.mu.Lock()
	defer j.mu.Unlock()

	if record, ok := j.records[key]; ok {
		return &record, nil
	}
	now := j.now()
	if expiresAt, busy := j.inFlight[key]; busy && now.Before(expiresAt) {
		return nil, ErrStepInFlight
	}
	j.inFlight[key] = now.Add(j.lockTTL)
	return nil, nil
}

func (j *MemoryStepJournal) Complete(ctx context.Context, movementID, step string, record JournalRecord) error {
	key := journalKey(movementID, step)

	j.mu.Lock()
	defer j.mu.Unlock()

	j.records[key] = record
	delete(j.inFlight, key)
	return nil
}

func (j *MemoryStepJournal) Abandon(ctx context.Context, movementID, step string) error {
	key := journalKey(movementID, step)

	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.inFlight, key)
	return nil
}

func journalKey(movementID, step string) string {
	return movementID + ":" + step
}
