package app

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/transfa/clearing-service/internal/domain"
	"github.com/transfa/clearing-service/internal/store"
)

const persistStripes = 64

// ErrMovementExists is returned when registering a movement id that is already tracked.
var ErrMovementExists = errors.New("movement already exists")

type cachedMovement struct {
	movement domain.Movement
	version  uint64
	dirty    bool
}

// MovementBook is the in-memory view of tracked movements, backed by a MovementRepository.
// Callers get copies; only the lane that owns a movement writes it back. An entry whose save
// failed stays dirty: it is never evicted and Flush retries it.
type MovementBook struct {
	mu    sync.RWMutex
	cache map[string]cachedMovement
	repo  store.MovementRepository

	// persist serializes saves of one movement so an older snapshot never lands after a newer one.
	persist [persistStripes]sync.Mutex
}

func NewMovementBook(repo store.MovementRepository) *MovementBook {
	return &MovementBook{
		cache: make(map[string]cachedMovement),
		repo:  repo,
	}
}

// Get returns the movement and whether it is known, consulting the repository on a cache miss.
func (b *MovementBook) Get(ctx context.Context, movementID string) (domain.Movement, bool, error) {
	b.mu.RLock()
	entry, ok := b.cache[movementID]
	b.mu.RUnlock()
	if ok {
		return entry.movement, true, nil
	}

	stored, err := b.repo.FindMovementByID(ctx, movementID)
	if err != nil {
		if errors.Is(err, store.ErrMovementNotFound) {
			return domain.Movement{}, false, nil
		}
		return domain.Movement{}, false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cached, ok := b.cache[movementID]; ok {
		return cached.movement, true, nil
	}
	b.cache[movementID] = cachedMovement{movement: *stored}
	return *stored, true, nil
}

// Put caches m and persists it. The cache keeps m even when persistence fails; the entry is
// then marked unpersisted until a later Put or Flush succeeds.
func (b *MovementBook) Put(ctx context.Context, m domain.Movement) error {
	b.mu.Lock()
	entry := b.cache[m.ID]
	b.cache[m.ID] = cachedMovement{movement: m, version: entry.version + 1, dirty: true}
	b.mu.Unlock()

	return b.save(ctx, m.ID)
}

// save writes the latest cached snapshot of movementID if it is dirty.
func (b *MovementBook) save(ctx context.Context, movementID string) error {
	lock := &b.persist[xxhash.Sum64String(movementID)%persistStripes]
	lock.Lock()
	defer lock.Unlock()

	b.mu.RLock()
	entry, ok := b.cache[movementID]
	b.mu.RUnlock()
	if !ok || !entry.dirty {
		return nil
	}

	if err := b.repo.SaveMovement(ctx, entry.movement); err != nil {
		return err
	}

	b.mu.Lock()
	if current, ok := b.cache[movementID]; ok && current.version == entry.version {
		current.dirty = false
		b.cache[movementID] = current
	}
	b.mu.Unlock()
	return nil
}

// Flush retries persistence of every unpersisted movement. It returns how many were saved and
// how many are still unpersisted.
func (b *MovementBook) Flush(ctx context.Context) (saved, pending int) {
	b.mu.RLock()
	var ids []string
	for id, entry := range b.cache {
		if entry.dirty {
			ids = append(ids, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range ids {
		if err := b.save(ctx, id); err != nil {
			pending++
			log.Printf("level=warn component=movements msg=\"movement persist retry failed\" movement_id=%s err=%v", id, err)
			continue
		}
		saved++
	}
	return saved, pending
}

// Create stores a new movement, failing with ErrMovementExists if the id is taken.
func (b *MovementBook) Create(ctx context.Context, m domain.Movement) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.cache[m.ID]; ok {
		return ErrMovementExists
	}
	_, err := b.repo.FindMovementByID(ctx, m.ID)
	switch {
	case err == nil:
		return ErrMovementExists
	case !errors.Is(err, store.ErrMovementNotFound):
		return err
	}
	if err := b.repo.SaveMovement(ctx, m); err != nil {
		return err
	}
	b.cache[m.ID] = cachedMovement{movement: m}
	return nil
}

// Evict drops persisted terminal movements last updated before cutoff from the cache. The
// repository keeps them.
func (b *MovementBook) Evict(cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	evicted := 0
	for id, entry := range b.cache {
		m := entry.movement
		if !entry.dirty && m.State.Terminal() && m.UpdatedAt.Before(cutoff) {
			delete(b.cache, id)
			evicted++
		}
	}
	return evicted
}

// Stale lists non-terminal cached movements untouched since cutoff, oldest first.
func (b *MovementBook) Stale(cutoff time.Time) []domain.Movement {
	b.mu.RLock()
	var stale []domain.Movement
	for _, entry := range b.cache {
		m := entry.movement
		if !m.State.Terminal() && m.UpdatedAt.Before(cutoff) {
			stale = append(stale, m)
		}
	}
	b.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	return stale
}

// Len returns the number of cached movements.
func (b *MovementBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.cache)
}

// Unpersisted returns the number of cached movements whose latest state is not yet saved.
func (b *MovementBook) Unpersisted() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, entry := range b.cache {
		if entry.dirty {
			n++
		}
	}
	return n
}
