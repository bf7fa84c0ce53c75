/**
 * @description
 * Cron job that keeps the in-memory movement cache bounded, retries movements whose save failed,
 * and surfaces movements that have not progressed for a long time.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	maxStaleLogged = 20
	flushTimeout   = 30 * time.Second
)

// SweepResult summarizes one sweep.
type SweepResult struct {
	Flushed     int
	Unpersisted int
	Evicted     int
	Stale       int
}

// Sweeper runs the movement cache maintenance on a cron schedule.
type Sweeper struct {
	cron       *cron.Cron
	book       *MovementBook
	schedule   string
	retention  time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

func NewSweeper(book *MovementBook, schedule string, retention, staleAfter time.Duration) *Sweeper {
	cronLogger := cron.PrintfLogger(log.Default())
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Sweeper{
		cron:       c,
		book:       book,
		schedule:   schedule,
		retention:  retention,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.Sweep() }); err != nil {
		log.Printf("level=error component=sweeper msg=\"failed to schedule movement sweep\" schedule=%q err=%v", s.schedule, err)
		return err
	}
	log.Printf("level=info component=sweeper msg=\"scheduled movement sweep\" schedule=%q", s.schedule)
	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done when a running sweep finishes.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// Sweep retries unpersisted movements, evicts old terminal ones from the cache and logs stuck ones.
func (s *Sweeper) Sweep() SweepResult {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	flushed, unpersisted := s.book.Flush(ctx)
	cancel()
	if unpersisted > 0 {
		log.Printf("level=error component=sweeper msg=\"movements still unpersisted; kept in cache\" count=%d", unpersisted)
	}

	now := s.now()
	evicted := s.book.Evict(now.Add(-s.retention))

	stale := s.book.Stale(now.Add(-s.staleAfter))
	for i, m := range stale {
		if i == maxStaleLogged {
			log.Printf("level=warn component=sweeper msg=\"more stale movements not listed\" remaining=%d", len(stale)-maxStaleLogged)
			break
		}
		log.Printf("level=warn component=sweeper msg=\"movement not progressing\" movement_id=%s state=%s updated_at=%s", m.ID, m.State, m.UpdatedAt.Format(time.RFC3339))
	}

	if flushed > 0 || evicted > 0 || len(stale) > 0 {
		log.Printf("level=info component=sweeper msg=\"movement sweep complete\" flushed=%d evicted=%d stale=%d cached=%d", flushed, evicted, len(stale), s.book.Len())
	}
	return SweepResult{Flushed: flushed, Unpersisted: unpersisted, Evicted: evicted, Stale: len(stale)}
}
