package services

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/holdfast-hq/holdfast/internal/eventbus"
	"github.com/holdfast-hq/holdfast/internal/models"
	"github.com/holdfast-hq/holdfast/internal/repository"
)

const (
	sweepInterval = 30 * time.Second
	sweepBatch    = 100
)

// SweeperService expires overdue holds in the background so their slots
// reopen even when nobody touches them again.
type SweeperService struct {
	repos    *repository.Repositories
	bus      *eventbus.Bus
	interval time.Duration
	batch    int
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewSweeperService creates a new hold sweeper
func NewSweeperService(repos *repository.Repositories, bus *eventbus.Bus) *SweeperService {
	return &SweeperService{
		repos:    repos,
		bus:      bus,
		interval: sweepInterval,
		batch:    sweepBatch,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background sweep loop
func (s *SweeperService) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("[SWEEP] Hold sweeper started (interval: %v)", s.interval)
}

// Stop gracefully stops the sweeper
func (s *SweeperService) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	log.Println("[SWEEP] Hold sweeper stopped")
}

func (s *SweeperService) run() {
	defer s.wg.Done()

	// Sweep immediately on start, then on the ticker.
	s.SweepOnce(context.Background())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// SweepOnce expires every hold whose TTL has lapsed, draining in batches.
// Each transition that actually lands publishes a release event for the slot.
func (s *SweeperService) SweepOnce(ctx context.Context) {
	for {
		due, err := s.repos.Hold.ListDue(ctx, s.now().UTC(), s.batch)
		if err != nil {
			log.Printf("[SWEEP] Failed to list due holds: %v", err)
			return
		}
		if len(due) == 0 {
			return
		}

		expired := 0
		for _, hold := range due {
			changed, err := s.repos.Hold.UpdateStatusIf(ctx, hold.ID, models.HoldStatusActive, models.HoldStatusExpired)
			if err != nil {
				log.Printf("[SWEEP] Failed to expire hold %s: %v", hold.ID, err)
				continue
			}
			if !changed {
				// A confirm or release got there first.
				continue
			}
			hold.Status = models.HoldStatusExpired
			publishSlotEvent(ctx, s.bus, "[SWEEP]", eventbus.SubjectSlotReleased, hold, false, "expired")
			expired++
		}
		log.Printf("[SWEEP] Expired %d of %d due holds", expired, len(due))

		if len(due) < s.batch || expired == 0 {
			return
		}
	}
}
