package services

import (
	"github.com/holdfast-hq/holdfast/internal/config"
	"github.com/holdfast-hq/holdfast/internal/eventbus"
	"github.com/holdfast-hq/holdfast/internal/repository"
)

// Services holds all service instances
type Services struct {
	Availability *AvailabilityService
	Hold         *HoldService
	Booking      *BookingService
	Document     *DocumentService
	SignWell     *SignWellService
	Notifier     *NotifierService
	Sweeper      *SweeperService
	Timezone     *TimezoneService
}

// New creates all services
func New(cfg *config.Config, repos *repository.Repositories, bus *eventbus.Bus) *Services {
	return &Services{
		Availability: NewAvailabilityService(repos, cfg.App.MaxSchedulingDays),
		Hold:         NewHoldService(repos, bus),
		Booking:      NewBookingService(repos, bus),
		Document:     NewDocumentService(repos, bus),
		SignWell:     NewSignWellService(cfg, repos, bus),
		Notifier:     NewNotifierService(cfg, repos, bus),
		Sweeper:      NewSweeperService(repos, bus),
		Timezone:     NewTimezoneService(),
	}
}

// Start brings up the background workers: the hold sweeper, the NDA envelope
// provisioner, and the notification consumers. The bus must be started first.
func (s *Services) Start() error {
	if err := s.SignWell.Start(); err != nil {
		return err
	}
	if err := s.Notifier.Start(); err != nil {
		return err
	}
	s.Sweeper.Start()
	return nil
}

// Stop shuts the background workers down in reverse order
func (s *Services) Stop() {
	s.Sweeper.Stop()
	s.Notifier.Stop()
	s.SignWell.Stop()
}
