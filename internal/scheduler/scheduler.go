// Package scheduler drives the periodic background work: tank replay,
// history reconstruction and alert-queue draining. All paths funnel into the
// controller, whose per-tank locks make overlapping triggers safe.
package scheduler

import (
	"log"
	"time"

	"github.com/go-co-op/gocron"
)

// Jobs is the work the scheduler triggers.
type Jobs interface {
	ReplayAll()
	ReconstructAll()
	DrainAlerts()
}

// Scheduler manages the recurring jobs.
type Scheduler struct {
	scheduler *gocron.Scheduler
	jobs      Jobs
}

// NewScheduler creates a scheduler running in the given location.
func NewScheduler(loc *time.Location, jobs Jobs) *Scheduler {
	return &Scheduler{scheduler: gocron.NewScheduler(loc), jobs: jobs}
}

// Start registers the recurring jobs and begins executing them.
func (s *Scheduler) Start() {
	if _, err := s.scheduler.Every(1).Minute().Do(s.jobs.ReplayAll); err != nil {
		log.Fatalf("Failed to schedule replay job: %v", err)
	}
	if _, err := s.scheduler.Every(2).Minutes().Do(s.jobs.DrainAlerts); err != nil {
		log.Fatalf("Failed to schedule alert drain job: %v", err)
	}
	if _, err := s.scheduler.Every(10).Minutes().Do(s.jobs.ReconstructAll); err != nil {
		log.Fatalf("Failed to schedule reconstruction job: %v", err)
	}
	s.scheduler.StartAsync()
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() {
	log.Println("Stopping scheduler...")
	s.scheduler.Stop()
}
