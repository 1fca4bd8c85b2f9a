package e2ee

import (
	"fmt"
	"io"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Scheduler drives periodic session key rotation and expiry sweeps.
//
// Rotation supersedes the current session pair on every tick; superseded
// pairs stay usable for the configured grace period so operations that
// started before the tick never fail mid-flight. The scheduler is a thin
// timer over KeyAgreement.RotateSessionKey; calling ForceRotation between
// ticks is always safe.
type Scheduler struct {
	mu        sync.Mutex
	agreement *KeyAgreement
	registry  *Registry
	opts      Options
	log       *logrus.Entry

	cron    *cron.Cron
	entryID cron.EntryID
	running bool
}

// NewScheduler creates a rotation scheduler. registry may be nil when
// only session pairs need rotating; logger may be nil to discard logs.
func NewScheduler(agreement *KeyAgreement, registry *Registry, opts Options, logger *logrus.Logger) (*Scheduler, error) {
	if agreement == nil {
		return nil, fmt.Errorf("scheduler requires a key agreement service")
	}
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}

	return &Scheduler{
		agreement: agreement,
		registry:  registry,
		opts:      opts,
		log:       logger.WithField("component", "rotation"),
	}, nil
}

// Start begins periodic rotation at Options.RotationInterval. Starting a
// running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.cron = cron.New()
	s.entryID = s.cron.Schedule(cron.Every(s.opts.RotationInterval), cron.FuncJob(s.tick))
	s.cron.Start()
	s.running = true

	s.log.WithFields(logrus.Fields{
		"interval": s.opts.RotationInterval,
		"grace":    s.opts.RotationGracePeriod,
	}).Info("rotation scheduler started")
}

// Stop halts periodic rotation. A tick already in progress runs to
// completion. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.cron = nil
	s.running = false

	s.log.Info("rotation scheduler stopped")
}

// Running reports whether periodic rotation is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ForceRotation rotates the session pair immediately, outside the
// schedule. The periodic schedule is unaffected.
func (s *Scheduler) ForceRotation(reason string) (*KeyHandle, error) {
	if reason == "" {
		reason = "manual"
	}
	handle, err := s.agreement.RotateSessionKey(reason)
	if err != nil {
		s.log.WithError(err).Error("forced rotation failed")
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"key_id": handle.ID(),
		"reason": reason,
	}).Info("session key rotated")
	return handle, nil
}

func (s *Scheduler) tick() {
	handle, err := s.agreement.RotateSessionKey("scheduled")
	if err != nil {
		s.log.WithError(err).Error("scheduled rotation failed")
		return
	}
	s.log.WithField("key_id", handle.ID()).Debug("session key rotated on schedule")

	if s.registry == nil {
		return
	}
	if expired := s.registry.ExpireDueKeys(); len(expired) > 0 {
		s.log.WithFields(logrus.Fields{
			"count":   len(expired),
			"key_ids": expired,
		}).Warn("registry keys past expiry")
	}
}
