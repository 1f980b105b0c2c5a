package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultIdleTimeout  = 30 * time.Minute
	DefaultReapInterval = 5 * time.Minute
)

// Reaper closes sessions that have been idle past a timeout. Sessions with
// operations still in flight are never reaped.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	now      func() time.Time

	mu          sync.Mutex
	idleTimeout time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewReaper creates a reaper for manager.
func NewReaper(manager *Manager, idleTimeout time.Duration) *Reaper {
	if idleTimeout == 0 {
		idleTimeout = DefaultIdleTimeout
	}

	return &Reaper{
		manager:     manager,
		interval:    DefaultReapInterval,
		now:         time.Now,
		idleTimeout: idleTimeout,
	}
}

// Start starts the reaper
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("reaper is already running")
	}

	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.run(r.stopCh, r.doneCh)

	log.Info().
		Dur("idle_timeout", r.idleTimeout).
		Msg("Session reaper started")

	return nil
}

// Stop stops the reaper and waits for the loop to exit.
func (r *Reaper) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("reaper is not running")
	}
	r.running = false
	close(r.stopCh)
	done := r.doneCh
	r.mu.Unlock()

	<-done
	log.Info().Msg("Session reaper stopped")
	return nil
}

func (r *Reaper) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.ReapNow()
		case <-stop:
			return
		}
	}
}

// ReapNow closes every idle session and returns their keys.
func (r *Reaper) ReapNow() []string {
	timeout := r.IdleTimeout()
	now := r.now()

	var reaped []string
	for _, key := range r.manager.Keys() {
		s, ok := r.manager.Get(key)
		if !ok {
			continue
		}
		if s.Pending() > 0 {
			continue
		}
		if now.Sub(s.LastUsed()) < timeout {
			continue
		}

		if err := r.manager.Close(key); err != nil {
			log.Warn().
				Str("session_key", key).
				Err(err).
				Msg("Failed to close idle session")
			continue
		}
		reaped = append(reaped, key)
	}

	if len(reaped) > 0 {
		log.Info().
			Int("reaped", len(reaped)).
			Msg("Closed idle sessions")
	}
	return reaped
}

// IsRunning returns whether the reaper is running
func (r *Reaper) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// IdleTimeout returns the idle timeout
func (r *Reaper) IdleTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idleTimeout
}

// SetIdleTimeout sets the idle timeout
func (r *Reaper) SetIdleTimeout(timeout time.Duration) {
	r.mu.Lock()
	r.idleTimeout = timeout
	r.mu.Unlock()
	log.Info().Dur("idle_timeout", timeout).Msg("Idle timeout updated")
}
