// Package scheduler provides periodic wake and cache refresh scheduling.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/psconsult/offline/internal/connectivity"
	"github.com/psconsult/offline/internal/errors"
	"github.com/psconsult/offline/internal/logging"
)

// OnlineStatus reports the last observed connectivity state.
type OnlineStatus interface {
	Online() bool
}

// Scheduler publishes periodic wake signals and refreshes the read cache while online.
type Scheduler struct {
	bus               connectivity.Publisher
	status            OnlineStatus
	refresher         connectivity.CacheRefresher
	wakeInterval      time.Duration
	refreshInterval   time.Duration
	stopCh            chan struct{}
	wg                sync.WaitGroup
	mu                sync.RWMutex
	isRunning         bool
	lastWakeTime      time.Time
	lastRefreshTime   time.Time
	refreshInProgress bool
	log               *logging.Logger
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	WakeInterval    time.Duration // How often to wake the reconciler when online (default: 5 minutes)
	RefreshInterval time.Duration // How often to refresh the read cache when online (default: 15 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		WakeInterval:    5 * time.Minute,
		RefreshInterval: 15 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. refresher may be nil.
func NewScheduler(bus connectivity.Publisher, status OnlineStatus, refresher connectivity.CacheRefresher, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	return &Scheduler{
		bus:             bus,
		status:          status,
		refresher:       refresher,
		wakeInterval:    config.WakeInterval,
		refreshInterval: config.RefreshInterval,
		stopCh:          make(chan struct{}),
		log:             logging.For("scheduler"),
	}
}

// Start starts the scheduler loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.wakeLoop(ctx)

	if s.refresher != nil && s.refreshInterval > 0 {
		s.wg.Add(1)
		go s.refreshLoop(ctx)
	}

	s.log.Info("Scheduler started", map[string]interface{}{
		"wake_interval":    s.wakeInterval.String(),
		"refresh_interval": s.refreshInterval.String(),
	})
}

// Stop stops the scheduler gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.log.Info("Scheduler stopped")
}

// wakeLoop publishes a WakeSync each interval while online.
func (s *Scheduler) wakeLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.wakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.status.Online() {
				continue
			}
			s.TriggerWake()
		}
	}
}

// refreshLoop refreshes the read cache each interval while online.
func (s *Scheduler) refreshLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.status.Online() {
				continue
			}
			s.runRefresh(ctx)
		}
	}
}

// TriggerWake publishes a WakeSync immediately.
// Returns false if the bus no longer accepts events.
func (s *Scheduler) TriggerWake() bool {
	if !s.bus.Publish(connectivity.Wake(connectivity.SyncTag)) {
		return false
	}

	s.mu.Lock()
	s.lastWakeTime = time.Now()
	s.mu.Unlock()
	return true
}

func (s *Scheduler) runRefresh(ctx context.Context) {
	s.mu.Lock()
	if s.refreshInProgress {
		s.mu.Unlock()
		s.log.Debug("Refresh already in progress, skipping")
		return
	}
	s.refreshInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.refreshInProgress = false
		s.mu.Unlock()
	}()

	refreshCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	counts, err := s.refresher.RefreshAll(refreshCtx)
	if err != nil {
		s.log.ErrorWithCode("Periodic refresh failed", string(errors.GetCode(err)), err,
			map[string]interface{}{"interval_minutes": s.refreshInterval.Minutes()})
		return
	}

	s.mu.Lock()
	s.lastRefreshTime = time.Now()
	s.mu.Unlock()

	s.log.Debug("Periodic refresh completed", map[string]interface{}{"records": counts})
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning       bool       `json:"isRunning"`
	IsOnline        bool       `json:"isOnline"`
	LastWakeTime    *time.Time `json:"lastWakeTime,omitempty"`
	LastRefreshTime *time.Time `json:"lastRefreshTime,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning: s.isRunning,
		IsOnline:  s.status.Online(),
	}
	if !s.lastWakeTime.IsZero() {
		t := s.lastWakeTime
		status.LastWakeTime = &t
	}
	if !s.lastRefreshTime.IsZero() {
		t := s.lastRefreshTime
		status.LastRefreshTime = &t
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
