// Package tracker converts a stream of activity signals into
// language-tagged second counts accumulated into a per-day record.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/codetally/codetally/internal/metrics"
	"github.com/codetally/codetally/internal/storage"
	"github.com/codetally/codetally/internal/timeutil"
	"github.com/rs/zerolog"
)

const (
	// DefaultIdleTimeout is the silence after which a session closes.
	DefaultIdleTimeout = 60 * time.Second

	// DefaultHeartbeatInterval is how often the idle check runs.
	DefaultHeartbeatInterval = 1 * time.Second

	// DefaultSyncInterval is how often accumulated time is delivered.
	DefaultSyncInterval = 20 * time.Minute
)

// DeliveryClient is the sync channel the tracker hands day-record
// deltas to. Deliver reports confirmed success; anything else leaves
// retry handling to the channel.
type DeliveryClient interface {
	Deliver(ctx context.Context, userID string, record storage.DayRecord) bool
}

// Config holds tracker configuration.
type Config struct {
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	SyncInterval      time.Duration
	Clock             Clock
}

type signal struct {
	language string
}

type snapshotRequest struct {
	reply chan Snapshot
}

// Snapshot is a point-in-time view of tracker state for diagnostics.
type Snapshot struct {
	Tracking        bool
	CurrentLanguage string
	SessionStart    time.Time
	LastActivity    time.Time
	Today           storage.DayRecord
}

// Tracker is the activity state machine. All state is owned by the
// run loop goroutine; callers communicate over channels, so no mutex
// guards the session or the day accumulator.
type Tracker struct {
	client DeliveryClient
	userID string
	clock  Clock
	logger zerolog.Logger

	idleTimeout       time.Duration
	heartbeatInterval time.Duration
	syncInterval      time.Duration

	// Run-loop-owned state. Only touched by the loop goroutine (and
	// by tests driving the step methods directly).
	isTracking      bool
	sessionStart    time.Time
	lastActivity    time.Time
	currentLanguage string
	currentDate     string
	today           storage.DayRecord

	signals  chan signal
	snapReqs chan snapshotRequest
	stopCh   chan context.Context
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a tracker. Start must be called before it processes
// anything.
func New(client DeliveryClient, userID string, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}

	t := &Tracker{
		client:            client,
		userID:            userID,
		clock:             cfg.Clock,
		logger:            logger.With().Str("component", "tracker").Logger(),
		idleTimeout:       cfg.IdleTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		syncInterval:      cfg.SyncInterval,
		signals:           make(chan signal, 128),
		snapReqs:          make(chan snapshotRequest),
		stopCh:            make(chan context.Context),
		done:              make(chan struct{}),
	}

	t.currentDate = timeutil.DateKey(t.clock.Now())
	t.today = storage.NewDayRecord(t.currentDate)

	return t
}

// Start launches the run loop.
func (t *Tracker) Start() {
	go t.run()
	t.logger.Info().
		Dur("idle_timeout", t.idleTimeout).
		Dur("sync_interval", t.syncInterval).
		Msg("Tracker started")
}

// RecordActivity reports one activity signal. Never blocks the
// caller; under a flooded queue the signal is dropped, which is
// harmless because the next keystroke carries the same information.
func (t *Tracker) RecordActivity(language string) {
	select {
	case t.signals <- signal{language: language}:
	case <-t.done:
	default:
		t.logger.Debug().Msg("Signal queue full, dropping activity signal")
	}
}

// Snapshot returns the current session and accumulator state.
func (t *Tracker) Snapshot() Snapshot {
	req := snapshotRequest{reply: make(chan Snapshot, 1)}
	select {
	case t.snapReqs <- req:
		return <-req.reply
	case <-t.done:
		return Snapshot{Today: t.today.Clone()}
	}
}

// Stop cancels the timers, performs a final flush and a best-effort
// final delivery, then shuts the loop down. Safe to call once per
// tracker lifetime; later calls are no-ops.
func (t *Tracker) Stop(ctx context.Context) {
	t.stopOnce.Do(func() {
		select {
		case t.stopCh <- ctx:
			<-t.done
		case <-t.done:
		}
	})
}

func (t *Tracker) run() {
	heartbeat := time.NewTicker(t.heartbeatInterval)
	defer heartbeat.Stop()
	syncTick := time.NewTicker(t.syncInterval)
	defer syncTick.Stop()

	for {
		select {
		case sig := <-t.signals:
			t.recordActivity(t.clock.Now(), sig.language)

		case <-heartbeat.C:
			t.onHeartbeat(t.clock.Now())

		case <-syncTick.C:
			t.onSyncTick(context.Background())

		case req := <-t.snapReqs:
			// Apply already-queued signals first so a snapshot reflects
			// everything reported before it was requested.
			t.drainSignals()
			req.reply <- Snapshot{
				Tracking:        t.isTracking,
				CurrentLanguage: t.currentLanguage,
				SessionStart:    t.sessionStart,
				LastActivity:    t.lastActivity,
				Today:           t.today.Clone(),
			}

		case ctx := <-t.stopCh:
			// Ticker stop precedes the final flush, so nothing fires
			// mid-shutdown; pending signals in the buffer are dropped
			// along with their idle-gap-sized uncertainty.
			heartbeat.Stop()
			syncTick.Stop()
			t.flushSession(t.clock.Now())
			t.syncNow(ctx)
			close(t.done)
			t.logger.Info().Msg("Tracker stopped")
			return
		}
	}
}

func (t *Tracker) drainSignals() {
	for {
		select {
		case sig := <-t.signals:
			t.recordActivity(t.clock.Now(), sig.language)
		default:
			return
		}
	}
}

// recordActivity applies one activity signal: Idle opens a session,
// Active only advances the credit boundary and language.
func (t *Tracker) recordActivity(now time.Time, language string) {
	t.lastActivity = now
	t.currentLanguage = language

	if !t.isTracking {
		t.sessionStart = now
		t.isTracking = true
		t.logger.Debug().Str("language", language).Msg("Session opened")
	}
}

// onHeartbeat closes the session once the idle timeout has elapsed
// since the last activity.
func (t *Tracker) onHeartbeat(now time.Time) {
	if !t.isTracking {
		return
	}

	if now.Sub(t.lastActivity) >= t.idleTimeout {
		t.logger.Debug().Msg("Idle timeout reached, flushing session")
		t.flushSession(now)
	}
}

// flushSession converts the open session into accumulated seconds.
// Credit runs from session start to the last observed activity, never
// to now, so the idle gap itself is excluded. Floor semantics: partial
// seconds are dropped.
func (t *Tracker) flushSession(now time.Time) {
	if !t.isTracking {
		return
	}

	credited := t.lastActivity.Sub(t.sessionStart).Milliseconds() / 1000
	language := t.currentLanguage

	// Session state resets before accumulation; a zero-credit close is
	// a valid no-op, not an error.
	t.isTracking = false
	t.sessionStart = time.Time{}

	if credited <= 0 {
		return
	}

	// Rollover must happen before the credit lands so that seconds
	// earned before midnight are never attributed to the new day.
	t.checkDateRollover(now)

	t.today.AddSeconds(language, credited)
	metrics.SessionsFlushed.Inc()
	metrics.SecondsAccumulated.WithLabelValues(language).Add(float64(credited))

	t.logger.Debug().
		Int64("seconds", credited).
		Str("language", language).
		Int64("day_total", t.today.TotalSeconds).
		Msg("Session flushed")
}

// onSyncTick force-flushes any open session so in-progress time is not
// stranded, then delivers the accumulator.
func (t *Tracker) onSyncTick(ctx context.Context) {
	t.flushSession(t.clock.Now())
	t.syncNow(ctx)
}

// syncNow delivers the day accumulator. The accumulator resets only on
// confirmed success; on failure it keeps growing so the next attempt
// carries the full undelivered total.
func (t *Tracker) syncNow(ctx context.Context) {
	if t.today.TotalSeconds == 0 {
		return
	}

	if t.client.Deliver(ctx, t.userID, t.today.Clone()) {
		t.today = storage.NewDayRecord(t.currentDate)
		t.logger.Debug().Msg("Sync confirmed, accumulator reset")
	} else {
		t.logger.Debug().Int64("pending_seconds", t.today.TotalSeconds).Msg("Sync unconfirmed, accumulator preserved")
	}
}

// checkDateRollover hands the old-date accumulator to the sync channel
// the moment a new calendar date is observed, before any new seconds
// land. A session spanning midnight is wholly credited to the
// flush-time date; it is not split.
func (t *Tracker) checkDateRollover(now time.Time) {
	today := timeutil.DateKey(now)
	if today == t.currentDate {
		return
	}

	t.logger.Info().Str("from", t.currentDate).Str("to", today).Msg("Date rollover")

	if t.today.TotalSeconds > 0 {
		// Handed off asynchronously so the flush path does not wait on
		// the network; the sync channel's offline queue is the
		// durability backstop if this delivery fails.
		old := t.today.Clone()
		go t.client.Deliver(context.Background(), t.userID, old)
	}

	t.currentDate = today
	t.today = storage.NewDayRecord(today)
}
