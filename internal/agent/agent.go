// Package agent wires the local tracking pipeline together: the
// activity listener feeds the tracker, the tracker accumulates per-day
// seconds, and the sync client delivers them to the aggregator.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/codetally/codetally/internal/config"
	"github.com/codetally/codetally/internal/credstore"
	"github.com/codetally/codetally/internal/metrics"
	"github.com/codetally/codetally/internal/syncer"
	"github.com/codetally/codetally/internal/tracker"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// UserIDKey is the credential slot holding the generated user identity.
const UserIDKey = "codetally.user_id"

// Agent is the long-running local tracking process.
type Agent struct {
	config   *config.Config
	creds    *credstore.Store
	client   *syncer.Client
	tracker  *tracker.Tracker
	listener *ActivityListener
	metrics  *metrics.Server
	userID   string
	logger   zerolog.Logger

	permanentOnce sync.Once
}

// New builds an agent from configuration. The API token must already
// exist in the credential store; the user identity is generated and
// persisted on first run.
func New(cfg *config.Config, logger zerolog.Logger) (*Agent, error) {
	creds := credstore.New(cfg.Agent.CredentialsPath)

	token := creds.Get(credstore.TokenKey)
	if token == "" {
		return nil, fmt.Errorf("no API token configured; run \"codetally token generate\" first")
	}

	userID := creds.Get(UserIDKey)
	if userID == "" {
		userID = uuid.NewString()
		if err := creds.Set(UserIDKey, userID); err != nil {
			return nil, fmt.Errorf("persist user id: %w", err)
		}
		logger.Info().Str("user_id", userID).Msg("Generated new user identity")
	}

	requestTimeout, err := parseDuration(cfg.Agent.RequestTimeout, "agent.request_timeout")
	if err != nil {
		return nil, err
	}

	client, err := syncer.NewClient(syncer.Config{
		Endpoint:       cfg.Agent.Endpoint,
		Token:          token,
		RequestTimeout: requestTimeout,
	}, logger)
	if err != nil {
		return nil, err
	}

	idleTimeout, err := parseDuration(cfg.Agent.IdleTimeout, "agent.idle_timeout")
	if err != nil {
		return nil, err
	}
	heartbeat, err := parseDuration(cfg.Agent.HeartbeatInterval, "agent.heartbeat_interval")
	if err != nil {
		return nil, err
	}
	syncInterval, err := parseDuration(cfg.Agent.SyncInterval, "agent.sync_interval")
	if err != nil {
		return nil, err
	}

	trk := tracker.New(client, userID, tracker.Config{
		IdleTimeout:       idleTimeout,
		HeartbeatInterval: heartbeat,
		SyncInterval:      syncInterval,
	}, logger)

	a := &Agent{
		config:  cfg,
		creds:   creds,
		client:  client,
		tracker: trk,
		userID:  userID,
		logger:  logger.With().Str("component", "agent").Logger(),
	}

	// A permanent delivery failure means reconfiguration is needed;
	// surface it loudly once instead of flooding the log on every sync.
	client.SetPermanentFailureHandler(func(derr *syncer.DeliveryError) {
		a.permanentOnce.Do(func() {
			a.logger.Error().Err(derr).
				Msg("Delivery rejected permanently; check your token and endpoint, then restart the agent")
		})
	})

	a.listener = NewActivityListener(cfg.Agent.ListenAddress, trk, client, logger)

	if cfg.Agent.MetricsPort > 0 {
		a.metrics = metrics.NewServer(fmt.Sprintf("127.0.0.1:%d", cfg.Agent.MetricsPort), logger)
	}

	return a, nil
}

// UserID returns the agent's persistent user identity.
func (a *Agent) UserID() string {
	return a.userID
}

// Start brings up the pipeline: queue drain, tracker loop, activity
// listener, and the optional metrics endpoint.
func (a *Agent) Start(ctx context.Context) error {
	a.client.Initialize(ctx)
	a.tracker.Start()

	if err := a.listener.Start(); err != nil {
		return fmt.Errorf("start activity listener: %w", err)
	}

	if a.metrics != nil {
		if err := a.metrics.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	a.logger.Info().
		Str("user_id", a.userID).
		Str("endpoint", a.config.Agent.Endpoint).
		Str("listen", a.config.Agent.ListenAddress).
		Msg("Agent started")
	return nil
}

// Stop shuts the pipeline down in reverse order. The tracker performs
// its final flush and delivery before the sync client drains whatever
// is still queued.
func (a *Agent) Stop(ctx context.Context) {
	if err := a.listener.Stop(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Activity listener shutdown error")
	}

	a.tracker.Stop(ctx)
	a.client.Close(ctx)

	if a.metrics != nil {
		if err := a.metrics.Stop(); err != nil {
			a.logger.Warn().Err(err).Msg("Metrics server shutdown error")
		}
	}

	a.logger.Info().Msg("Agent stopped")
}

func parseDuration(raw, name string) (time.Duration, error) {
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", name, raw)
	}
	return d, nil
}
