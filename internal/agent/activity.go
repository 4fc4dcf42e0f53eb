package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codetally/codetally/internal/metrics"
	"github.com/codetally/codetally/internal/syncer"
	"github.com/codetally/codetally/internal/timeutil"
	"github.com/codetally/codetally/internal/tracker"
	"github.com/rs/zerolog"
)

// activitySignal is what editor integrations post to the local agent.
// Reason is "change" for document edits and "focus" for switching to a
// file; anything else is discarded.
type activitySignal struct {
	Language       string `json:"language"`
	URI            string `json:"uri"`
	Reason         string `json:"reason"`
	ContentChanges int    `json:"contentChanges"`
}

type statusResponse struct {
	Tracking          bool   `json:"tracking"`
	CurrentLanguage   string `json:"currentLanguage,omitempty"`
	Date              string `json:"date"`
	TotalSeconds      int64  `json:"totalSeconds"`
	FormattedDuration string `json:"formattedDuration"`
	QueuedDeltas      int    `json:"queuedDeltas"`
}

// ActivityListener is the localhost HTTP endpoint editor plugins send
// activity signals to.
type ActivityListener struct {
	server  *http.Server
	tracker *tracker.Tracker
	client  *syncer.Client
	logger  zerolog.Logger
}

// NewActivityListener creates the listener. The endpoint is
// unauthenticated, so addr must stay bound to loopback.
func NewActivityListener(addr string, trk *tracker.Tracker, client *syncer.Client, logger zerolog.Logger) *ActivityListener {
	l := &ActivityListener{
		tracker: trk,
		client:  client,
		logger:  logger.With().Str("component", "activity").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/activity", l.handleActivity)
	mux.HandleFunc("/status", l.handleStatus)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	l.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	return l
}

// Start starts the listener.
func (l *ActivityListener) Start() error {
	l.logger.Info().Str("addr", l.server.Addr).Msg("Starting activity listener")
	go func() {
		if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.logger.Error().Err(err).Msg("Activity listener error")
		}
	}()
	return nil
}

// Stop gracefully shuts the listener down.
func (l *ActivityListener) Stop(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (l *ActivityListener) Handler() http.Handler {
	return l.server.Handler
}

func (l *ActivityListener) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var sig activitySignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		metrics.ActivitySignals.WithLabelValues("malformed").Inc()
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	if !acceptSignal(sig) {
		metrics.ActivitySignals.WithLabelValues("filtered").Inc()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	language := sig.Language
	if language == "" {
		language = "plaintext"
	}

	metrics.ActivitySignals.WithLabelValues("accepted").Inc()
	l.tracker.RecordActivity(language)
	w.WriteHeader(http.StatusAccepted)
}

// acceptSignal filters out events that do not represent a person
// editing a real file: non-file documents (terminals, output panels,
// diff views) and change events with no actual content changes
// (formatting-only notifications).
func acceptSignal(sig activitySignal) bool {
	if !isFileURI(sig.URI) {
		return false
	}

	switch sig.Reason {
	case "change":
		return sig.ContentChanges > 0
	case "focus":
		return true
	default:
		return false
	}
}

// isFileURI reports whether the URI names a filesystem document. Plain
// paths count; explicit non-file schemes do not.
func isFileURI(raw string) bool {
	if raw == "" {
		return false
	}
	if strings.HasPrefix(raw, "/") {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "" || u.Scheme == "file"
}

func (l *ActivityListener) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snap := l.tracker.Snapshot()
	resp := statusResponse{
		Tracking:          snap.Tracking,
		CurrentLanguage:   snap.CurrentLanguage,
		Date:              snap.Today.Date,
		TotalSeconds:      snap.Today.TotalSeconds,
		FormattedDuration: timeutil.FormatSeconds(snap.Today.TotalSeconds),
		QueuedDeltas:      l.client.QueueLen(),
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
