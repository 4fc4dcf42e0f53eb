package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codetally/codetally/internal/syncer"
	"github.com/codetally/codetally/internal/tracker"
	"github.com/rs/zerolog"
)

func newTestListener(t *testing.T) (*ActivityListener, *tracker.Tracker) {
	t.Helper()

	client, err := syncer.NewClient(syncer.Config{
		Endpoint: "http://127.0.0.1:1",
		Token:    "tok",
	}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	clock := &tracker.TestClock{CurrentTime: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)}
	trk := tracker.New(client, "u1", tracker.Config{Clock: clock}, zerolog.Nop())
	trk.Start()
	t.Cleanup(func() { trk.Stop(context.Background()) })

	return NewActivityListener("127.0.0.1:0", trk, client, zerolog.Nop()), trk
}

func postSignal(t *testing.T, l *ActivityListener, sig activitySignal) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(sig)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/activity", strings.NewReader(string(raw)))
	rec := httptest.NewRecorder()
	l.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAcceptSignal(t *testing.T) {
	cases := []struct {
		name   string
		sig    activitySignal
		accept bool
	}{
		{"file edit", activitySignal{URI: "file:///home/x/main.go", Reason: "change", ContentChanges: 1}, true},
		{"plain path edit", activitySignal{URI: "/home/x/main.go", Reason: "change", ContentChanges: 2}, true},
		{"focus switch", activitySignal{URI: "file:///home/x/main.go", Reason: "focus"}, true},
		{"formatting-only change", activitySignal{URI: "file:///home/x/main.go", Reason: "change", ContentChanges: 0}, false},
		{"terminal output", activitySignal{URI: "output:///tasks", Reason: "change", ContentChanges: 1}, false},
		{"untitled buffer", activitySignal{URI: "untitled:Untitled-1", Reason: "change", ContentChanges: 1}, false},
		{"empty uri", activitySignal{Reason: "change", ContentChanges: 1}, false},
		{"unknown reason", activitySignal{URI: "file:///x.go", Reason: "scroll"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := acceptSignal(tc.sig); got != tc.accept {
				t.Errorf("acceptSignal(%+v) = %v, want %v", tc.sig, got, tc.accept)
			}
		})
	}
}

func TestActivityEndpointFeedsTracker(t *testing.T) {
	l, trk := newTestListener(t)

	rec := postSignal(t, l, activitySignal{
		Language:       "go",
		URI:            "file:///home/x/main.go",
		Reason:         "change",
		ContentChanges: 1,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	// Snapshot is a synchronization point with the tracker loop.
	snap := trk.Snapshot()
	if !snap.Tracking {
		t.Error("expected tracker to open a session")
	}
	if snap.CurrentLanguage != "go" {
		t.Errorf("expected language go, got %s", snap.CurrentLanguage)
	}
}

func TestFilteredSignalDoesNotOpenSession(t *testing.T) {
	l, trk := newTestListener(t)

	rec := postSignal(t, l, activitySignal{
		Language:       "log",
		URI:            "output:///tasks",
		Reason:         "change",
		ContentChanges: 1,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	if snap := trk.Snapshot(); snap.Tracking {
		t.Error("filtered signal must not open a session")
	}
}

func TestActivityEndpointRejectsBadJSON(t *testing.T) {
	l, _ := newTestListener(t)

	req := httptest.NewRequest(http.MethodPost, "/activity", strings.NewReader("{nope"))
	rec := httptest.NewRecorder()
	l.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	l, _ := newTestListener(t)

	postSignal(t, l, activitySignal{
		Language:       "go",
		URI:            "file:///x.go",
		Reason:         "change",
		ContentChanges: 1,
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	l.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Date != "2026-02-10" {
		t.Errorf("unexpected date: %s", resp.Date)
	}
	if !resp.Tracking {
		t.Error("expected tracking=true after a signal")
	}
}
