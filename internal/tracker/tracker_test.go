package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/codetally/codetally/internal/storage"
	"github.com/rs/zerolog"
)

// fakeClient records deliveries and answers with a scripted outcome.
type fakeClient struct {
	mu        sync.Mutex
	succeed   bool
	delivered []storage.DayRecord
	notify    chan storage.DayRecord
}

func (f *fakeClient) Deliver(ctx context.Context, userID string, record storage.DayRecord) bool {
	f.mu.Lock()
	f.delivered = append(f.delivered, record)
	f.mu.Unlock()
	if f.notify != nil {
		f.notify <- record
	}
	return f.succeed
}

func (f *fakeClient) deliveries() []storage.DayRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.DayRecord, len(f.delivered))
	copy(out, f.delivered)
	return out
}

func newTestTracker(t *testing.T, client DeliveryClient, clock Clock) *Tracker {
	t.Helper()
	return New(client, "user-1", Config{Clock: clock}, zerolog.Nop())
}

func TestIdleTimeoutFlushesSingleSession(t *testing.T) {
	clock := &TestClock{CurrentTime: time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)}
	client := &fakeClient{succeed: true}
	tr := newTestTracker(t, client, clock)

	// Activity at t=0, then silence. Heartbeats during the idle window
	// must not flush; the one at the timeout boundary must.
	tr.recordActivity(clock.Now(), "python")

	clock.Advance(30 * time.Second)
	tr.onHeartbeat(clock.Now())
	if !tr.isTracking {
		t.Fatal("session closed before idle timeout")
	}

	clock.Advance(30 * time.Second)
	tr.onHeartbeat(clock.Now())
	if tr.isTracking {
		t.Fatal("session still open after idle timeout")
	}

	// Credit runs to the last activity, not to now: the 60s idle gap
	// itself is excluded, and lastActivity == sessionStart here.
	if tr.today.TotalSeconds != 0 {
		t.Errorf("expected zero credit for instantaneous session, got %d", tr.today.TotalSeconds)
	}
}

func TestSessionDoesNotFragmentOnRepeatedActivity(t *testing.T) {
	clock := &TestClock{CurrentTime: time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)}
	client := &fakeClient{succeed: true}
	tr := newTestTracker(t, client, clock)

	start := clock.Now()
	tr.recordActivity(clock.Now(), "go")

	clock.Advance(30 * time.Second)
	tr.recordActivity(clock.Now(), "go")

	if !tr.sessionStart.Equal(start) {
		t.Fatal("sessionStart reset by repeated activity")
	}

	// Idle timeout at t=90: one flush crediting 90-0=90 seconds, not
	// two 30s fragments.
	clock.Advance(60 * time.Second)
	tr.onHeartbeat(clock.Now())

	if tr.today.TotalSeconds != 90 {
		t.Errorf("expected 90 credited seconds, got %d", tr.today.TotalSeconds)
	}
	if tr.today.Languages["go"] != 90 {
		t.Errorf("expected 90s in go bucket, got %d", tr.today.Languages["go"])
	}
}

func TestFlushUsesFloorSeconds(t *testing.T) {
	clock := &TestClock{CurrentTime: time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)}
	client := &fakeClient{succeed: true}
	tr := newTestTracker(t, client, clock)

	tr.recordActivity(clock.Now(), "rust")
	clock.Advance(2500 * time.Millisecond)
	tr.recordActivity(clock.Now(), "rust")

	clock.Advance(DefaultIdleTimeout)
	tr.onHeartbeat(clock.Now())

	if tr.today.TotalSeconds != 2 {
		t.Errorf("expected floor(2.5s) = 2 credited seconds, got %d", tr.today.TotalSeconds)
	}
}

func TestLanguageCapturedAtLastActivity(t *testing.T) {
	clock := &TestClock{CurrentTime: time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)}
	client := &fakeClient{succeed: true}
	tr := newTestTracker(t, client, clock)

	tr.recordActivity(clock.Now(), "go")
	clock.Advance(40 * time.Second)
	tr.recordActivity(clock.Now(), "yaml")

	clock.Advance(DefaultIdleTimeout)
	tr.onHeartbeat(clock.Now())

	// The whole session lands in the language of the last signal.
	if tr.today.Languages["yaml"] != 40 {
		t.Errorf("expected 40s credited to yaml, got %d", tr.today.Languages["yaml"])
	}
	if _, ok := tr.today.Languages["go"]; ok {
		t.Error("no seconds should be credited to go")
	}
}

func TestSyncTickDeliversAndResetsOnSuccess(t *testing.T) {
	clock := &TestClock{CurrentTime: time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)}
	client := &fakeClient{succeed: true}
	tr := newTestTracker(t, client, clock)

	// Activity at t=0, idle flush at t=60 credits 60s of python;
	// the sync tick later delivers exactly that and resets.
	tr.recordActivity(clock.Now(), "python")
	clock.Advance(60 * time.Second)
	tr.recordActivity(clock.Now(), "python")
	clock.Advance(DefaultIdleTimeout)
	tr.onHeartbeat(clock.Now())

	if tr.today.TotalSeconds != 60 {
		t.Fatalf("expected 60s accumulated, got %d", tr.today.TotalSeconds)
	}

	tr.onSyncTick(context.Background())

	got := client.deliveries()
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	if got[0].TotalSeconds != 60 || got[0].Languages["python"] != 60 {
		t.Errorf("unexpected delivered record: %+v", got[0])
	}
	if tr.today.TotalSeconds != 0 || len(tr.today.Languages) != 0 {
		t.Errorf("accumulator not reset after confirmed sync: %+v", tr.today)
	}
}

func TestAccumulatorPreservedOnFailedDelivery(t *testing.T) {
	clock := &TestClock{CurrentTime: time.Date(2026, 2, 10, 14, 0, 0, 0, time.UTC)}
	client := &fakeClient{succeed: false}
	tr := newTestTracker(t, client, clock)

	tr.recordActivity(clock.Now(), "go")
	clock.Advance(100 * time.Second)
	tr.recordActivity(clock.Now(), "go")
	clock.Advance(DefaultIdleTimeout)
	tr.onHeartbeat(clock.Now())

	tr.onSyncTick(context.Background())
	if tr.today.TotalSeconds != 100 {
		t.Fatalf("accumulator should survive failed delivery, got %d", tr.today.TotalSeconds)
	}

	// More activity, then a successful attempt: it must transmit the
	// full undelivered total, not just the new increment.
	tr.recordActivity(clock.Now(), "go")
	clock.Advance(50 * time.Second)
	tr.recordActivity(clock.Now(), "go")
	clock.Advance(DefaultIdleTimeout)
	tr.onHeartbeat(clock.Now())

	client.succeed = true
	tr.onSyncTick(context.Background())

	got := client.deliveries()
	last := got[len(got)-1]
	if last.TotalSeconds != 150 {
		t.Errorf("expected full undelivered total 150, got %d", last.TotalSeconds)
	}
	if tr.today.TotalSeconds != 0 {
		t.Errorf("accumulator not reset after success, got %d", tr.today.TotalSeconds)
	}
}

func TestDateRolloverDeliversOldDayBeforeNewCredit(t *testing.T) {
	clock := &TestClock{CurrentTime: time.Date(2026, 2, 10, 23, 30, 0, 0, time.UTC)}
	client := &fakeClient{succeed: true, notify: make(chan storage.DayRecord, 1)}
	tr := newTestTracker(t, client, clock)

	// Accumulate 300s on Feb 10.
	tr.recordActivity(clock.Now(), "go")
	clock.Advance(300 * time.Second)
	tr.recordActivity(clock.Now(), "go")
	clock.Advance(DefaultIdleTimeout)
	tr.onHeartbeat(clock.Now())

	if tr.today.Date != "2026-02-10" || tr.today.TotalSeconds != 300 {
		t.Fatalf("unexpected pre-rollover accumulator: %+v", tr.today)
	}

	// A session that flushes after midnight triggers the rollover:
	// the old day is handed off before the new credit lands.
	clock.Advance(20 * time.Minute) // now 23:56 -> advance past midnight below
	clock.Advance(10 * time.Minute)
	tr.recordActivity(clock.Now(), "go")
	clock.Advance(120 * time.Second)
	tr.recordActivity(clock.Now(), "go")
	clock.Advance(DefaultIdleTimeout)
	tr.onHeartbeat(clock.Now())

	select {
	case old := <-client.notify:
		if old.Date != "2026-02-10" || old.TotalSeconds != 300 {
			t.Errorf("rollover delivered wrong record: %+v", old)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rollover delivery never handed off")
	}

	if tr.today.Date != "2026-02-11" {
		t.Errorf("accumulator date not rolled, got %s", tr.today.Date)
	}
	if tr.today.TotalSeconds != 120 {
		t.Errorf("post-rollover accumulator should hold only the new session, got %d", tr.today.TotalSeconds)
	}
}

func TestLanguageSumAlwaysMatchesTotal(t *testing.T) {
	clock := &TestClock{CurrentTime: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)}
	client := &fakeClient{succeed: true}
	tr := newTestTracker(t, client, clock)

	for _, lang := range []string{"go", "python", "go", "markdown"} {
		tr.recordActivity(clock.Now(), lang)
		clock.Advance(45 * time.Second)
		tr.recordActivity(clock.Now(), lang)
		clock.Advance(DefaultIdleTimeout)
		tr.onHeartbeat(clock.Now())
	}

	var sum int64
	for _, secs := range tr.today.Languages {
		sum += secs
	}
	if sum != tr.today.TotalSeconds {
		t.Errorf("language sum %d != total %d", sum, tr.today.TotalSeconds)
	}
	if tr.today.TotalSeconds != 4*45 {
		t.Errorf("expected %d total seconds, got %d", 4*45, tr.today.TotalSeconds)
	}
}

func TestStopFlushesAndDelivers(t *testing.T) {
	clock := &TestClock{CurrentTime: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)}
	client := &fakeClient{succeed: true}
	tr := newTestTracker(t, client, clock)
	tr.Start()

	tr.RecordActivity("go")
	tr.Snapshot() // barrier: signal processed by the loop

	clock.Advance(15 * time.Second)
	tr.RecordActivity("go")
	tr.Snapshot()

	tr.Stop(context.Background())

	got := client.deliveries()
	if len(got) != 1 {
		t.Fatalf("expected exactly one final delivery, got %d", len(got))
	}
	if got[0].TotalSeconds != 15 || got[0].Languages["go"] != 15 {
		t.Errorf("unexpected final delivery: %+v", got[0])
	}

	// Stop is idempotent.
	tr.Stop(context.Background())

	// Signals after stop are discarded, not processed.
	tr.RecordActivity("go")
	if len(client.deliveries()) != 1 {
		t.Error("delivery happened after stop")
	}
}
