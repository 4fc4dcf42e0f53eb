package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/codetally/codetally/internal/storage"
	"github.com/codetally/codetally/internal/storage/bolt"
	"github.com/codetally/codetally/internal/timeutil"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T) (*Server, storage.Store) {
	t.Helper()

	store, err := bolt.Open(filepath.Join(t.TempDir(), "test.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return NewServer(Config{ListenAddr: "127.0.0.1:0"}, store, zerolog.Nop()), store
}

func doTrack(t *testing.T, s *Server, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/track", bytes.NewReader(raw))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func trackBody(userID, date string, langs map[string]int64) map[string]any {
	var total int64
	for _, secs := range langs {
		total += secs
	}
	return map[string]any{
		"userId":       userID,
		"date":         date,
		"totalSeconds": total,
		"languages":    langs,
	}
}

func TestTrackMergesAdditively(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doTrack(t, s, "tok-1", trackBody("u1", "2026-02-10", map[string]int64{"go": 100}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doTrack(t, s, "tok-1", trackBody("u1", "2026-02-10", map[string]int64{"go": 50, "python": 25}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp trackResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalSeconds != 175 {
		t.Errorf("expected merged total 175, got %d", resp.TotalSeconds)
	}
	if resp.Languages["go"] != 150 || resp.Languages["python"] != 25 {
		t.Errorf("unexpected merged buckets: %v", resp.Languages)
	}
}

func TestTrackValidation(t *testing.T) {
	s, _ := newTestServer(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing userId", trackBody("", "2026-02-10", map[string]int64{"go": 10})},
		{"bad date", trackBody("u1", "10/02/2026", map[string]int64{"go": 10})},
		{"empty delta", trackBody("u1", "2026-02-10", map[string]int64{})},
		{"sum mismatch", map[string]any{
			"userId": "u1", "date": "2026-02-10", "totalSeconds": 99,
			"languages": map[string]int64{"go": 10},
		}},
		{"negative seconds", map[string]any{
			"userId": "u1", "date": "2026-02-10", "totalSeconds": -5,
			"languages": map[string]int64{"go": -5},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doTrack(t, s, "tok-1", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestTrackRequiresToken(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doTrack(t, s, "", trackBody("u1", "2026-02-10", map[string]int64{"go": 10}))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
}

func TestFirstUseRegistrationBindsToken(t *testing.T) {
	s, store := newTestServer(t)

	// First delivery claims the userId for this token.
	rec := doTrack(t, s, "alice-token", trackBody("u1", "2026-02-10", map[string]int64{"go": 10}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	user, err := store.Users().Get(context.Background(), "u1")
	if err != nil {
		t.Fatalf("user not registered: %v", err)
	}
	if user.TokenHash != HashToken("alice-token") {
		t.Error("stored hash does not match the registering token")
	}

	// Same token keeps working.
	rec = doTrack(t, s, "alice-token", trackBody("u1", "2026-02-11", map[string]int64{"go": 10}))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for registered token, got %d", rec.Code)
	}

	// A different token may not act as the same user.
	rec = doTrack(t, s, "mallory-token", trackBody("u1", "2026-02-11", map[string]int64{"go": 10}))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for mismatched token, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	for i := 1; i <= 5; i++ {
		date := fmt.Sprintf("2026-02-%02d", i)
		rec := doTrack(t, s, "tok-1", trackBody("u1", date, map[string]int64{"go": int64(i) * 60}))
		if rec.Code != http.StatusOK {
			t.Fatal(rec.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/stats/u1?limit=3", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Days) != 3 {
		t.Fatalf("expected 3 days, got %d", len(resp.Days))
	}
	// Newest first.
	if resp.Days[0].Date != "2026-02-05" {
		t.Errorf("expected newest day first, got %s", resp.Days[0].Date)
	}
	if resp.Days[0].FormattedDuration != "5m" {
		t.Errorf("unexpected formatted duration: %s", resp.Days[0].FormattedDuration)
	}
	if resp.TotalSeconds != 300+240+180 {
		t.Errorf("unexpected window total: %d", resp.TotalSeconds)
	}
}

func TestStatsDateRangeFilter(t *testing.T) {
	s, _ := newTestServer(t)

	for _, d := range []string{"2026-02-08", "2026-02-09", "2026-02-10"} {
		rec := doTrack(t, s, "tok-1", trackBody("u1", d, map[string]int64{"go": 120}))
		if rec.Code != http.StatusOK {
			t.Fatal(rec.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/stats/u1?startDate=2026-02-09&endDate=2026-02-09", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Days) != 1 || resp.Days[0].Date != "2026-02-09" {
		t.Fatalf("expected only 2026-02-09, got %v", resp.Days)
	}
	if resp.TotalDays != 1 || resp.TotalSeconds != 120 {
		t.Errorf("unexpected aggregates: totalDays=%d totalSeconds=%d", resp.TotalDays, resp.TotalSeconds)
	}

	// Open-ended start bound.
	req = httptest.NewRequest(http.MethodGet, "/stats/u1?startDate=2026-02-09", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Days) != 2 || resp.Days[0].Date != "2026-02-10" {
		t.Errorf("expected the two newest days, got %v", resp.Days)
	}
}

func TestStatsAverages(t *testing.T) {
	s, _ := newTestServer(t)

	for date, secs := range map[string]int64{"2026-02-08": 60, "2026-02-09": 121} {
		rec := doTrack(t, s, "tok-1", trackBody("u1", date, map[string]int64{"go": secs}))
		if rec.Code != http.StatusOK {
			t.Fatal(rec.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/stats/u1", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.TotalDays != 2 {
		t.Errorf("expected totalDays=2, got %d", resp.TotalDays)
	}
	// 181 / 2 rounds to 91.
	if resp.AverageSecondsPerDay != 91 {
		t.Errorf("expected average 91, got %d", resp.AverageSecondsPerDay)
	}
	if resp.FormattedAverage != "1m 31s" {
		t.Errorf("unexpected formatted average: %s", resp.FormattedAverage)
	}
}

func TestStatsRejectsBadDates(t *testing.T) {
	s, _ := newTestServer(t)

	for _, query := range []string{"startDate=02-09-2026", "endDate=2026-2-9", "startDate=2026-02-30"} {
		req := httptest.NewRequest(http.MethodGet, "/stats/u1?"+query, nil)
		req.Header.Set("Authorization", "Bearer tok-1")
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", query, rec.Code)
		}
	}
}

func TestStatsRejectsBadLimit(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/stats/u1?limit=banana", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestDashboardEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	// Three consecutive days ending today, to make the streak current.
	now := time.Now()
	dates := []string{
		timeutil.DateKey(now.AddDate(0, 0, -2)),
		timeutil.DateKey(now.AddDate(0, 0, -1)),
		timeutil.DateKey(now),
	}
	for i, d := range dates {
		rec := doTrack(t, s, "tok-1", trackBody("u1", d, map[string]int64{"go": int64(i+1) * 3600, "python": 600}))
		if rec.Code != http.StatusOK {
			t.Fatal(rec.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/dashboard/u1?days=30", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp dashboardResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	if !resp.HasData {
		t.Fatal("expected hasData=true")
	}
	wantTotal := int64(1+2+3)*3600 + 3*600
	if resp.Overview.TotalSeconds != wantTotal {
		t.Errorf("expected total %d, got %d", wantTotal, resp.Overview.TotalSeconds)
	}
	if resp.Overview.TotalDays != 3 {
		t.Errorf("expected 3 tracked days, got %d", resp.Overview.TotalDays)
	}

	if len(resp.Charts.DailyTrend) != 3 {
		t.Fatalf("expected 3 trend points, got %d", len(resp.Charts.DailyTrend))
	}
	// Chronological order for charts.
	if resp.Charts.DailyTrend[0].Date != dates[0] {
		t.Errorf("trend not chronological: %s", resp.Charts.DailyTrend[0].Date)
	}

	if len(resp.Charts.LanguageBreakdown) != 2 {
		t.Fatalf("expected 2 languages, got %d", len(resp.Charts.LanguageBreakdown))
	}
	if resp.Charts.LanguageBreakdown[0].Language != "go" {
		t.Errorf("expected go first (most used), got %s", resp.Charts.LanguageBreakdown[0].Language)
	}

	if resp.Achievements.CurrentStreak != 3 || resp.Achievements.LongestStreak != 3 {
		t.Errorf("unexpected streaks: current=%d longest=%d",
			resp.Achievements.CurrentStreak, resp.Achievements.LongestStreak)
	}
	if resp.Achievements.PeakDay.Date != dates[2] {
		t.Errorf("unexpected peak day: %s", resp.Achievements.PeakDay.Date)
	}

	// 6 total hours: "First Hour" achieved, "10 Hours Coded" not.
	var first, ten *milestone
	for i := range resp.Achievements.Milestones {
		m := &resp.Achievements.Milestones[i]
		switch m.Title {
		case "First Hour":
			first = m
		case "10 Hours Coded":
			ten = m
		}
	}
	if first == nil || !first.Achieved {
		t.Error("First Hour milestone should be achieved")
	}
	if ten == nil || ten.Achieved {
		t.Error("10 Hours Coded milestone should not be achieved")
	}

	if len(resp.RecentActivity) != 3 {
		t.Fatalf("expected 3 recent days, got %d", len(resp.RecentActivity))
	}
	if resp.RecentActivity[0].Date != dates[2] {
		t.Errorf("recent activity should be newest first, got %s", resp.RecentActivity[0].Date)
	}
	if resp.RecentActivity[0].TopLanguage != "go" {
		t.Errorf("unexpected top language: %s", resp.RecentActivity[0].TopLanguage)
	}
}

func TestDashboardNoData(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/dashboard/u1", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp dashboardResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.HasData {
		t.Error("expected hasData=false for empty store")
	}
}

func TestPruneDaysBefore(t *testing.T) {
	s, _ := newTestServer(t)

	for _, d := range []string{"2026-02-08", "2026-02-09", "2026-02-10"} {
		rec := doTrack(t, s, "tok-1", trackBody("u1", d, map[string]int64{"go": 60}))
		if rec.Code != http.StatusOK {
			t.Fatal(rec.Body.String())
		}
	}

	req := httptest.NewRequest(http.MethodDelete, "/users/u1/days?before=2026-02-10", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var pruned map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &pruned); err != nil {
		t.Fatal(err)
	}
	if pruned["deleted"] != 2 {
		t.Errorf("expected 2 days pruned, got %d", pruned["deleted"])
	}

	// The cutoff day itself survives.
	req = httptest.NewRequest(http.MethodGet, "/stats/u1", nil)
	req.Header.Set("Authorization", "Bearer tok-1")
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Days) != 1 || resp.Days[0].Date != "2026-02-10" {
		t.Errorf("expected only the cutoff day to remain, got %v", resp.Days)
	}
}

func TestPruneRequiresCutoff(t *testing.T) {
	s, _ := newTestServer(t)

	for _, query := range []string{"", "?before=banana"} {
		req := httptest.NewRequest(http.MethodDelete, "/users/u1/days"+query, nil)
		req.Header.Set("Authorization", "Bearer tok-1")
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", query, rec.Code)
		}
	}
}

func TestDeleteUserReleasesBinding(t *testing.T) {
	s, store := newTestServer(t)

	rec := doTrack(t, s, "alice-token", trackBody("u1", "2026-02-10", map[string]int64{"go": 60}))
	if rec.Code != http.StatusOK {
		t.Fatal(rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodDelete, "/users/u1", nil)
	req.Header.Set("Authorization", "Bearer alice-token")
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req)

	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec2.Code, rec2.Body.String())
	}

	if _, err := store.Users().Get(context.Background(), "u1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected user record gone, got %v", err)
	}
	if days, err := store.Tracking().ListDays(context.Background(), "u1", storage.DayFilter{}); err != nil || len(days) != 0 {
		t.Errorf("expected tracking data gone, got %v (err %v)", days, err)
	}

	// The binding is released: a different token can claim the userId,
	// which also proves the auth cache entry was dropped.
	rec = doTrack(t, s, "mallory-token", trackBody("u1", "2026-02-11", map[string]int64{"go": 60}))
	if rec.Code != http.StatusOK {
		t.Errorf("expected new token to claim released userId, got %d", rec.Code)
	}
}

func TestDeleteUserWrongToken(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doTrack(t, s, "alice-token", trackBody("u1", "2026-02-10", map[string]int64{"go": 60}))
	if rec.Code != http.StatusOK {
		t.Fatal(rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodDelete, "/users/u1", nil)
	req.Header.Set("Authorization", "Bearer mallory-token")
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req)

	if rec2.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for mismatched token, got %d", rec2.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 without auth, got %d", rec.Code)
	}
}
