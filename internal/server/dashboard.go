package server

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/codetally/codetally/internal/metrics"
	"github.com/codetally/codetally/internal/storage"
	"github.com/codetally/codetally/internal/timeutil"
	"github.com/gorilla/mux"
)

const (
	defaultDashboardDays = 30
	maxDashboardDays     = 365
)

type dashboardOverview struct {
	TotalHours           int64   `json:"totalHours"`
	TotalMinutes         int64   `json:"totalMinutes"`
	TotalSeconds         int64   `json:"totalSeconds"`
	TotalDays            int     `json:"totalDays"`
	AverageSecondsPerDay int64   `json:"averageSecondsPerDay"`
	AverageHoursPerDay   float64 `json:"averageHoursPerDay"`
	FormattedTotal       string  `json:"formattedTotal"`
	FormattedAverage     string  `json:"formattedAverage"`
}

type trendPoint struct {
	Date    string  `json:"date"`
	Hours   float64 `json:"hours"`
	Seconds int64   `json:"seconds"`
}

type languageSlice struct {
	Language   string  `json:"language"`
	Seconds    int64   `json:"seconds"`
	Hours      float64 `json:"hours"`
	Percentage float64 `json:"percentage"`
}

type weekdayPattern struct {
	Day            string  `json:"day"`
	DayNumber      int     `json:"dayNumber"`
	AverageSeconds int64   `json:"averageSeconds"`
	AverageHours   float64 `json:"averageHours"`
	TotalDays      int     `json:"totalDays"`
}

type recentDay struct {
	Date          string `json:"date"`
	TotalSeconds  int64  `json:"totalSeconds"`
	FormattedTime string `json:"formattedTime"`
	TopLanguage   string `json:"topLanguage"`
	LanguageCount int    `json:"languageCount"`
}

type milestone struct {
	Title    string `json:"title"`
	Achieved bool   `json:"achieved"`
	Progress int64  `json:"progress"`
	Target   int64  `json:"target"`
}

type peakDay struct {
	Date          string  `json:"date"`
	Hours         float64 `json:"hours"`
	FormattedTime string  `json:"formattedTime"`
}

type achievements struct {
	CurrentStreak int         `json:"currentStreak"`
	LongestStreak int         `json:"longestStreak"`
	PeakDay       peakDay     `json:"peakDay"`
	Milestones    []milestone `json:"milestones"`
}

type dashboardCharts struct {
	DailyTrend        []trendPoint     `json:"dailyTrend"`
	LanguageBreakdown []languageSlice  `json:"languageBreakdown"`
	DayOfWeekPattern  []weekdayPattern `json:"dayOfWeekPattern"`
}

type dateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Days  int    `json:"days"`
}

type dashboardResponse struct {
	UserID         string             `json:"userId"`
	JoinDate       string             `json:"joinDate,omitempty"`
	HasData        bool               `json:"hasData"`
	Message        string             `json:"message,omitempty"`
	Overview       *dashboardOverview `json:"overview,omitempty"`
	Charts         *dashboardCharts   `json:"charts,omitempty"`
	RecentActivity []recentDay        `json:"recentActivity,omitempty"`
	Achievements   *achievements      `json:"achievements,omitempty"`
	DateRange      *dateRange         `json:"dateRange,omitempty"`
}

// handleDashboard aggregates a user's recent days into overview stats,
// chart series, streaks and milestones.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	metrics.StatsRequests.WithLabelValues("dashboard").Inc()

	if !s.authorize(w, r, userID) {
		return
	}

	days := defaultDashboardDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "days must be a positive number")
			return
		}
		days = n
	}
	if days > maxDashboardDays {
		days = maxDashboardDays
	}

	now := time.Now()
	endDate := timeutil.DateKey(now)
	startDate := timeutil.DateKey(now.AddDate(0, 0, -days))

	records, err := s.store.Tracking().ListDays(r.Context(), userID, storage.DayFilter{
		StartDate: startDate,
		EndDate:   endDate,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("List days failed")
		writeError(w, http.StatusInternalServerError, "failed to load tracking data")
		return
	}

	if len(records) == 0 {
		writeJSON(w, http.StatusOK, dashboardResponse{
			UserID:  userID,
			HasData: false,
			Message: fmt.Sprintf("No coding activity in the last %d days.", days),
		})
		return
	}

	// ListDays is newest-first; charts want chronological order.
	sort.Slice(records, func(i, j int) bool { return records[i].Date < records[j].Date })

	resp := dashboardResponse{
		UserID:  userID,
		HasData: true,
		DateRange: &dateRange{
			Start: startDate,
			End:   endDate,
			Days:  days,
		},
	}

	if user, err := s.store.Users().Get(r.Context(), userID); err == nil {
		resp.JoinDate = timeutil.DateKey(user.CreatedAt)
	}

	var totalSeconds int64
	for _, rec := range records {
		totalSeconds += rec.TotalSeconds
	}
	totalHours := totalSeconds / 3600
	totalDays := len(records)
	avgSeconds := int64(math.Round(float64(totalSeconds) / float64(totalDays)))

	resp.Overview = &dashboardOverview{
		TotalHours:           totalHours,
		TotalMinutes:         (totalSeconds % 3600) / 60,
		TotalSeconds:         totalSeconds,
		TotalDays:            totalDays,
		AverageSecondsPerDay: avgSeconds,
		AverageHoursPerDay:   round2(float64(avgSeconds) / 3600),
		FormattedTotal:       fmt.Sprintf("%dh %dm", totalHours, (totalSeconds%3600)/60),
		FormattedAverage:     timeutil.FormatSeconds(avgSeconds),
	}

	resp.Charts = &dashboardCharts{
		DailyTrend:        buildDailyTrend(records),
		LanguageBreakdown: buildLanguageBreakdown(records, totalSeconds),
		DayOfWeekPattern:  buildDayOfWeekPattern(records),
	}

	resp.RecentActivity = buildRecentActivity(records)

	current, longest := calculateStreaks(records, now)
	peak := records[0]
	for _, rec := range records[1:] {
		if rec.TotalSeconds > peak.TotalSeconds {
			peak = rec
		}
	}
	resp.Achievements = &achievements{
		CurrentStreak: current,
		LongestStreak: longest,
		PeakDay: peakDay{
			Date:          peak.Date,
			Hours:         round2(float64(peak.TotalSeconds) / 3600),
			FormattedTime: timeutil.FormatSeconds(peak.TotalSeconds),
		},
		Milestones: buildMilestones(totalHours, totalDays),
	}

	writeJSON(w, http.StatusOK, resp)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func buildDailyTrend(records []storage.DayRecord) []trendPoint {
	trend := make([]trendPoint, 0, len(records))
	for _, rec := range records {
		trend = append(trend, trendPoint{
			Date:    rec.Date,
			Hours:   round2(float64(rec.TotalSeconds) / 3600),
			Seconds: rec.TotalSeconds,
		})
	}
	return trend
}

func buildLanguageBreakdown(records []storage.DayRecord, totalSeconds int64) []languageSlice {
	totals := make(map[string]int64)
	for _, rec := range records {
		for lang, secs := range rec.Languages {
			totals[lang] += secs
		}
	}

	breakdown := make([]languageSlice, 0, len(totals))
	for lang, secs := range totals {
		slice := languageSlice{
			Language: lang,
			Seconds:  secs,
			Hours:    round2(float64(secs) / 3600),
		}
		if totalSeconds > 0 {
			slice.Percentage = math.Round(float64(secs)/float64(totalSeconds)*1000) / 10
		}
		breakdown = append(breakdown, slice)
	}

	// Most used first; break ties by name so the order is stable.
	sort.Slice(breakdown, func(i, j int) bool {
		if breakdown[i].Seconds != breakdown[j].Seconds {
			return breakdown[i].Seconds > breakdown[j].Seconds
		}
		return breakdown[i].Language < breakdown[j].Language
	})
	return breakdown
}

func buildDayOfWeekPattern(records []storage.DayRecord) []weekdayPattern {
	type bucket struct {
		total int64
		count int
	}
	buckets := make([]bucket, 7)

	for _, rec := range records {
		t, err := time.Parse(timeutil.DateFormat, rec.Date)
		if err != nil {
			continue
		}
		wd := int(t.Weekday())
		buckets[wd].total += rec.TotalSeconds
		buckets[wd].count++
	}

	pattern := make([]weekdayPattern, 7)
	for i, b := range buckets {
		p := weekdayPattern{
			Day:       time.Weekday(i).String(),
			DayNumber: i,
			TotalDays: b.count,
		}
		if b.count > 0 {
			p.AverageSeconds = int64(math.Round(float64(b.total) / float64(b.count)))
			p.AverageHours = round2(float64(b.total) / float64(b.count) / 3600)
		}
		pattern[i] = p
	}
	return pattern
}

// buildRecentActivity summarizes the last seven tracked days, newest
// first.
func buildRecentActivity(records []storage.DayRecord) []recentDay {
	start := len(records) - 7
	if start < 0 {
		start = 0
	}
	recent := records[start:]

	out := make([]recentDay, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		rec := recent[i]

		top := "unknown"
		var topSecs int64 = -1
		for lang, secs := range rec.Languages {
			if secs > topSecs || (secs == topSecs && lang < top) {
				top, topSecs = lang, secs
			}
		}

		out = append(out, recentDay{
			Date:          rec.Date,
			TotalSeconds:  rec.TotalSeconds,
			FormattedTime: timeutil.FormatSeconds(rec.TotalSeconds),
			TopLanguage:   top,
			LanguageCount: len(rec.Languages),
		})
	}
	return out
}

// calculateStreaks returns the current and longest runs of consecutive
// tracked days. records must be in chronological order. The current
// streak counts only if the most recent tracked day is today or
// yesterday.
func calculateStreaks(records []storage.DayRecord, now time.Time) (current, longest int) {
	if len(records) == 0 {
		return 0, 0
	}

	tempStreak := 1
	longest = 1
	for i := 1; i < len(records); i++ {
		prev, err1 := time.Parse(timeutil.DateFormat, records[i-1].Date)
		curr, err2 := time.Parse(timeutil.DateFormat, records[i].Date)
		if err1 != nil || err2 != nil {
			continue
		}

		if curr.Sub(prev) == 24*time.Hour {
			tempStreak++
		} else {
			if tempStreak > longest {
				longest = tempStreak
			}
			tempStreak = 1
		}
	}
	if tempStreak > longest {
		longest = tempStreak
	}

	last, err := time.Parse(timeutil.DateFormat, records[len(records)-1].Date)
	if err != nil {
		return 0, longest
	}
	today, _ := time.Parse(timeutil.DateFormat, timeutil.DateKey(now))
	if today.Sub(last) <= 24*time.Hour {
		current = tempStreak
	}
	return current, longest
}

func buildMilestones(totalHours int64, totalDays int) []milestone {
	hourTargets := []struct {
		title  string
		target int64
	}{
		{"First Hour", 1},
		{"10 Hours Coded", 10},
		{"100 Hours Coded", 100},
		{"1000 Hours Coded", 1000},
	}
	dayTargets := []struct {
		title  string
		target int64
	}{
		{"7-Day Streak", 7},
		{"30-Day Streak", 30},
	}

	out := make([]milestone, 0, len(hourTargets)+len(dayTargets))
	for _, m := range hourTargets {
		out = append(out, milestone{
			Title:    m.title,
			Achieved: totalHours >= m.target,
			Progress: min64(totalHours, m.target),
			Target:   m.target,
		})
	}
	for _, m := range dayTargets {
		out = append(out, milestone{
			Title:    m.title,
			Achieved: int64(totalDays) >= m.target,
			Progress: min64(int64(totalDays), m.target),
			Target:   m.target,
		})
	}
	return out
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
