package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/codetally/codetally/internal/metrics"
	"github.com/codetally/codetally/internal/storage"
	"github.com/codetally/codetally/internal/timeutil"
	"github.com/gorilla/mux"
)

const (
	defaultStatsDays = 30
	maxStatsDays     = 365
)

// trackRequest is the delta payload an agent delivers.
type trackRequest struct {
	UserID       string           `json:"userId"`
	Date         string           `json:"date"`
	TotalSeconds int64            `json:"totalSeconds"`
	Languages    map[string]int64 `json:"languages"`
}

// trackResponse echoes the merged server-side record so the agent can
// log the authoritative total.
type trackResponse struct {
	UserID       string           `json:"userId"`
	Date         string           `json:"date"`
	TotalSeconds int64            `json:"totalSeconds"`
	Languages    map[string]int64 `json:"languages"`
}

type statsDay struct {
	Date              string           `json:"date"`
	TotalSeconds      int64            `json:"totalSeconds"`
	FormattedDuration string           `json:"formattedDuration"`
	Languages         map[string]int64 `json:"languages"`
}

type statsResponse struct {
	UserID               string     `json:"userId"`
	Days                 []statsDay `json:"days"`
	TotalSeconds         int64      `json:"totalSeconds"`
	TotalDays            int        `json:"totalDays"`
	AverageSecondsPerDay int64      `json:"averageSecondsPerDay"`
	FormattedAverage     string     `json:"formattedAverage"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTrack merges one day delta into storage. The merge is additive;
// replaying the same delta counts it twice, which is the documented
// at-least-once trade-off.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req trackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.TrackRequests.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.UserID == "" {
		metrics.TrackRequests.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	delta := storage.DayRecord{
		Date:         req.Date,
		TotalSeconds: req.TotalSeconds,
		Languages:    req.Languages,
	}
	if err := delta.Validate(); err != nil {
		metrics.TrackRequests.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if delta.TotalSeconds == 0 {
		metrics.TrackRequests.WithLabelValues("bad_request").Inc()
		writeError(w, http.StatusBadRequest, "empty delta")
		return
	}

	if !s.authorize(w, r, req.UserID) {
		metrics.TrackRequests.WithLabelValues("unauthorized").Inc()
		return
	}

	merged, err := s.store.Tracking().MergeDayDelta(ctx, req.UserID, req.Date, delta)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", req.UserID).Str("date", req.Date).Msg("Merge failed")
		metrics.TrackRequests.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "failed to store tracking data")
		return
	}

	if err := s.store.Users().TouchLastSeen(ctx, req.UserID); err != nil {
		s.logger.Warn().Err(err).Str("user_id", req.UserID).Msg("Failed to update last_seen")
	}

	metrics.TrackRequests.WithLabelValues("ok").Inc()
	metrics.SecondsMerged.Add(float64(delta.TotalSeconds))

	writeJSON(w, http.StatusOK, trackResponse{
		UserID:       req.UserID,
		Date:         merged.Date,
		TotalSeconds: merged.TotalSeconds,
		Languages:    merged.Languages,
	})
}

// handleStats returns recent day records for a user, newest first.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	metrics.StatsRequests.WithLabelValues("stats").Inc()

	if !s.authorize(w, r, userID) {
		return
	}

	filter := storage.DayFilter{Limit: defaultStatsDays}
	query := r.URL.Query()

	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if filter.Limit > maxStatsDays {
		filter.Limit = maxStatsDays
	}

	if raw := query.Get("startDate"); raw != "" {
		if !storage.ValidDateKey(raw) {
			writeError(w, http.StatusBadRequest, "startDate must be in YYYY-MM-DD format")
			return
		}
		filter.StartDate = raw
	}
	if raw := query.Get("endDate"); raw != "" {
		if !storage.ValidDateKey(raw) {
			writeError(w, http.StatusBadRequest, "endDate must be in YYYY-MM-DD format")
			return
		}
		filter.EndDate = raw
	}

	records, err := s.store.Tracking().ListDays(r.Context(), userID, filter)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("List days failed")
		writeError(w, http.StatusInternalServerError, "failed to load tracking data")
		return
	}

	resp := statsResponse{UserID: userID, Days: make([]statsDay, 0, len(records))}
	for _, rec := range records {
		resp.TotalSeconds += rec.TotalSeconds
		resp.Days = append(resp.Days, statsDay{
			Date:              rec.Date,
			TotalSeconds:      rec.TotalSeconds,
			FormattedDuration: timeutil.FormatSeconds(rec.TotalSeconds),
			Languages:         rec.Languages,
		})
	}

	resp.TotalDays = len(records)
	if resp.TotalDays > 0 {
		resp.AverageSecondsPerDay = (resp.TotalSeconds + int64(resp.TotalDays)/2) / int64(resp.TotalDays)
	}
	resp.FormattedAverage = timeutil.FormatSeconds(resp.AverageSecondsPerDay)

	writeJSON(w, http.StatusOK, resp)
}

// pruneDaysCutoffAll sorts after every valid date key, so pruning
// before it removes a user's entire history.
const pruneDaysCutoffAll = "9999-12-31"

// handlePruneDays deletes a user's day records older than a cutoff.
// Agents and dashboards call this for retention; the cutoff itself is
// kept.
func (s *Server) handlePruneDays(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	if !s.authorize(w, r, userID) {
		return
	}

	before := r.URL.Query().Get("before")
	if !storage.ValidDateKey(before) {
		writeError(w, http.StatusBadRequest, "before must be in YYYY-MM-DD format")
		return
	}

	deleted, err := s.store.Tracking().DeleteDaysBefore(r.Context(), userID, before)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Str("before", before).Msg("Prune failed")
		writeError(w, http.StatusInternalServerError, "failed to prune tracking data")
		return
	}

	s.logger.Info().Str("user_id", userID).Str("before", before).Int("deleted", deleted).Msg("Pruned day records")
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// handleDeleteUser removes a user and all their tracking data. The
// userId becomes claimable again by whichever token registers it next.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	if !s.authorize(w, r, userID) {
		return
	}

	deleted, err := s.store.Tracking().DeleteDaysBefore(r.Context(), userID, pruneDaysCutoffAll)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to delete tracking data")
		writeError(w, http.StatusInternalServerError, "failed to delete tracking data")
		return
	}

	if err := s.store.Users().Delete(r.Context(), userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to delete user")
		writeError(w, http.StatusInternalServerError, "failed to delete user")
		return
	}
	s.auth.Forget(userID)

	s.logger.Info().Str("user_id", userID).Int("days_deleted", deleted).Msg("User deleted")
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "daysDeleted": deleted})
}

// authorize resolves the caller's token against the userId the request
// acts on, writing the error response itself on failure.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, userID string) bool {
	tokenHash, ok := tokenHashFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return false
	}

	err := s.auth.Authorize(r.Context(), tokenHash, userID)
	if errors.Is(err, ErrTokenMismatch) {
		writeError(w, http.StatusUnauthorized, "token does not match user")
		return false
	}
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Authorization failed")
		writeError(w, http.StatusInternalServerError, "authorization failed")
		return false
	}
	return true
}
