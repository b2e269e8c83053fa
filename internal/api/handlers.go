package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/txplain/explorercache/internal/analytics"
	"github.com/txplain/explorercache/internal/lock"
	"github.com/txplain/explorercache/internal/models"
	"github.com/txplain/explorercache/internal/scheduler"
	"github.com/txplain/explorercache/internal/usage"
	"github.com/txplain/explorercache/internal/warming"
)

const defaultUsageWindow = 7 * 24 * time.Hour

func (s *Server) unavailable(w http.ResponseWriter, component string) {
	s.writeErrorResponse(w, http.StatusServiceUnavailable, component+" is not configured", nil)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"status":    "healthy",
		"timestamp": s.now().UTC(),
		"service":   "explorercache",
	}
	if s.deps.Cache != nil {
		health, err := s.deps.Cache.HealthCheck(r.Context())
		if err != nil {
			s.writeErrorResponse(w, http.StatusServiceUnavailable, "Storage is unavailable", err)
			return
		}
		response["cache"] = health
	}
	if s.deps.Queue != nil {
		paused, err := s.deps.Queue.IsQueuePaused(r.Context())
		if err != nil {
			s.writeErrorResponse(w, http.StatusServiceUnavailable, "Queue state is unavailable", err)
			return
		}
		response["queue_paused"] = paused
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetNetworks(w http.ResponseWriter, _ *http.Request) {
	names := models.ListNetworks()
	networks := make([]models.Network, 0, len(names))
	for _, name := range names {
		if n, ok := models.GetNetwork(name); ok {
			networks = append(networks, n)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"networks": networks})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		s.unavailable(w, "cache")
		return
	}
	if source := r.URL.Query().Get("source"); source != "" {
		stats, err := s.deps.Cache.StatsForSource(r.Context(), source)
		if err != nil {
			s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load cache stats", err)
			return
		}
		s.writeJSON(w, http.StatusOK, stats)
		return
	}
	stats, err := s.deps.Cache.Stats(r.Context())
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load cache stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleContractStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Contracts == nil {
		s.unavailable(w, "contract cache")
		return
	}
	stats, err := s.deps.Contracts.Stats(r.Context())
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load contract cache stats", err)
		return
	}
	efficiency, err := s.deps.Contracts.EfficiencyStats(r.Context())
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load contract cache efficiency", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stats": stats, "efficiency": efficiency})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.unavailable(w, "queue")
		return
	}
	stats, err := s.deps.Queue.GetQueueStats(r.Context())
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load queue stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// parseTime accepts RFC 3339 timestamps and plain dates
func parseTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, value)
}

// timeRange reads start and end query parameters, defaulting to the window
// ending now
func (s *Server) timeRange(r *http.Request, window time.Duration) (time.Time, time.Time, error) {
	end := s.now().UTC()
	start := end.Add(-window)
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return start, end, err
		}
		start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return start, end, err
		}
		end = t
	}
	return start, end, nil
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.unavailable(w, "usage tracker")
		return
	}
	start, end, err := s.timeRange(r, defaultUsageWindow)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid start or end time", err)
		return
	}
	q := r.URL.Query()
	stats, err := s.deps.Usage.GetUsageStats(r.Context(), start, end, usage.Filter{
		Network:  q.Get("network"),
		Explorer: q.Get("explorer"),
	})
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load usage stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTopErrors(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.unavailable(w, "usage tracker")
		return
	}
	limit := usage.DefaultTopErrors
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}
	top, err := s.deps.Usage.GetTopErrors(r.Context(), limit, r.URL.Query().Get("network"))
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load top errors", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"errors": top})
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.unavailable(w, "usage tracker")
		return
	}
	vars := mux.Vars(r)
	status, err := s.deps.Usage.GetCurrentRateLimitStatus(r.Context(), vars["network"], vars["explorer"])
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load rate limit status", err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analytics == nil {
		s.unavailable(w, "analytics")
		return
	}
	summary, err := s.deps.Analytics.GetCurrentPerformanceSummary(r.Context())
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load performance summary", err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAnalyticsHourly(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analytics == nil {
		s.unavailable(w, "analytics")
		return
	}
	hours, err := s.deps.Analytics.GetTodayHourlyPerformance(r.Context(), r.URL.Query().Get("network"))
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load hourly performance", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"hours": hours})
}

func (s *Server) handleAnalyticsRange(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analytics == nil {
		s.unavailable(w, "analytics")
		return
	}
	start, end, err := s.timeRange(r, 6*24*time.Hour)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid start or end date", err)
		return
	}
	q := r.URL.Query()
	report, err := s.deps.Analytics.GetAnalyticsForDateRange(r.Context(), start, end, analytics.Filter{
		Network:   q.Get("network"),
		CacheType: q.Get("cache_type"),
	})
	if errors.Is(err, analytics.ErrInvalidRange) {
		s.writeErrorResponse(w, http.StatusBadRequest, "end must not be before start", err)
		return
	}
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load analytics", err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	if s.deps.Contracts == nil {
		s.unavailable(w, "contract cache")
		return
	}
	vars := mux.Vars(r)
	if !models.IsValidNetwork(vars["network"]) {
		s.writeErrorResponse(w, http.StatusBadRequest, "Unsupported network", nil)
		return
	}
	cacheType, err := models.ParseCacheType(vars["type"])
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Unknown cache type", err)
		return
	}
	resp, found, err := s.deps.Contracts.GetCachedData(r.Context(), vars["network"], vars["address"], cacheType)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to read contract cache", err)
		return
	}
	if !found {
		s.writeErrorResponse(w, http.StatusNotFound, "Contract data is not cached", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// queueRequest queues one address or, with Addresses, several at once
type queueRequest struct {
	Network     string         `json:"network"`
	Address     string         `json:"address"`
	Addresses   []string       `json:"addresses"`
	CacheType   string         `json:"cache_type"`
	CacheTypes  []string       `json:"cache_types"`
	Priority    string         `json:"priority"`
	ScheduledAt *time.Time     `json:"scheduled_at"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.unavailable(w, "queue")
		return
	}
	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Network) == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "network is required", nil)
		return
	}
	if !models.IsValidNetwork(req.Network) {
		s.writeErrorResponse(w, http.StatusBadRequest, "Unsupported network", nil)
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Unknown priority", err)
		return
	}

	if len(req.Addresses) > 0 {
		names := req.CacheTypes
		if len(names) == 0 && req.CacheType != "" {
			names = []string{req.CacheType}
		}
		cacheTypes := make([]models.CacheType, 0, len(names))
		for _, name := range names {
			ct, err := models.ParseCacheType(name)
			if err != nil {
				s.writeErrorResponse(w, http.StatusBadRequest, "Unknown cache type", err)
				return
			}
			cacheTypes = append(cacheTypes, ct)
		}
		for _, address := range req.Addresses {
			if strings.TrimSpace(address) == "" {
				s.writeErrorResponse(w, http.StatusBadRequest, "addresses must not be empty", nil)
				return
			}
		}
		queued, err := s.deps.Queue.QueueMultipleContracts(r.Context(), req.Network, req.Addresses, cacheTypes, priority)
		if err != nil {
			s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to queue contracts", err)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]any{"queued": queued})
		return
	}

	if strings.TrimSpace(req.Address) == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "address or addresses is required", nil)
		return
	}
	cacheType := models.CacheTypeSource
	if req.CacheType != "" {
		if cacheType, err = models.ParseCacheType(req.CacheType); err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "Unknown cache type", err)
			return
		}
	}
	item, err := s.deps.Queue.QueueContract(r.Context(), req.Network, req.Address, cacheType, warming.QueueOptions{
		Priority:    priority,
		ScheduledAt: req.ScheduledAt,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to queue contract", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.unavailable(w, "queue")
		return
	}
	if err := s.deps.Queue.PauseQueue(r.Context()); err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to pause queue", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		s.unavailable(w, "queue")
		return
	}
	if err := s.deps.Queue.ResumeQueue(r.Context()); err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to resume queue", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (s *Server) handleMaintenance(w http.ResponseWriter, r *http.Request) {
	if s.deps.Maintenance == nil {
		s.unavailable(w, "maintenance")
		return
	}
	task := mux.Vars(r)["task"]
	affected, err := s.deps.Maintenance.RunTask(r.Context(), task)
	switch {
	case errors.Is(err, scheduler.ErrUnknownTask):
		s.writeErrorResponse(w, http.StatusNotFound, "Unknown maintenance task", err)
	case errors.Is(err, lock.ErrNotAcquired):
		s.writeErrorResponse(w, http.StatusConflict, "Maintenance task is already running", err)
	case err != nil:
		s.writeErrorResponse(w, http.StatusInternalServerError, "Maintenance task failed", err)
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{"task": task, "affected": affected})
	}
}
