package service

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"prefetchd/internal/logger"
	"prefetchd/internal/monitor"
	"prefetchd/internal/prefetch"
	"prefetchd/internal/tier"
)

const (
	headerPrefetch  = "X-Prefetch"
	headerPreloaded = "X-Prefetch-Preloaded"
)

// Handler returns the control API.
//
// Routes:
//   - POST /v1/prefetch - submit one URL
//   - POST /v1/predict - submit recommender candidates
//   - GET|HEAD|DELETE /v1/cache - read, probe or clear the cache
//   - PUT /v1/cache/permanent - pin or unpin an entry
//   - GET /v1/report, /v1/gates, /v1/queue, /v1/savings - state
//   - POST /v1/lifecycle/{action} - pause, resume, memory-pressure
//   - POST /v1/signals/query - record the latest search query
//   - POST /v1/signals/domain - add a preferred domain
//   - GET /metrics - Prometheus, when enabled
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/prefetch", s.handleSubmit)
		r.Post("/predict", s.handlePredict)

		r.Get("/cache", s.handleCacheGet)
		r.Head("/cache", s.handleCacheHead)
		r.Delete("/cache", s.handleCacheClear)
		r.Put("/cache/permanent", s.handlePermanent)

		r.Get("/report", s.handleReport)
		r.Get("/gates", s.handleGates)
		r.Get("/queue", s.handleQueue)
		r.Get("/savings", s.handleSavings)

		r.Post("/lifecycle/{action}", s.handleLifecycle)
		r.Post("/signals/query", s.handleQuery)
		r.Post("/signals/domain", s.handleDomain)
	})

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debug("api request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			logger.KeyStatus, ww.Status(),
			logger.KeyBytes, ww.BytesWritten(),
			logger.KeyDurationMs, time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// rejection maps a Submit error to a status code and a stable reason.
func rejection(err error) (int, string) {
	switch {
	case errors.Is(err, prefetch.ErrInvalidURL):
		return http.StatusBadRequest, "invalid_url"
	case errors.Is(err, prefetch.ErrClosed):
		return http.StatusServiceUnavailable, "closed"
	case errors.Is(err, prefetch.ErrResourceGated):
		return http.StatusConflict, "gated"
	case errors.Is(err, prefetch.ErrDuplicate):
		return http.StatusConflict, "duplicate"
	case errors.Is(err, prefetch.ErrAlreadyCached):
		return http.StatusConflict, "cached"
	case errors.Is(err, prefetch.ErrLowConfidence):
		return http.StatusConflict, "low_confidence"
	case errors.Is(err, prefetch.ErrQueueFull):
		return http.StatusConflict, "queue_full"
	}
	return http.StatusInternalServerError, "internal"
}

type submitRequest struct {
	URL      string     `json:"url"`
	Title    string     `json:"title"`
	Type     string     `json:"type"`
	Priority *tier.Tier `json:"priority"`
}

type submitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ct, err := prefetch.ParseContentType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	prio := tier.Medium
	if req.Priority != nil {
		prio = *req.Priority
	}

	if err := s.Submit(req.URL, req.Title, ct, prio); err != nil {
		status, reason := rejection(err)
		writeJSON(w, status, errorBody{Error: err.Error(), Reason: reason})
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{ID: prefetch.TaskID(req.URL), Status: string(prefetch.StatusPending)})
}

type predictRequest struct {
	Query      string                `json:"query"`
	Candidates []prefetch.Suggestion `json:"candidates"`
	Related    []string              `json:"related"`
}

type predictResult struct {
	URL    string `json:"url"`
	Queued bool   `json:"queued"`
	Reason string `json:"reason,omitempty"`
}

func (s *Service) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Query != "" {
		s.SetLastQuery(req.Query)
	}
	outcomes := s.Predict(req.Candidates, req.Related)
	out := make([]predictResult, 0, len(outcomes))
	for _, o := range outcomes {
		res := predictResult{URL: o.URL, Queued: o.Err == nil}
		if o.Err != nil {
			_, res.Reason = rejection(o.Err)
		}
		out = append(out, res)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleCacheGet(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if u == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return
	}
	preloaded := s.Preloaded(u)
	body, mimeType, ok := s.Get(u)
	if !ok {
		w.Header().Set(headerPrefetch, "miss")
		writeError(w, http.StatusNotFound, "not cached")
		return
	}
	if preloaded {
		w.Header().Set(headerPreloaded, "true")
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set(headerPrefetch, "hit")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Service) handleCacheHead(w http.ResponseWriter, r *http.Request) {
	u := r.URL.Query().Get("url")
	if u == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !s.Has(u) {
		w.Header().Set(headerPrefetch, "miss")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set(headerPrefetch, "hit")
	w.WriteHeader(http.StatusOK)
}

func (s *Service) handleCacheClear(w http.ResponseWriter, _ *http.Request) {
	if err := s.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handlePermanent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	u := q.Get("url")
	if u == "" {
		writeError(w, http.StatusBadRequest, "missing url")
		return
	}
	permanent := true
	if v := q.Get("value"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid value: "+v)
			return
		}
		permanent = b
	}
	if !s.SetPermanent(u, permanent) {
		writeError(w, http.StatusNotFound, "not cached")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleReport(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.GetReport().String()))
}

type gatesResponse struct {
	Allowed bool          `json:"allowed"`
	Gates   monitor.Gates `json:"gates"`
	Budget  budgetView    `json:"budget"`
}

type budgetView struct {
	Day      string `json:"day"`
	Consumed int64  `json:"consumed"`
	Cap      int64  `json:"cap"`
}

func (s *Service) handleGates(w http.ResponseWriter, _ *http.Request) {
	g := s.Gates()
	b := s.monitor.Budget()
	writeJSON(w, http.StatusOK, gatesResponse{
		Allowed: g.Allowed(),
		Gates:   g,
		Budget:  budgetView{Day: b.Day, Consumed: b.Consumed, Cap: b.Cap},
	})
}

type taskView struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Type       string    `json:"type"`
	Priority   tier.Tier `json:"priority"`
	Requested  tier.Tier `json:"requested"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Service) handleQueue(w http.ResponseWriter, _ *http.Request) {
	pending := s.Pending()
	out := make([]taskView, len(pending))
	for i, t := range pending {
		out[i] = taskView{
			ID:         t.ID,
			URL:        t.URL,
			Title:      t.Title,
			Type:       string(t.Type),
			Priority:   t.Priority,
			Requested:  t.Requested,
			Confidence: t.Confidence,
			CreatedAt:  t.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleSavings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Savings())
}

func (s *Service) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	switch action := chi.URLParam(r, "action"); action {
	case "pause":
		s.Pause()
	case "resume":
		s.Resume()
	case "memory-pressure":
		s.OnMemoryPressure()
	default:
		writeError(w, http.StatusNotFound, "unknown lifecycle action: "+action)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queryRequest struct {
	Query string `json:"query"`
}

func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.SetLastQuery(req.Query)
	w.WriteHeader(http.StatusNoContent)
}

type domainRequest struct {
	Domain string `json:"domain"`
}

func (s *Service) handleDomain(w http.ResponseWriter, r *http.Request) {
	var req domainRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Domain) == "" {
		writeError(w, http.StatusBadRequest, "missing domain")
		return
	}
	s.AddDomain(req.Domain)
	w.WriteHeader(http.StatusNoContent)
}
