package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/actions"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/agreements"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/audit"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/draft"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/guard"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/httpx"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/metrics"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/models"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/remote"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/status"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/store"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/stream"
	"github.com/SchmitzMichael2018/myhomebro-sub001/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Server is the coordinator daemon: it holds the local milestone table, the
// draft store and the agreement cache, and exposes status derivation, guard
// checks, draft operations and action execution over HTTP.
type Server struct {
	Executor   *actions.Executor
	Drafts     *draft.Store
	Agreements *agreements.Cache
	Remote     *remote.Client
	Metrics    *metrics.Registry
	Events     *stream.Hub
	MaxBody    int64

	nowFunc func() time.Time
}

type initTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type openDBFunc func(ctx context.Context) (*pgxpool.Pool, error)
type openRedisFunc func(ctx context.Context) (*redis.Client, error)
type listenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = initTelemetryFunc(telemetry.Init)
	openDBFn        = openDBFunc(store.NewPostgresPool)
	openRedisFn     = openRedisFunc(store.NewRedis)
	listenFn        = listenFunc(func(server *http.Server) error { return server.ListenAndServe() })
)

func main() {
	if err := runCoordinator(initTelemetryFn, openDBFn, openRedisFn, listenFn); err != nil {
		logFatalf("coordinatord: %v", err)
	}
}

func runCoordinator(initTelemetry initTelemetryFunc, openDB openDBFunc, openRedis openRedisFunc, listen listenFunc) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "coordinatord")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, drafts fall back to in-memory store: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	kv := store.NewKV(ctx, redisClient)

	remoteClient := remote.NewClient(
		env("REMOTE_BASE_URL", "http://localhost:8000"),
		time.Millisecond*time.Duration(envInt("REMOTE_TIMEOUT_MS", 3000)),
	)
	remoteClient.HTTPClient = telemetry.InstrumentClient(remoteClient.HTTPClient)
	remoteClient.AuthToken = env("REMOTE_AUTH_TOKEN", "")
	remoteClient.Retries = envInt("REMOTE_RETRIES", 1)
	remoteClient.RetryDelay = time.Millisecond * time.Duration(envInt("REMOTE_RETRY_DELAY_MS", 50))

	reg := metrics.NewRegistry()
	remoteClient.Metrics = reg

	drafts := draft.NewStore(kv)
	drafts.Debounce = time.Millisecond * time.Duration(envInt("DRAFT_DEBOUNCE_MS", 1000))
	cache := agreements.NewCache(remoteClient, time.Second*time.Duration(envInt("AGREEMENT_CACHE_TTL_SEC", 30)))
	hub := stream.NewHub()
	defer hub.Close()

	exec := actions.NewExecutor(remoteClient, drafts, cache).WithMetrics(reg).WithHub(hub)

	if env("DATABASE_URL", "") != "" || env("AUDIT_ENABLED", "false") == "true" {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		exec.WithAudit(&audit.Writer{
			DB:       pool,
			HashSalt: []byte(env("AUDIT_HASH_SALT", "")),
			Redact:   env("AUDIT_REDACT", "false") == "true",
		})
	}

	s := &Server{
		Executor:   exec,
		Drafts:     drafts,
		Agreements: cache,
		Remote:     remoteClient,
		Metrics:    reg,
		Events:     hub,
		MaxBody:    int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		nowFunc:    time.Now,
	}

	server := &http.Server{
		Addr:              ":" + env("PORT", "8090"),
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Printf("coordinatord listening on %s", server.Addr)
	return listen(server)
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("coordinatord"))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", s.Metrics.Handler())
	r.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())

	r.Post("/v1/milestones", s.seedMilestone)
	r.Get("/v1/milestones/{id}", s.getMilestone)
	r.Get("/v1/milestones/{id}/status", s.getStatus)
	r.Get("/v1/milestones/{id}/form", s.getForm)

	r.Post("/v1/milestones/{id}/draft/fields", s.setDraftField)
	r.Get("/v1/milestones/{id}/draft", s.getDraft)
	r.Post("/v1/milestones/{id}/draft/save", s.saveDraft)
	r.Post("/v1/milestones/{id}/draft/discard", s.discardDraft)

	r.Post("/v1/guard/check", s.checkGuard)
	r.Post("/v1/actions/execute", s.executeAction)

	r.Get("/v1/events", s.streamEvents)
	return r
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.MaxBody))
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "unreadable body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

// seedMilestone installs a milestone into the local table, typically after a
// list fetch by the caller. With refresh=true the authoritative copy is
// fetched from the remote service instead.
func (s *Server) seedMilestone(w http.ResponseWriter, r *http.Request) {
	var m models.Milestone
	if !s.decode(w, r, &m) {
		return
	}
	if r.URL.Query().Get("refresh") == "true" && m.ID != "" {
		fetched, err := s.Remote.FetchMilestone(r.Context(), m.ID)
		if err != nil {
			httpx.Error(w, http.StatusBadGateway, "refresh failed: "+err.Error())
			return
		}
		m = fetched
	}
	if err := m.Validate(); err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.Executor.Seed(m)
	s.Metrics.IncStatus(s.Executor.Status(m.ID))
	httpx.WriteJSON(w, http.StatusOK, m)
}

func (s *Server) getMilestone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := s.Executor.Milestone(id)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "milestone not loaded")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, m)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := s.Executor.Milestone(id)
	if !ok {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"milestone_id": id, "status": status.Unknown})
		return
	}
	agreement, err := s.Agreements.Get(r.Context(), m.AgreementID)
	if err != nil {
		agreement = nil
	}
	derived := status.Derive(s.nowFunc(), m, agreement)
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"milestone_id": id,
		"status":       derived,
		"bucket":       status.Bucket(m),
	})
}

// getForm returns the effective edit form: the local milestone snapshot
// overlaid with any pending draft fields.
func (s *Server) getForm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, ok := s.Executor.Milestone(id)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "milestone not loaded")
		return
	}
	form := s.Drafts.Load(r.Context(), id, milestoneForm(m))
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"milestone_id": id,
		"form":         form,
		"dirty":        s.Drafts.IsDirty(id),
	})
}

func (s *Server) setDraftField(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Field string `json:"field"`
		Value any    `json:"value"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Field == "" {
		httpx.Error(w, http.StatusBadRequest, "field is required")
		return
	}
	s.Drafts.SetField(r.Context(), id, req.Field, req.Value)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"dirty": s.Drafts.IsDirty(id)})
}

func (s *Server) getDraft(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp := map[string]any{
		"fields": s.Drafts.Fields(id),
		"dirty":  s.Drafts.IsDirty(id),
	}
	if at := s.Drafts.LastSavedAt(id); !at.IsZero() {
		resp["last_saved_at"] = at.UTC().Format(time.RFC3339)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) saveDraft(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.Drafts.SaveNow(r.Context(), id)
	s.Events.Publish(stream.NewEvent(stream.EventDraftSaved, map[string]string{"milestone_id": id}))
	s.getDraft(w, r)
}

func (s *Server) discardDraft(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.Drafts.Discard(r.Context(), id)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"dirty": false})
}

func (s *Server) checkGuard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action      string `json:"action"`
		MilestoneID string `json:"milestone_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	m, ok := s.Executor.Milestone(req.MilestoneID)
	if !ok {
		httpx.WriteJSON(w, http.StatusOK, guard.CanPerform(req.Action, guard.Inputs{Status: status.Unknown}))
		return
	}
	agreement, err := s.Agreements.Get(r.Context(), m.AgreementID)
	if err != nil {
		agreement = nil
	}
	derived := status.Derive(s.nowFunc(), m, agreement)
	decision := guard.CanPerform(req.Action, guard.Inputs{
		Status:    derived,
		Agreement: agreement,
		Invoiced:  m.IsInvoiced,
	})
	httpx.WriteJSON(w, http.StatusOK, decision)
}

func (s *Server) executeAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action   string          `json:"action"`
		EntityID string          `json:"entity_id"`
		Payload  actions.Payload `json:"payload"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.Executor.Execute(r.Context(), req.Action, req.EntityID, req.Payload)
	if err != nil {
		httpx.WriteJSON(w, executeStatusCode(err), res)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}

// executeStatusCode maps executor errors onto HTTP statuses: denials and
// validation failures are client errors, remote trouble is a bad gateway.
func executeStatusCode(err error) int {
	switch {
	case errors.Is(err, actions.ErrGuardDenied):
		return http.StatusForbidden
	case errors.Is(err, actions.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, actions.ErrUnknownEntity), errors.Is(err, actions.ErrUnknownAction):
		return http.StatusNotFound
	case errors.Is(err, actions.ErrSuperseded):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func milestoneForm(m models.Milestone) map[string]any {
	form := map[string]any{
		"title":       m.Title,
		"description": m.Description,
		"amount":      m.Amount,
	}
	if !m.StartDate.IsZero() {
		form["start_date"] = m.StartDate.Format("2006-01-02")
	}
	if !m.CompletionDate.IsZero() {
		form["completion_date"] = m.CompletionDate.Format("2006-01-02")
	}
	return form
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
