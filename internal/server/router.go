package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/botvisor/botvisor/internal/event"
	"github.com/botvisor/botvisor/internal/metrics"
	"github.com/botvisor/botvisor/internal/orchestrator"
	"github.com/botvisor/botvisor/internal/store"
)

// Service is the orchestrator surface served over HTTP.
type Service interface {
	Deploy(ctx context.Context, req orchestrator.DeployRequest) (orchestrator.BotInstance, error)
	Stop(ctx context.Context, name string, archive bool) (orchestrator.StopResult, error)
	Status(ctx context.Context, name string) (orchestrator.StatusReport, error)
	List() []orchestrator.StatusReport
	Latest(ctx context.Context, name string) (*event.LatestState, error)
	Rebuild(ctx context.Context, name string) (*event.LatestState, error)
	Logs(ctx context.Context, name string, tail int) ([]string, error)
	Events(ctx context.Context, name, runID string) ([]event.StatusEvent, error)
	Archives(ctx context.Context, bot string) ([]store.ArchiveRecord, error)
}

// Router provides embeddable HTTP handlers for managing bots.
// Endpoints (relative to basePath):
//
//	POST /bots                      body: DeployRequest JSON
//	GET  /bots                      list
//	GET  /bots/:name                status
//	POST /bots/:name/stop           body: {"archive": bool} or ?archive=true
//	GET  /bots/:name/logs           ?tail=N
//	GET  /bots/:name/logs/ws        websocket stream of new log lines
//	GET  /bots/:name/state          latest-state projection
//	POST /bots/:name/state/rebuild  replay the event log
//	GET  /bots/:name/events         ?run_id=ID, persisted event log of a run
//	GET  /archives                  ?bot=NAME, archive records newest first
//
// /healthz and the metrics path are served at the root.
type Router struct {
	svc      Service
	basePath string
	log      *slog.Logger

	metricsPath string
	logPoll     time.Duration
	defaultTail int
}

type Option func(*Router)

// WithMetrics serves the Prometheus handler at path.
func WithMetrics(path string) Option { return func(r *Router) { r.metricsPath = path } }

// WithLogPoll sets how often the websocket stream polls for new lines.
func WithLogPoll(d time.Duration) Option { return func(r *Router) { r.logPoll = d } }

func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.log = l } }

// NewRouter constructs a Router. Example basePath: "/api" results in
// /api/bots, /api/bots/:name and so on.
func NewRouter(svc Service, basePath string, opts ...Option) *Router {
	r := &Router{
		svc:         svc,
		basePath:    sanitizeBase(basePath),
		log:         slog.Default(),
		logPoll:     time.Second,
		defaultTail: 200,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	if r.metricsPath != "" {
		g.GET(sanitizeBase(r.metricsPath), gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.POST("/bots", r.handleDeploy)
	group.GET("/bots", r.handleList)
	group.GET("/bots/:name", r.handleStatus)
	group.POST("/bots/:name/stop", r.handleStop)
	group.GET("/bots/:name/logs", r.handleLogs)
	group.GET("/bots/:name/logs/ws", r.handleLogStream)
	group.GET("/bots/:name/state", r.handleLatest)
	group.POST("/bots/:name/state/rebuild", r.handleRebuild)
	group.GET("/bots/:name/events", r.handleEvents)
	group.GET("/archives", r.handleArchives)
	return g
}

// NewServer builds an http.Server for this router and starts serving on addr,
// over TLS when tlsCfg is non-nil. Listen errors are returned; serve errors
// after startup are logged.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("http server stopped", slog.Any("error", err))
		}
	}()
	return server, nil
}

type okResp struct {
	OK bool `json:"ok"`
}

type stopRequest struct {
	Archive bool `json:"archive"`
}

type logsResp struct {
	Name  string   `json:"bot_name"`
	Lines []string `json:"lines"`
}

type eventsResp struct {
	Name   string              `json:"bot_name"`
	RunID  string              `json:"run_id,omitempty"`
	Events []event.StatusEvent `json:"events"`
}

type archivesResp struct {
	Archives []store.ArchiveRecord `json:"archives"`
}

func (r *Router) handleDeploy(c *gin.Context) {
	var req orchestrator.DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, ErrorResponse{
			Error:   string(orchestrator.KindConfig),
			Message: "invalid JSON: " + err.Error(),
		})
		return
	}
	if req.Name != "" && !isSafeName(req.Name) {
		respondError(c, http.StatusBadRequest, ErrorResponse{
			Error:   string(orchestrator.KindConfig),
			Name:    req.Name,
			Message: "invalid bot_name: allowed [A-Za-z0-9_-]",
		})
		return
	}
	inst, err := r.svc.Deploy(c.Request.Context(), req)
	if err != nil {
		r.fail(c, req.Name, err)
		return
	}
	writeJSON(c, http.StatusCreated, inst)
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	var req stopRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, ErrorResponse{
				Error:   string(orchestrator.KindConfig),
				Name:    name,
				Message: "invalid JSON: " + err.Error(),
			})
			return
		}
	}
	if v := c.Query("archive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(c, http.StatusBadRequest, ErrorResponse{
				Error:   string(orchestrator.KindConfig),
				Name:    name,
				Message: "archive must be a boolean",
			})
			return
		}
		req.Archive = b
	}
	res, err := r.svc.Stop(c.Request.Context(), name, req.Archive)
	if err != nil {
		r.fail(c, name, err)
		return
	}
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleStatus(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	st, err := r.svc.Status(c.Request.Context(), name)
	if err != nil {
		r.fail(c, name, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleList(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.svc.List())
}

func (r *Router) handleLogs(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	tail, ok := r.tail(c)
	if !ok {
		return
	}
	lines, err := r.svc.Logs(c.Request.Context(), name, tail)
	if err != nil {
		r.fail(c, name, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, logsResp{Name: name, Lines: lines})
}

func (r *Router) handleLatest(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	st, err := r.svc.Latest(c.Request.Context(), name)
	if err != nil {
		r.fail(c, name, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleRebuild(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	st, err := r.svc.Rebuild(c.Request.Context(), name)
	if err != nil {
		r.fail(c, name, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleEvents(c *gin.Context) {
	name, ok := r.name(c)
	if !ok {
		return
	}
	runID := c.Query("run_id")
	evs, err := r.svc.Events(c.Request.Context(), name, runID)
	if err != nil {
		r.fail(c, name, err)
		return
	}
	if evs == nil {
		evs = []event.StatusEvent{}
	}
	if runID == "" && len(evs) > 0 {
		runID = evs[0].RunID
	}
	writeJSON(c, http.StatusOK, eventsResp{Name: name, RunID: runID, Events: evs})
}

func (r *Router) handleArchives(c *gin.Context) {
	bot := c.Query("bot")
	if bot != "" && !isSafeName(bot) {
		respondError(c, http.StatusBadRequest, ErrorResponse{
			Error:   string(orchestrator.KindConfig),
			Name:    bot,
			Message: "invalid bot name",
		})
		return
	}
	recs, err := r.svc.Archives(c.Request.Context(), bot)
	if err != nil {
		r.fail(c, bot, err)
		return
	}
	if recs == nil {
		recs = []store.ArchiveRecord{}
	}
	writeJSON(c, http.StatusOK, archivesResp{Archives: recs})
}

func (r *Router) name(c *gin.Context) (string, bool) {
	name := c.Param("name")
	if !isSafeName(name) {
		respondError(c, http.StatusBadRequest, ErrorResponse{
			Error:   string(orchestrator.KindConfig),
			Name:    name,
			Message: "invalid bot name",
		})
		return "", false
	}
	return name, true
}

func (r *Router) tail(c *gin.Context) (int, bool) {
	s := c.Query("tail")
	if s == "" {
		return r.defaultTail, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		respondError(c, http.StatusBadRequest, ErrorResponse{
			Error:   string(orchestrator.KindConfig),
			Message: "tail must be a non-negative number",
		})
		return 0, false
	}
	return n, true
}

func (r *Router) fail(c *gin.Context, name string, err error) {
	code, body := errorResponse(name, err)
	if code >= http.StatusInternalServerError {
		r.log.Warn("request failed",
			slog.String("bot", name),
			slog.String("path", c.FullPath()),
			slog.Any("error", err))
	}
	respondError(c, code, body)
}
