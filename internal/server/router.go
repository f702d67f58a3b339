// Package server exposes the supervisor's operator operations over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/servisor/internal/errs"
	"github.com/loykin/servisor/internal/manager"
	"github.com/loykin/servisor/internal/metrics"
	"github.com/loykin/servisor/internal/registry"
)

// Supervisor is the operation set served by the router.
type Supervisor interface {
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Status(ctx context.Context) ([]manager.ServiceState, error)
	Get(ctx context.Context, name string) (manager.ServiceState, error)
	RegisterAll(ctx context.Context) []manager.RegistryResult
	DeregisterAll(ctx context.Context) []manager.RegistryResult
	Discover(ctx context.Context, prefix string) ([]registry.Entry, error)
}

// Router serves:
//
//	POST {base}/services/start          start all, base failures abort
//	POST {base}/services/stop           stop all
//	POST {base}/services/:name/start
//	POST {base}/services/:name/stop
//	GET  {base}/services                reconciled status of every service
//	GET  {base}/services/:name
//	POST {base}/registry/register
//	POST {base}/registry/deregister
//	GET  {base}/registry/discover       query: prefix (optional)
//	GET  {base}/healthz
//	GET  /metrics                       when enabled
type Router struct {
	sup      Supervisor
	basePath string
	metrics  bool
}

func NewRouter(sup Supervisor, basePath string, withMetrics bool) *Router {
	return &Router{sup: sup, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns a gin engine that can be mounted in any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	group := g.Group(r.basePath)
	group.GET("/healthz", func(c *gin.Context) { writeJSON(c, http.StatusOK, okResp{OK: true}) })
	group.GET("/services", r.handleStatus)
	group.POST("/services/start", r.handleStartAll)
	group.POST("/services/stop", r.handleStopAll)
	group.GET("/services/:name", r.handleGet)
	group.POST("/services/:name/start", r.handleStart)
	group.POST("/services/:name/stop", r.handleStop)
	group.POST("/registry/register", r.handleRegister)
	group.POST("/registry/deregister", r.handleDeregister)
	group.GET("/registry/discover", r.handleDiscover)
	return g
}

// NewServer builds an http.Server for the router; the caller runs it.
// Start requests can take as long as a readiness budget, so there is no
// write timeout.
func NewServer(addr, basePath string, sup Supervisor, withMetrics bool) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(sup, basePath, withMetrics).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type okResp struct {
	OK bool `json:"ok"`
}

type failure struct {
	Name   string `json:"name"`
	IsBase bool   `json:"is_base"`
	Kind   string `json:"kind,omitempty"`
	Error  string `json:"error"`
}

type errorResp struct {
	Error    string    `json:"error"`
	Kind     string    `json:"kind,omitempty"`
	Failures []failure `json:"failures,omitempty"`
}

func kindOf(err error) string {
	k, _ := errs.KindOf(err)
	return string(k)
}

// statusFor maps supervisor errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, manager.ErrShuttingDown), errors.Is(err, errs.ErrRegistryUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrRegistryRejected):
		return http.StatusBadGateway
	case errors.Is(err, errs.ErrConfig):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeErr(c *gin.Context, err error) {
	resp := errorResp{Error: err.Error(), Kind: kindOf(err)}
	var be *manager.BatchError
	if errors.As(err, &be) {
		for _, f := range be.Failures {
			resp.Failures = append(resp.Failures, failure{Name: f.Name, IsBase: f.IsBase, Kind: kindOf(f.Err), Error: f.Err.Error()})
		}
	}
	writeJSON(c, statusFor(err), resp)
}

// name validates the :name path parameter.
func name(c *gin.Context) (string, bool) {
	n := c.Param("name")
	if !isSafeName(n) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid service name: allowed [A-Za-z0-9._-]"})
		return "", false
	}
	return n, true
}

func (r *Router) handleStatus(c *gin.Context) {
	sts, err := r.sup.Status(c.Request.Context())
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, sts)
}

func (r *Router) handleGet(c *gin.Context) {
	n, ok := name(c)
	if !ok {
		return
	}
	st, err := r.sup.Get(c.Request.Context(), n)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStartAll(c *gin.Context) {
	if err := r.sup.StartAll(c.Request.Context()); err != nil {
		writeErr(c, err)
		return
	}
	r.handleStatus(c)
}

func (r *Router) handleStopAll(c *gin.Context) {
	if err := r.sup.StopAll(c.Request.Context()); err != nil {
		writeErr(c, err)
		return
	}
	r.handleStatus(c)
}

func (r *Router) handleStart(c *gin.Context) {
	n, ok := name(c)
	if !ok {
		return
	}
	if err := r.sup.Start(c.Request.Context(), n); err != nil {
		writeErr(c, err)
		return
	}
	r.handleGet(c)
}

func (r *Router) handleStop(c *gin.Context) {
	n, ok := name(c)
	if !ok {
		return
	}
	if err := r.sup.Stop(c.Request.Context(), n); err != nil {
		writeErr(c, err)
		return
	}
	r.handleGet(c)
}

// registry batches always answer 200; per-service errors are in the body.
func (r *Router) handleRegister(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.RegisterAll(c.Request.Context()))
}

func (r *Router) handleDeregister(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.sup.DeregisterAll(c.Request.Context()))
}

func (r *Router) handleDiscover(c *gin.Context) {
	prefix := c.Query("prefix")
	if prefix != "" && !isSafeName(prefix) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid prefix"})
		return
	}
	entries, err := r.sup.Discover(c.Request.Context(), prefix)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, entries)
}
