package web

import (
	"net"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fluxorio/switchboard/pkg/core"
	obsprom "github.com/fluxorio/switchboard/pkg/observability/prometheus"
	"github.com/fluxorio/switchboard/pkg/observability/tracing"
	"github.com/fluxorio/switchboard/pkg/statemachine"
)

// GatewayConfig configures the HTTP event gateway.
type GatewayConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Auth, when set, guards every route except /healthz and /metrics.
	Auth Middleware

	Logger  core.Logger
	Metrics *obsprom.Metrics
}

// Gateway exposes the machine registry over HTTP:
//
//	POST /v1/machines/{id}/events  dispatch an event            202/404/429/503
//	GET  /v1/machines/{id}         current state snapshot        200/404
//	GET  /healthz                  liveness                      200
//	GET  /metrics                  prometheus exposition         200
type Gateway struct {
	reg    *statemachine.Registry
	router *Router
	server *fasthttp.Server
	logger core.Logger
	meter  *obsprom.Metrics
	tracer trace.Tracer
	addr   string
}

// NewGateway builds the gateway and its routes.
func NewGateway(reg *statemachine.Registry, cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	g := &Gateway{
		reg:    reg,
		router: NewRouter(),
		logger: logger,
		meter:  cfg.Metrics,
		tracer: tracing.Tracer("switchboard/gateway"),
		addr:   cfg.Addr,
	}

	// Health and metrics stay reachable without credentials.
	g.router.GET("/healthz", g.instrument("GET", "/healthz", g.handleHealth))
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(obsprom.Handler())
	g.router.GET("/metrics", func(ctx *fasthttp.RequestCtx, _ map[string]string) {
		metricsHandler(ctx)
	})

	if cfg.Auth != nil {
		g.router.Use(cfg.Auth)
	}
	g.router.POST("/v1/machines/:id/events", g.instrument("POST", "/v1/machines/:id/events", g.handleSendEvent))
	g.router.GET("/v1/machines/:id", g.instrument("GET", "/v1/machines/:id", g.handleGetMachine))

	g.server = &fasthttp.Server{
		Handler:      g.router.ServeFastHTTP,
		Name:         "switchboard",
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return g
}

// ListenAndServe blocks serving on the configured address.
func (g *Gateway) ListenAndServe() error {
	g.logger.Infof("gateway listening on %s", g.addr)
	return g.server.ListenAndServe(g.addr)
}

// Serve blocks serving on a caller-provided listener. Tests use this with
// an in-memory listener.
func (g *Gateway) Serve(ln net.Listener) error {
	return g.server.Serve(ln)
}

// Shutdown gracefully stops the server.
func (g *Gateway) Shutdown() error {
	return g.server.Shutdown()
}

// instrument records one request metric per route pattern.
func (g *Gateway) instrument(method, pattern string, next Handler) Handler {
	if g.meter == nil {
		return next
	}
	return func(ctx *fasthttp.RequestCtx, params map[string]string) {
		start := time.Now()
		next(ctx, params)
		status := strconv.Itoa(ctx.Response.StatusCode())
		g.meter.RecordHTTPRequest(method, pattern, status, time.Since(start))
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx, _ map[string]string) {
	if g.reg.Draining() {
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, []byte(`{"status":"draining"}`))
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, []byte(`{"status":"ok"}`))
}

// eventRequest is the POST body: a named event with an opaque payload.
type eventRequest struct {
	Name string                 `json:"name"`
	Data map[string]interface{} `json:"data,omitempty"`
}

func (g *Gateway) handleSendEvent(ctx *fasthttp.RequestCtx, params map[string]string) {
	machineID := params["id"]

	var req eventRequest
	if err := core.JSONDecode(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid event payload")
		return
	}
	if req.Name == "" {
		writeError(ctx, fasthttp.StatusBadRequest, "event name is required")
		return
	}

	reqCtx, span := g.tracer.Start(ctx, "gateway.send_event", trace.WithAttributes(
		attribute.String("machine.id", machineID),
		attribute.String("event.name", req.Name),
	))
	accepted := g.reg.SendEvent(reqCtx, machineID, statemachine.GenericEvent{Name: req.Name, Data: req.Data})
	span.SetAttributes(attribute.Bool("event.accepted", accepted))
	span.End()

	if accepted {
		writeJSON(ctx, fasthttp.StatusAccepted, []byte(`{"accepted":true}`))
		return
	}
	switch {
	case g.reg.Draining():
		writeError(ctx, fasthttp.StatusServiceUnavailable, "draining")
	default:
		if _, ok := g.reg.Machine(machineID); !ok {
			writeError(ctx, fasthttp.StatusNotFound, "no such machine")
			return
		}
		// Live machine but the event did not go in: mailbox is full.
		writeError(ctx, fasthttp.StatusTooManyRequests, "machine busy")
	}
}

// machineSnapshot is the GET response body.
type machineSnapshot struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	State           string    `json:"state"`
	LastStateChange time.Time `json:"lastStateChange"`
	Complete        bool      `json:"complete"`
}

func (g *Gateway) handleGetMachine(ctx *fasthttp.RequestCtx, params map[string]string) {
	machineID := params["id"]
	m, ok := g.reg.Machine(machineID)
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, "no such machine")
		return
	}

	body, err := core.JSONEncode(machineSnapshot{
		ID:              m.ID(),
		Kind:            m.Descriptor().Kind,
		State:           m.CurrentState(),
		LastStateChange: m.LastStateChange(),
		Complete:        m.Complete(),
	})
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "snapshot failed")
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, body)
}
