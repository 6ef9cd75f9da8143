// Package gateway is the HTTP boundary: a thin adapter translating REST
// calls into bridge calls and serializing the results.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/restmcp/restmcp/bridge"
	"github.com/restmcp/restmcp/mcp"
	"go.uber.org/zap"
)

// Bridge is the service surface the gateway adapts to HTTP.
type Bridge interface {
	Ready() bool
	State() bridge.State
	Tools() []mcp.Tool
	Call(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// StderrTap subscribes to the subprocess's stderr lines; the cancel func
// removes the subscription.
type StderrTap func() (<-chan string, func())

type Gateway struct {
	log        *zap.SugaredLogger
	bridge     Bridge
	tap        StderrTap
	listenAddr string

	httpServer *http.Server
}

type Option func(g *Gateway)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(g *Gateway) {
		g.log = l.Named("gateway")
	}
}

func WithListenAddr(addr string) Option {
	return func(g *Gateway) {
		g.listenAddr = addr
	}
}

// WithStderrTap enables the /logs/stream endpoint.
func WithStderrTap(tap StderrTap) Option {
	return func(g *Gateway) {
		g.tap = tap
	}
}

func New(b Bridge, opts ...Option) *Gateway {
	g := &Gateway{
		log:        zap.NewNop().Sugar(),
		bridge:     b,
		listenAddr: "0.0.0.0:8000",
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Handler builds the route table.
func (g *Gateway) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/", g.root)
	router.GET("/health", g.health)
	router.GET("/tools", g.listTools)
	router.POST("/tools/:toolName/call", g.callTool)
	router.GET("/openapi.json", g.openAPI)
	router.GET("/api-docs", g.apiDocs)
	router.GET("/logs/stream", g.streamLogs)
	router.PanicHandler = func(w http.ResponseWriter, r *http.Request, v any) {
		// No stack traces to callers, only a top-level diagnostic.
		g.log.Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, v)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
	return router
}

// Run serves HTTP until Stop is called. It returns nil on orderly shutdown.
func (g *Gateway) Run() error {
	listener, err := net.Listen("tcp", g.listenAddr)
	if err != nil {
		return err
	}
	g.httpServer = &http.Server{Handler: g.Handler()}
	g.log.Infof("listening on %s", listener.Addr())

	err = g.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP listener.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.httpServer == nil {
		return nil
	}
	return g.httpServer.Shutdown(ctx)
}

type errorBody struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type callResponse struct {
	ToolName string          `json:"toolName"`
	Result   json.RawMessage `json:"result"`
}

func (g *Gateway) root(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":  "restmcp",
		"state": g.bridge.State().String(),
		"endpoints": map[string]string{
			"health":   "GET /health",
			"tools":    "GET /tools",
			"call":     "POST /tools/{toolName}/call",
			"openapi":  "GET /openapi.json",
			"api-docs": "GET /api-docs",
			"logs":     "GET /logs/stream",
		},
	})
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	status := "ok"
	if !g.bridge.Ready() {
		status = g.bridge.State().String()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (g *Gateway) listTools(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !g.bridge.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "service not ready"})
		return
	}
	tools := g.bridge.Tools()
	if tools == nil {
		tools = []mcp.Tool{}
	}
	writeJSON(w, http.StatusOK, tools)
}

func (g *Gateway) callTool(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("toolName")

	if !g.bridge.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "service not ready"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "reading request body"})
		return
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "request body is not valid JSON"})
		return
	}

	result, err := g.bridge.Call(r.Context(), name, body)
	if err != nil {
		g.writeCallError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{ToolName: name, Result: result})
}

func (g *Gateway) writeCallError(w http.ResponseWriter, name string, err error) {
	var unknown *mcp.UnknownToolError
	var invocation *mcp.ToolInvocationError
	switch {
	case errors.As(err, &unknown):
		writeJSON(w, http.StatusNotFound, errorBody{Error: unknown.Error()})
	case errors.Is(err, bridge.ErrNotReady):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "service not ready"})
	case errors.As(err, &invocation):
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: invocation.Error()})
	case errors.Is(err, mcp.ErrTransportClosed), errors.Is(err, mcp.ErrCallTimeout):
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	default:
		g.log.Errorf("tool call %q failed: %s", name, err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
