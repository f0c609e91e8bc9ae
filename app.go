package wipi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/schema"
)

// defaultStreamWriteTimeout bounds each write of a chunked response. A
// write exceeding it closes the stream to avoid goroutine leaks on stuck
// clients.
const defaultStreamWriteTimeout = 30 * time.Second

var (
	validate = validator.New()

	// strictQueryDecoder errors on unknown query parameters, catching typos
	// on the GET endpoints.
	strictQueryDecoder = schema.NewDecoder()
)

func init() {
	strictQueryDecoder.IgnoreUnknownKeys(false)
}

// App is the HTTP surface of the control plane. It owns route registration,
// middleware, panic recovery and the JSON envelope conventions; all actual
// work happens in the Backend.
type App struct {
	backend            *Backend
	logger             *slog.Logger
	metrics            *Metrics
	middlewares        []func(http.Handler) http.Handler
	maxRequestBodySize uint64
	streamWriteTimeout time.Duration
}

// NewApp creates the HTTP surface over a started backend.
func NewApp(backend *Backend) *App {
	return &App{
		backend:            backend,
		maxRequestBodySize: 1 << 20, // 1MB default
		streamWriteTimeout: defaultStreamWriteTimeout,
	}
}

// WithLogger sets a custom logger for the app.
// If not set, slog.Default() will be used.
func (a *App) WithLogger(logger *slog.Logger) *App {
	a.logger = logger
	return a
}

// WithMetrics attaches request metrics and exposes them at /metrics.
func (a *App) WithMetrics(m *Metrics) *App {
	a.metrics = m
	return a
}

// WithMiddleware adds an HTTP middleware to wrap the app.
// Middleware is applied in the order added (first added is outermost).
func (a *App) WithMiddleware(mw func(http.Handler) http.Handler) *App {
	a.middlewares = append(a.middlewares, mw)
	return a
}

// WithMaxRequestBodySize sets the maximum request body size.
// A value of 0 means no limit. Default is 1MB.
func (a *App) WithMaxRequestBodySize(size uint64) *App {
	a.maxRequestBodySize = size
	return a
}

// WithStreamWriteTimeout sets the per-write timeout of chunked responses.
// Use 0 to disable (not recommended - risks goroutine leaks).
func (a *App) WithStreamWriteTimeout(d time.Duration) *App {
	a.streamWriteTimeout = d
	return a
}

// Handler returns an http.Handler for use with http.ListenAndServe or other
// HTTP servers. The returned handler includes all configured middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	a.route(mux, "GET /{$}", "/", a.handleContract)
	a.route(mux, "GET /controllers", "/controllers", a.handleControllers)
	a.route(mux, "GET /get_state", "/get_state", a.handleGetStates)
	a.route(mux, "GET /get_state/{cname}", "/get_state/{cname}", a.handleGetState)
	a.route(mux, "POST /set_state", "/set_state", a.handleSetStates)
	a.route(mux, "POST /set_state/{cname}", "/set_state/{cname}", a.handleSetState)
	a.route(mux, "POST /set_state_deferred", "/set_state_deferred", a.handleSetStatesDeferred)
	a.route(mux, "POST /set_state_deferred/{cname}", "/set_state_deferred/{cname}", a.handleSetStateDeferred)
	a.route(mux, "GET /list_deferred", "/list_deferred", a.handleListDeferred)
	a.route(mux, "GET /list_deferred/{cname}", "/list_deferred/{cname}", a.handleListDeferred)
	a.route(mux, "GET /cancel_deferred", "/cancel_deferred", a.handleCancelDeferred)
	a.route(mux, "POST /downstream", "/downstream", a.handleDownstreams)
	a.route(mux, "POST /downstream/{cname}", "/downstream/{cname}", a.handleDownstream)

	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}

	var h http.Handler = a.recovered(mux)
	// Apply middleware in reverse order so first added is outermost
	for i := len(a.middlewares) - 1; i >= 0; i-- {
		h = a.middlewares[i](h)
	}
	return h
}

// route registers a handler with request instrumentation under the given
// metric label.
func (a *App) route(mux *http.ServeMux, pattern, label string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		fn(sw, r)
		a.metrics.observeRequest(label, r.Method, sw.status, time.Since(start))
	})
}

// recovered wraps the mux with panic recovery.
func (a *App) recovered(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				a.log().Error("PANIC recovered",
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())))
				writeError(w, Errorf(CodeInternal, "internal server error (panic): %v", rec), a.logger)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter records the response status for metrics while passing
// flushing and deadline control through to the underlying writer.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (sw *statusWriter) WriteHeader(status int) {
	if !sw.wrote {
		sw.status = status
		sw.wrote = true
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

func (a *App) handleContract(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, contractDocument(baseURL(r)))
}

func (a *App) handleControllers(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, a.backend.Controllers())
}

func (a *App) handleGetStates(w http.ResponseWriter, r *http.Request) {
	states, err := a.backend.GetStates(r.Context())
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	a.writeJSON(w, states)
}

func (a *App) handleGetState(w http.ResponseWriter, r *http.Request) {
	state, err := a.backend.GetState(r.Context(), r.PathValue("cname"))
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	a.writeJSON(w, state)
}

func (a *App) handleSetStates(w http.ResponseWriter, r *http.Request) {
	var fleet FleetState
	if err := a.decodeBody(w, r, &fleet, true); err != nil {
		writeError(w, err, a.logger)
		return
	}
	states, err := a.backend.SetStates(r.Context(), fleet)
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	a.writeJSON(w, states)
}

func (a *App) handleSetState(w http.ResponseWriter, r *http.Request) {
	var partial State
	if err := a.decodeBody(w, r, &partial, false); err != nil {
		writeError(w, err, a.logger)
		return
	}
	state, err := a.backend.SetState(r.Context(), r.PathValue("cname"), partial)
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	a.writeJSON(w, state)
}

func (a *App) handleSetStatesDeferred(w http.ResponseWriter, r *http.Request) {
	var req DeferredFleetRequest
	if err := a.decodeBody(w, r, &req, true); err != nil {
		writeError(w, err, a.logger)
		return
	}
	for _, cs := range req.Controllers {
		if cs.State == nil {
			writeError(w, Errorf(CodeBadRequest, "controller %q: state is required", cs.Name), a.logger)
			return
		}
	}
	if err := a.backend.SetStatesDeferred(req); err != nil {
		writeError(w, err, a.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSetStateDeferred(w http.ResponseWriter, r *http.Request) {
	var req DeferredRequest
	if err := a.decodeBody(w, r, &req, true); err != nil {
		writeError(w, err, a.logger)
		return
	}
	if req.State == nil {
		writeError(w, Errorf(CodeBadRequest, "state is required"), a.logger)
		return
	}
	if err := a.backend.SetStateDeferred(r.PathValue("cname"), req); err != nil {
		writeError(w, err, a.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listDeferredParams is the query form of the list_deferred filter,
// equivalent to the /list_deferred/{cname} path form.
type listDeferredParams struct {
	Controller string `schema:"controller"`
}

func (a *App) handleListDeferred(w http.ResponseWriter, r *http.Request) {
	var params listDeferredParams
	if err := strictQueryDecoder.Decode(&params, r.URL.Query()); err != nil {
		writeError(w, Errorf(CodeBadRequest, "failed to decode query: %v", err), a.logger)
		return
	}
	cname := r.PathValue("cname")
	if cname == "" {
		cname = params.Controller
	}

	tasks, err := a.backend.ListDeferred(r.Context(), cname)
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	a.writeJSON(w, tasks)
}

func (a *App) handleCancelDeferred(w http.ResponseWriter, r *http.Request) {
	if err := a.backend.CancelDeferred(); err != nil {
		writeError(w, err, a.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleDownstreams(w http.ResponseWriter, r *http.Request) {
	var fleet FleetQuery
	if err := a.decodeBody(w, r, &fleet, true); err != nil {
		writeError(w, err, a.logger)
		return
	}
	chunks := a.backend.DownstreamFleet(r.Context(), fleet)
	WriteChunkedList(w, r, chunks, a.streamWriteTimeout, a.logger)
}

func (a *App) handleDownstream(w http.ResponseWriter, r *http.Request) {
	var query State
	if err := a.decodeBody(w, r, &query, false); err != nil {
		writeError(w, err, a.logger)
		return
	}
	chunks, err := a.backend.Downstream(r.Context(), r.PathValue("cname"), query)
	if err != nil {
		writeError(w, err, a.logger)
		return
	}
	WriteChunkedList(w, r, chunks, a.streamWriteTimeout, a.logger)
}

// decodeBody decodes a JSON request body into v, enforcing the body size
// limit. An empty body decodes to the zero value. When validateStruct is
// set, the decoded value is run through the request validator.
func (a *App) decodeBody(w http.ResponseWriter, r *http.Request, v any, validateStruct bool) error {
	if r.Body != nil {
		if a.maxRequestBodySize > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, int64(a.maxRequestBodySize))
		}
		if err := json.NewDecoder(r.Body).Decode(v); err != nil {
			// Empty body (EOF) is OK - treat as empty request
			if !errors.Is(err, io.EOF) {
				return Errorf(CodeBadRequest, "failed to decode body: %v", err)
			}
		}
	}
	if validateStruct {
		if err := validate.Struct(v); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Response may be partially written, nothing we can do. Log for debugging.
		a.log().Error("failed to encode response", slog.Any("error", err))
	}
}

func (a *App) log() *slog.Logger {
	if a.logger != nil {
		return a.logger
	}
	return slog.Default()
}

// baseURL reconstructs the externally visible root URL of the request.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/", scheme, r.Host)
}
