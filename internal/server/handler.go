package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/l0p7/tilegate/internal/tilecache"
)

// ServiceHolder publishes the live tile service. Reloads swap it atomically;
// requests already running keep the service they started with.
type ServiceHolder struct {
	current atomic.Pointer[tilecache.Service]
}

// NewServiceHolder returns a holder serving svc, which may be nil.
func NewServiceHolder(svc *tilecache.Service) *ServiceHolder {
	h := &ServiceHolder{}
	if svc != nil {
		h.current.Store(svc)
	}
	return h
}

// Load returns the live service or nil.
func (h *ServiceHolder) Load() *tilecache.Service { return h.current.Load() }

// Swap installs svc and returns the service it replaced.
func (h *ServiceHolder) Swap(svc *tilecache.Service) *tilecache.Service {
	return h.current.Swap(svc)
}

// RequestObserver records completed requests.
type RequestObserver interface {
	ObserveRequest(service, method string, statusCode int, duration time.Duration)
}

// HandlerOptions shapes how HTTP requests become engine requests.
type HandlerOptions struct {
	Logger *slog.Logger
	// BaseURL replaces the base URL derived from the request, prefix included.
	BaseURL string
	// PathPrefix must lead every request path and is removed before dispatch.
	PathPrefix        string
	CorrelationHeader string
	Limiter           *RateLimiter
	Metrics           RequestObserver
}

type handler struct {
	services *ServiceHolder
	opts     HandlerOptions
	logger   *slog.Logger
}

// NewHandler serves GET and HEAD requests from the live tile service.
func NewHandler(services *ServiceHolder, opts HandlerOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	opts.PathPrefix = strings.TrimRight(opts.PathPrefix, "/")
	if opts.CorrelationHeader == "" {
		opts.CorrelationHeader = "X-Request-ID"
	}
	return &handler{
		services: services,
		opts:     opts,
		logger:   logger.With(slog.String("agent", "http")),
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := strings.TrimSpace(r.Header.Get(h.opts.CorrelationHeader))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(h.opts.CorrelationHeader, requestID)
	logger := h.logger.With(slog.String("request_id", requestID))

	pathInfo, ok := h.pathInfo(r.URL.Path)
	service := serviceLabel(pathInfo)
	status := h.serve(w, r, logger, pathInfo, ok)

	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveRequest(service, r.Method, status, time.Since(start))
	}
	logger.Debug("request completed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)))
}

func (h *handler) serve(w http.ResponseWriter, r *http.Request, logger *slog.Logger, pathInfo string, routed bool) int {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		return writeText(w, r, http.StatusMethodNotAllowed, "method not allowed")
	}
	if !routed {
		return writeText(w, r, http.StatusNotFound, "not found")
	}
	if !h.opts.Limiter.Allow(r) {
		logger.Warn("rate limit exceeded", slog.String("client", clientKey(r)))
		return writeText(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	}
	svc := h.services.Load()
	if svc == nil {
		return writeText(w, r, http.StatusServiceUnavailable, "tile service unavailable")
	}

	resp, err := svc.Get(h.baseURL(r), pathInfo, r.URL.RawQuery).Wait(r.Context())
	if err != nil {
		if ctxErr := r.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			logger.Info("client went away", slog.String("path", r.URL.Path))
			return 499
		}
		kind, _ := tilecache.KindOf(err)
		logger.Error("tile request failed",
			slog.String("path", r.URL.Path),
			slog.String("kind", kind.String()),
			slog.Any("error", err))
		return writeText(w, r, http.StatusInternalServerError, err.Error())
	}

	header := w.Header()
	for _, name := range resp.Header.Names() {
		for _, value := range resp.Header.Values(name) {
			header.Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if r.Method != http.MethodHead {
		if _, err := w.Write(resp.Body); err != nil {
			logger.Debug("write response body", slog.Any("error", err))
		}
	}
	return resp.StatusCode
}

// pathInfo strips the configured prefix. Paths outside the prefix are not ours.
func (h *handler) pathInfo(path string) (string, bool) {
	if path == "" {
		path = "/"
	}
	prefix := h.opts.PathPrefix
	if prefix == "" {
		return path, true
	}
	if path == prefix {
		return "/", true
	}
	if rest, ok := strings.CutPrefix(path, prefix+"/"); ok {
		return "/" + rest, true
	}
	return "", false
}

func (h *handler) baseURL(r *http.Request) string {
	if h.opts.BaseURL != "" {
		return h.opts.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, h.opts.PathPrefix)
}

func serviceLabel(pathInfo string) string {
	first, _, _ := strings.Cut(strings.TrimPrefix(pathInfo, "/"), "/")
	switch strings.ToLower(first) {
	case "", "wms":
		return "wms"
	case "tms":
		return "tms"
	case "kml":
		return "kml"
	default:
		return "other"
	}
}

func writeText(w http.ResponseWriter, r *http.Request, status int, message string) int {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = fmt.Fprintln(w, message)
	}
	return status
}
