package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"SynthLedger/internal/core"
	"SynthLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

// StartHTTPGateway serves the JSON API, health and readiness (blocking).
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// HTTPHandler builds the gateway: /healthz and /readyz bypass the rate
// limiter, everything else goes through it.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	h := s.deps.Handlers

	routes := []struct {
		method, pattern string
		fn              runtime.HandlerFunc
	}{
		{"POST", "/v1/commands/{type}", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				writeError(w, fmt.Errorf("%w: read body: %v", errBadRequest, err))
				return
			}
			resp, err := h.Submit(r.Context(), p["type"], body)
			writeResult(w, resp, err)
		}},
		{"GET", "/v1/positions", func(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
			writeJSON(w, http.StatusOK, map[string]interface{}{"positions": h.Positions()})
		}},
		{"GET", "/v1/positions/{sponsor}", func(w http.ResponseWriter, _ *http.Request, p map[string]string) {
			pos, err := h.Position(p["sponsor"])
			writeResult(w, pos, err)
		}},
		{"GET", "/v1/positions/{sponsor}/liquidations", func(w http.ResponseWriter, _ *http.Request, p map[string]string) {
			liqs, err := h.Liquidations(p["sponsor"])
			writeResult(w, map[string]interface{}{"liquidations": liqs}, err)
		}},
		{"GET", "/v1/positions/{sponsor}/liquidations/{id}", func(w http.ResponseWriter, _ *http.Request, p map[string]string) {
			liq, err := h.Liquidation(p["sponsor"], p["id"])
			writeResult(w, liq, err)
		}},
		{"GET", "/v1/balances/{party}", func(w http.ResponseWriter, _ *http.Request, p map[string]string) {
			bal, err := h.Balance(p["party"])
			writeResult(w, bal, err)
		}},
		{"GET", "/v1/balances/{party}/journals", func(w http.ResponseWriter, r *http.Request, p map[string]string) {
			limit, before, err := pageParams(r)
			if err != nil {
				writeError(w, err)
				return
			}
			entries, err := h.Journals(r.Context(), p["party"], limit, before)
			writeResult(w, map[string]interface{}{"journals": entries}, err)
		}},
		{"GET", "/v1/global", func(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
			g, err := h.Global()
			writeResult(w, g, err)
		}},
		{"GET", "/v1/params", func(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
			writeJSON(w, http.StatusOK, h.Params())
		}},
		{"GET", "/v1/integrity", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			report, err := h.Integrity(r.Context())
			writeResult(w, report, err)
		}},
		{"GET", "/v1/clock", func(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
			writeJSON(w, http.StatusOK, h.Now())
		}},
		{"POST", "/v1/clock", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
			var body struct {
				UnixTime int64 `json:"unix_time"`
			}
			if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
				writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
				return
			}
			now, err := h.SetTime(body.UnixTime)
			writeResult(w, now, err)
		}},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, rt.fn); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	limiter := newClientLimiter(s.deps.RateLimit, s.deps.RateBurst)

	httpMux := http.NewServeMux()
	if hc := s.deps.HealthChecker; hc != nil {
		httpMux.HandleFunc("/healthz", hc.LivenessHandler)
		httpMux.HandleFunc("/readyz", hc.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", s.observeHTTP(limiter.middleware(mux, s.deps.Metrics)))
	return httpMux, nil
}

func pageParams(r *http.Request) (limit int, before int64, err error) {
	before = -1
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil {
			return 0, 0, fmt.Errorf("%w: limit %q", errBadRequest, v)
		}
	}
	if v := q.Get("before_sequence"); v != "" {
		if before, err = strconv.ParseInt(v, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("%w: before_sequence %q", errBadRequest, v)
		}
	}
	return limit, before, nil
}

func writeResult(w http.ResponseWriter, v interface{}, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable"`
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Retryable: core.IsRetryable(err)}
	if k := core.KindOf(err); k != core.KindUnknown {
		body.Kind = k.String()
	}
	writeJSON(w, httpStatus(err), body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *GRPCServer) observeHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if m := s.deps.Metrics; m != nil {
			route := routeLabel(r.URL.Path)
			m.APIRequests.WithLabelValues("http", r.Method+" "+route, strconv.Itoa(rec.status)).Inc()
			m.APIDuration.WithLabelValues("http", r.Method+" "+route).Observe(time.Since(start).Seconds())
		}
		if rec.status >= http.StatusInternalServerError {
			s.log.Error().Str("method", r.Method).Str("path", r.URL.Path).Int("status", rec.status).Msg("http request failed")
		}
	})
}

// routeLabel collapses addresses and ids so metric cardinality stays bounded.
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if strings.HasPrefix(p, "0x") || isDigits(p) {
			parts[i] = "*"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*visitor
	lastGC   time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const visitorTTL = 5 * time.Minute

func newClientLimiter(perSecond float64, burst int) *clientLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		visitors: make(map[string]*visitor),
		lastGC:   time.Now(),
	}
}

func (l *clientLimiter) allow(id string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastGC) > visitorTTL {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(l.visitors, k)
			}
		}
		l.lastGC = now
	}
	v, ok := l.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *clientLimiter) middleware(next http.Handler, metrics *observability.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientID(r), time.Now()) {
			if metrics != nil {
				metrics.APIRateLimited.Inc()
			}
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: http.StatusText(http.StatusTooManyRequests), Retryable: true})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
