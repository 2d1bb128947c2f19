package wire

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"factum/pkg/auth"
	"factum/pkg/authz"
	"factum/pkg/fact"
	"factum/pkg/httpx"
	"factum/pkg/observe"
	"factum/pkg/query"
	"factum/pkg/ratelimit"
	"factum/pkg/store"
	"factum/pkg/stream"
	"factum/pkg/telemetry"
)

// statusRecorder captures the status code a handler wrote, the same way
// cmd/gateway's own metrics middleware does, so one wrapper can feed both
// access logging and the counters registry.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush and Hijack pass through to the wrapped writer, so feed lines
// reach the client as they are written and /events can upgrade.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(s.ResponseWriter).Hijack()
}

// Server exposes a Storage, an authorization Engine, and an observable
// Source over HTTP: POST /facts, GET /feeds/{name}, POST /load, plus the
// operational /health and /metrics endpoints cmd/gateway also carries
// alongside its domain routes.
type Server struct {
	Storage store.Storage
	Authz   *authz.Engine
	Source  *observe.Source
	Metrics *telemetry.Registry

	// Signatures, when set, requires every incoming fact to carry at
	// least one signature that verifies against a key this store
	// resolves. Nil disables signature checking entirely, the same
	// nil-disables convention Authz uses.
	Signatures auth.KeyStore

	// Feeds maps a feed name to the step query it streams.
	Feeds map[string]store.FeedDescriptor

	// MaxRequestBodyBytes caps inbound bodies, mirroring
	// cmd/gateway's limitRequestBodyMiddleware.
	MaxRequestBodyBytes int64

	// ServiceName tags the OpenTelemetry HTTP middleware.
	ServiceName string

	// RateLimit, when set, throttles POST /facts per session token (or
	// per remote address for unauthenticated callers). Nil disables
	// throttling entirely, the same nil-disables convention Authz and
	// Signatures use.
	RateLimit ratelimit.Limiter

	// SaveRateLimitPerMinute is the limit passed to RateLimit.Allow.
	// Zero is treated as "1 per window" by the limiter implementations,
	// so a caller that wants throttling on must also set this.
	SaveRateLimitPerMinute int

	// Events, when set, fans a coarse "facts were saved" notification
	// out to every open GET /events websocket connection after a
	// successful save. It is deliberately coarser than the per-feed
	// NDJSON stream: a client uses it as a nudge to reopen its feed
	// rather than as a source of the facts themselves.
	Events *stream.Hub

	// WSAllowedOrigins restricts which browser origins may open the
	// /events websocket, the same allowlist shape CORSAllowedOrigins
	// uses for the REST routes. Empty means same-origin only.
	WSAllowedOrigins []string
}

// NewServer constructs a Server with sane defaults for optional fields.
func NewServer(storage store.Storage, engine *authz.Engine, source *observe.Source) *Server {
	return &Server{
		Storage:             storage,
		Authz:               engine,
		Source:              source,
		Metrics:             telemetry.NewRegistry(),
		Feeds:               map[string]store.FeedDescriptor{},
		MaxRequestBodyBytes: 8 << 20,
		ServiceName:         "factumd",
		Events:              stream.NewHub(),
	}
}

// Router builds the chi router, matching cmd/gateway/main.go's
// router-construction style: security headers and CORS first, then
// metrics and tracing, then the domain routes.
func (s *Server) Router(corsAllowedOrigins string) http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(corsAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware(s.ServiceName))
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.Metrics.MetricsHandler())

	r.Post("/facts", s.handleSaveFacts)
	r.Get("/feeds/{name}", s.handleFeed)
	r.Post("/load", s.handleLoad)
	r.Get("/events", s.handleEvents)
	return r
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		s.Metrics.Observe(path, rec.code, elapsed)
		s.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

// sessionUser resolves the caller's fact reference from a bearer session
// token via the login map. A missing or unknown token resolves to the
// zero Reference, which no authorization rule should ever consider a
// match, so unauthenticated callers fall through to whatever a fact
// type's rules decide for an unrecognized user.
func (s *Server) sessionUser(r *http.Request) fact.Reference {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" {
		return fact.Reference{}
	}
	login, err := s.Storage.LoadLogin(r.Context(), token)
	if err != nil {
		return fact.Reference{}
	}
	return login.UserFact
}

// rateLimitKey groups requests by session token when one is presented,
// falling back to the remote address so unauthenticated callers still
// get throttled rather than sharing one unbounded bucket.
func rateLimitKey(r *http.Request) string {
	if token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")); token != "" {
		return "token:" + token
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// handleSaveFacts implements POST /facts: 201 on success, 403 on
// authorization rejection, 429 once the caller's rate limit bucket is
// exhausted, 4xx other reported as-is. A request without a session token
// is not rejected here; it is authorized as the zero user.
func (s *Server) handleSaveFacts(w http.ResponseWriter, r *http.Request) {
	if s.RateLimit != nil {
		decision := s.RateLimit.Allow(rateLimitKey(r), s.SaveRateLimitPerMinute)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		if !decision.Allowed {
			s.Metrics.IncSaveForbidden()
			httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var envelopes []fact.Envelope
	if err := json.Unmarshal(body, &envelopes); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid envelope batch")
		return
	}
	if len(envelopes) == 0 {
		httpx.WriteJSON(w, http.StatusCreated, []fact.Envelope{})
		return
	}

	ctx := r.Context()
	user := s.sessionUser(r)

	refs := make([]fact.Reference, 0, len(envelopes))
	for _, env := range envelopes {
		ref, err := fact.RefOf(env.Fact)
		if err != nil {
			httpx.Error(w, http.StatusBadRequest, "malformed fact")
			return
		}
		refs = append(refs, ref)
	}
	existing, err := s.Storage.WhichExist(ctx, refs)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "storage error")
		return
	}
	known := make(map[fact.Reference]bool, len(existing))
	for _, ref := range existing {
		known[ref] = true
	}

	for i, env := range envelopes {
		if known[refs[i]] {
			continue
		}
		if s.Signatures != nil {
			if _, err := auth.VerifyAny(ctx, env.Fact, env.Signatures, s.Signatures); err != nil {
				s.Metrics.IncSaveForbidden()
				httpx.Error(w, http.StatusForbidden, "signature verification failed")
				return
			}
		}
		if s.Authz != nil {
			if err := s.Authz.Authorize(ctx, env.Fact.Type, refs[i], envelopes, user); err != nil {
				s.Metrics.IncSaveForbidden()
				httpx.Error(w, http.StatusForbidden, "not authorized")
				return
			}
		}
	}

	written, err := s.Storage.Save(ctx, envelopes)
	if err != nil {
		s.Metrics.IncSaveTransportFailed()
		httpx.Error(w, http.StatusInternalServerError, "storage error")
		return
	}
	s.Metrics.IncSaveAccepted(len(written))
	if s.Source != nil && len(written) > 0 {
		s.Source.Notify(ctx, written)
	}
	if s.Events != nil && len(written) > 0 {
		s.Events.Publish(stream.NewEvent("saved", map[string]int{"count": len(written)}))
	}
	httpx.WriteJSON(w, http.StatusCreated, written)
}

// handleEvents implements GET /events: a websocket that emits a "saved"
// notification each time handleSaveFacts writes at least one new fact.
// It carries no fact payload, only a nudge; a client uses it to decide
// when to reopen GET /feeds/{name} rather than to learn what changed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(s.WSAllowedOrigins) > 0 {
		opts.OriginPatterns = s.WSAllowedOrigins
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

// handleFeed implements GET /feeds/{name}: an NDJSON stream of FeedLine
// values, one page per newly relevant batch, until the client
// disconnects. Clients are expected to close and reopen periodically
// with the resumed bookmark rather than hold one connection forever;
// pkg/subscriber does this every forceReconnectAfter.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	fd, ok := s.Feeds[name]
	if !ok {
		httpx.Error(w, http.StatusNotFound, "unknown feed")
		return
	}
	accept := r.Header.Get("Accept")
	if accept != "" && accept != FeedStreamMediaType && accept != "*/*" {
		httpx.Error(w, http.StatusNotAcceptable, "unsupported accept type")
		return
	}

	startRefs, err := parseStartRefs(r)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid start references")
		return
	}
	bookmark := r.URL.Query().Get("bookmark")

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", FeedStreamMediaType)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	enc := json.NewEncoder(w)

	emit := func(force bool) bool {
		page, err := s.Storage.Feed(ctx, fd, startRefs, bookmark)
		if err != nil {
			return false
		}
		if !force && len(page.References) == 0 && page.NextBookmark == bookmark {
			return true
		}
		bookmark = page.NextBookmark
		if err := enc.Encode(FeedLine{References: page.References, Bookmark: bookmark}); err != nil {
			return false
		}
		if canFlush {
			flusher.Flush()
		}
		return true
	}
	// A subscriber's initialization barrier needs one line on the wire even
	// when nothing matches yet, so the first page is always forced; later
	// pages are only sent when something actually changed.
	if !emit(true) {
		return
	}

	if s.Source == nil {
		return
	}
	updates := make(chan struct{}, 1)
	sub := &feedNotifier{updates: updates}
	s.Source.Register(sub)
	s.Metrics.AddActiveSubscriptions(1)
	defer func() {
		s.Source.Unregister(sub)
		s.Metrics.AddActiveSubscriptions(-1)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			if !emit(false) {
				return
			}
		}
	}
}

func parseStartRefs(r *http.Request) ([]fact.Reference, error) {
	raw := r.URL.Query().Get("start")
	if raw == "" {
		return nil, nil
	}
	var refs []fact.Reference
	if err := json.Unmarshal([]byte(raw), &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

// handleLoad implements POST /load: the ancestor closure of every
// requested reference.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req LoadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid load request")
		return
	}
	envelopes, err := s.Storage.Load(r.Context(), req.References)
	if err != nil {
		if _, ok := err.(*store.Corrupt); ok {
			httpx.Error(w, http.StatusInternalServerError, "ancestor closure inconsistent")
			return
		}
		httpx.Error(w, http.StatusNotFound, "reference not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, LoadResponse{Envelopes: envelopes})
}

// RegisteredFeed is a convenience for wiring a named feed at startup.
func RegisteredFeed(name string, q query.StepQuery) (string, store.FeedDescriptor) {
	return name, store.FeedDescriptor{Name: name, Query: q}
}
