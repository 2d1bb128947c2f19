// Command factumd runs the fact-store service: it accepts POST /facts,
// serves reference-closure loads and reactive feed streams, and
// optionally forwards writes to an upstream peer or a Kafka topic. The
// process wiring below follows cmd/gateway/main.go's shape: read every
// setting from the environment with defaulting helpers, build a flat
// Server, mount routes on a chi.Router, and hand it to net/http.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"factum/pkg/audit"
	"factum/pkg/auth"
	"factum/pkg/authz"
	"factum/pkg/config"
	"factum/pkg/fact"
	"factum/pkg/factmanager"
	"factum/pkg/fork"
	"factum/pkg/hardening"
	"factum/pkg/observe"
	"factum/pkg/ratelimit"
	"factum/pkg/store"
	"factum/pkg/subscriber"
	"factum/pkg/telemetry"
	"factum/pkg/wire"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Testable indirections, the same pattern cmd/gateway/main.go uses so
// main_test.go can substitute fakes for the network-touching steps.
var (
	logFatalf     = log.Fatalf
	initTelemetry = telemetry.Init
	openPostgres  = func(ctx context.Context) (*pgxpool.Pool, error) { return store.NewPostgresPool(ctx) }
	openRedis     = store.NewRedis
	listen        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := run(context.Background()); err != nil {
		logFatalf("factumd: %v", err)
	}
}

func run(ctx context.Context) error {
	shutdown, err := initTelemetry(ctx, "factumd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Service:            "factumd",
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          cfg.RedisAddr,
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
	}); err != nil {
		return err
	}

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer backend.Close()

	engine := authz.NewEngine(backend.storage.GraphReader(), cfg.AuthzDefaultAllow)
	if err := registerAuthzRules(engine); err != nil {
		return fmt.Errorf("authz rules: %w", err)
	}

	source := observe.NewSource()

	fk, err := buildFork(cfg, backend.storage, backend.pool)
	if err != nil {
		return fmt.Errorf("fork: %w", err)
	}
	if fk != nil {
		defer fk.Stop()
	}

	keys, err := buildKeyStore()
	if err != nil {
		return fmt.Errorf("keystore: %w", err)
	}

	// Manager is the library-facing coordinator: it owns the fork so
	// facts pulled in through a subscribed upstream feed (Ingest) are
	// relayed onward the same way locally-written ones are. The HTTP
	// surface below (wire.Server) talks to backend.storage directly for
	// inbound saves, per the boundary split recorded in DESIGN.md.
	mgr := factmanager.New(backend.storage, source)
	mgr.Authz = engine
	mgr.Signatures = keys
	mgr.Fork = fk
	if backend.pool != nil {
		mgr.Audit = &audit.Writer{DB: backend.pool, Redact: env("FACTUM_AUDIT_REDACT", "false") == "true"}
	}
	if err := subscribeConfiguredFeeds(ctx, mgr); err != nil {
		return fmt.Errorf("feed subscriptions: %w", err)
	}

	s := wire.NewServer(backend.storage, engine, source)
	s.Signatures = keys
	for name, fd := range loadFeedDescriptors() {
		s.Feeds[name] = fd
	}
	if perMinute := envInt("FACTUM_SAVE_RATE_LIMIT_PER_MINUTE", 0); perMinute > 0 {
		s.RateLimit = buildRateLimiter(ctx, cfg)
		s.SaveRateLimitPerMinute = perMinute
	}
	s.WSAllowedOrigins = wsOriginPatterns(env("WS_ALLOWED_ORIGINS", ""))

	inner := s.Router(env("CORS_ALLOWED_ORIGINS", ""))
	r := chi.NewRouter()
	authMode := env("AUTH_MODE", "off")
	if authMode == "off" {
		r.Mount("/", inner)
	} else {
		authTimeout := time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000))
		r.With(auth.Middleware(
			authMode,
			env("OIDC_HS256_SECRET", ""),
			auth.WithJWKS(env("OIDC_JWKS_URL", "")),
			auth.WithIssuer(env("OIDC_ISSUER", "")),
			auth.WithAudience(env("OIDC_AUDIENCE", "")),
			auth.WithTimeout(authTimeout),
		)).Mount("/", inner)
	}

	addr := env("ADDR", ":8090")
	log.Printf("factumd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTPTimeout(),
		WriteTimeout:      cfg.HTTPTimeout(),
		IdleTimeout:       120 * time.Second,
	}
	return listen(server)
}

type backend struct {
	storage store.Storage
	pool    *pgxpool.Pool // nil for the in-memory backend
	Close   func()
}

// openBackend chooses Postgres-plus-Redis-cache when DATABASE_URL is
// configured and falls back to the in-memory store otherwise, the same
// decision cmd/gateway makes implicitly by always requiring Postgres;
// factumd is meant to also run standalone for development and tests,
// so the in-memory path is a first-class option rather than a stopgap.
func openBackend(ctx context.Context, cfg config.Config) (*backend, error) {
	if cfg.DatabaseURL == "" {
		return &backend{storage: store.NewMemoryStore(), Close: func() {}}, nil
	}
	pool, err := openPostgres(ctx)
	if err != nil {
		return nil, err
	}
	pg := store.NewPostgresStore(pool)

	var storage store.Storage = pg
	closeFns := []func(){pool.Close}
	if cfg.RedisAddr != "" {
		redisClient, err := openRedis(ctx)
		if err != nil {
			log.Printf("redis unavailable, running without a read cache: %v", err)
		} else {
			cache := store.NewCache(ctx, redisClient)
			storage = store.NewCachedStore(pg, cache)
			closeFns = append(closeFns, func() { _ = redisClient.Close() })
		}
	}
	return &backend{
		storage: storage,
		pool:    pool,
		Close: func() {
			for i := len(closeFns) - 1; i >= 0; i-- {
				closeFns[i]()
			}
		},
	}, nil
}

// buildFork wires the outbox described by cfg.ForkMode. PassThrough
// needs no remote at all: Server.Storage stays the bare backend and
// buildFork returns nil. Transient and Persistent forward to whichever
// remote sink is configured (a wire.Client peer or a Kafka topic),
// falling back to PassThrough if neither is configured since a queue
// with nowhere to drain is a misconfiguration, not silently dropped
// writes. Persistent mode backs its queue with pool's outbox table when
// a Postgres backend is in play, so a not-yet-delivered envelope survives
// a factumd restart instead of vanishing with the in-memory default.
func buildFork(cfg config.Config, local store.Storage, pool *pgxpool.Pool) (*fork.Fork, error) {
	if cfg.ForkMode == fork.PassThrough {
		return nil, nil
	}
	remote, err := buildRemoteSink()
	if err != nil {
		return nil, err
	}
	if remote == nil {
		log.Printf("fork mode %v requested but no remote sink configured, running pass-through", cfg.ForkMode)
		return nil, nil
	}
	if cfg.ForkMode == fork.Persistent && pool != nil {
		return fork.NewWithOutbox(cfg.ForkMode, local, remote, fork.NewPostgresOutboxStore(pool)), nil
	}
	return fork.New(cfg.ForkMode, local, remote), nil
}

func buildRemoteSink() (fork.RemoteSink, error) {
	if brokers := env("FACTUM_KAFKA_BROKERS", ""); brokers != "" {
		return fork.NewKafkaSink(fork.KafkaConfig{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("FACTUM_KAFKA_TOPIC", "facts"),
		})
	}
	if endpoint := env("FACTUM_REMOTE_ENDPOINT", ""); endpoint != "" {
		client := wire.NewClient(endpoint, wire.StaticCredentials{Token_: env("FACTUM_REMOTE_TOKEN", "")})
		return wireRemoteSink{client: client}, nil
	}
	return nil, nil
}

// wireRemoteSink adapts wire.Client's request/response Save to the
// fire-and-forget Send shape fork.RemoteSink wants; the fork's own
// outbox already carries retry and backoff, so a failed Send just
// returns the error for it to requeue rather than surfacing a result.
type wireRemoteSink struct {
	client *wire.Client
}

func (w wireRemoteSink) Send(ctx context.Context, envelopes []fact.Envelope) error {
	_, err := w.client.Save(ctx, envelopes)
	return err
}

// buildRateLimiter shares a single sliding window across every factumd
// replica when Redis is configured, and degrades to a process-local
// window otherwise; a Redis outage falls through to that same in-memory
// window rather than failing the request, mirroring the fail-open
// posture pkg/store.CachedStore uses for cache misses.
func buildRateLimiter(ctx context.Context, cfg config.Config) ratelimit.Limiter {
	window := time.Minute
	if cfg.RedisAddr == "" {
		return ratelimit.NewInMemory(window)
	}
	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("rate limiter falling back to in-memory, redis unavailable: %v", err)
		return ratelimit.NewInMemory(window)
	}
	return ratelimit.NewRedis(redisClient, window)
}

// buildKeyStore resolves signing keys from Vault Transit when
// configured, or a fixed set of hex-encoded Ed25519 public keys read
// from the environment for development and tests. Nil disables
// signature checking entirely.
func buildKeyStore() (auth.KeyStore, error) {
	if addr := env("VAULT_ADDR", ""); addr != "" {
		return auth.VaultTransitKeyStore{
			Addr:       addr,
			Token:      env("VAULT_TOKEN", ""),
			Namespace:  env("VAULT_NAMESPACE", ""),
			Transit:    env("VAULT_TRANSIT_MOUNT", "transit"),
			KeyPrefix:  env("VAULT_KEY_PREFIX", ""),
			Timeout:    time.Millisecond * time.Duration(envInt("VAULT_KEY_LOOKUP_TIMEOUT_MS", 1500)),
			MaxRetries: envInt("VAULT_KEY_LOOKUP_RETRIES", 1),
			RetryDelay: time.Millisecond * time.Duration(envInt("VAULT_KEY_LOOKUP_RETRY_DELAY_MS", 100)),
		}, nil
	}
	raw := env("FACTUM_STATIC_KEYS", "")
	if raw == "" {
		return nil, nil
	}
	keys := auth.NewStaticKeyStore()
	for _, entry := range strings.Split(raw, ",") {
		kid, hexKey, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			return nil, fmt.Errorf("factumd: malformed FACTUM_STATIC_KEYS entry %q, want kid=hexkey", entry)
		}
		pubBytes, err := hex.DecodeString(hexKey)
		if err != nil || len(pubBytes) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("factumd: invalid public key for kid %q", kid)
		}
		keys.Put(auth.KeyRecord{Kid: kid, Signer: kid, PublicKey: ed25519.PublicKey(pubBytes), Status: "active"})
	}
	return keys, nil
}

// subscribeConfiguredFeeds opens a long-lived subscription for each
// FACTUM_SUBSCRIBE_FEEDS entry against FACTUM_REMOTE_ENDPOINT, mirroring
// cmd/gateway's pattern of proxying named upstream resources rather than
// re-deriving them locally. A feed name with no configured remote is a
// startup error: a dangling subscription request would otherwise be
// silently ignored.
func subscribeConfiguredFeeds(ctx context.Context, mgr *factmanager.Manager) error {
	names := strings.Split(env("FACTUM_SUBSCRIBE_FEEDS", ""), ",")
	endpoint := env("FACTUM_REMOTE_ENDPOINT", "")
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if endpoint == "" {
			return fmt.Errorf("factumd: FACTUM_SUBSCRIBE_FEEDS names %q but FACTUM_REMOTE_ENDPOINT is unset", name)
		}
		client := wire.NewClient(endpoint, wire.StaticCredentials{Token_: env("FACTUM_REMOTE_TOKEN", "")})
		transport := subscriber.NewWireHTTPTransport(client, nil)
		resolver := subscriber.WireResolver{Client: client}
		sub := subscriber.New(name, transport, resolver, mgr, mgr)
		if err := mgr.Subscribe(ctx, name, func() *subscriber.Subscriber { return sub }); err != nil {
			return fmt.Errorf("factumd: subscribe %q: %w", name, err)
		}
	}
	return nil
}

// registerAuthzRules is a placeholder for deployment-specific policy;
// factumd ships permissive-by-default (cfg.AuthzDefaultAllow) with no
// built-in rule set, since fact-type authorization is inherently
// domain-specific and belongs in a caller's own bootstrap rather than
// hardcoded here.
func registerAuthzRules(engine *authz.Engine) error {
	_ = engine
	return nil
}

// loadFeedDescriptors is a placeholder for deployment-specific feed
// definitions; step queries describing named feeds are inherently
// domain-specific and belong in a caller's own bootstrap.
func loadFeedDescriptors() map[string]store.FeedDescriptor {
	return map[string]store.FeedDescriptor{}
}

// wsOriginPatterns turns a comma-separated WS_ALLOWED_ORIGINS value into
// the host-pattern list websocket.AcceptOptions expects.
func wsOriginPatterns(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := env(k, ""); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}
