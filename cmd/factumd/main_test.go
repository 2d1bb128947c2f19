package main

import (
	"context"
	"net/http"
	"os"
	"testing"

	"factum/pkg/config"
	"factum/pkg/fork"
)

// withEnv sets environment variables for the duration of a test, restoring
// whatever was there before (or unsetting it) on cleanup.
func withEnv(t *testing.T, kv map[string]string) {
	t.Helper()
	for k, v := range kv {
		old, had := os.LookupEnv(k)
		if v == "" {
			os.Unsetenv(k)
		} else {
			os.Setenv(k, v)
		}
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		})
	}
}

func TestRunWithInMemoryBackend(t *testing.T) {
	withEnv(t, map[string]string{
		"DATABASE_URL": "",
		"REDIS_ADDR":   "",
		"AUTH_MODE":    "off",
		"ENVIRONMENT":  "test",
	})

	origInit, origListen := initTelemetry, listen
	t.Cleanup(func() { initTelemetry, listen = origInit, origListen })

	initTelemetry = func(ctx context.Context, name string) (func(context.Context) error, error) {
		return func(context.Context) error { return nil }, nil
	}
	var gotAddr string
	listen = func(server *http.Server) error {
		gotAddr = server.Addr
		return nil
	}

	if err := run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if gotAddr == "" {
		t.Fatal("expected listen to be invoked with a configured server")
	}
}

func TestRunPropagatesTelemetryError(t *testing.T) {
	origInit, origListen := initTelemetry, listen
	t.Cleanup(func() { initTelemetry, listen = origInit, origListen })

	initTelemetry = func(ctx context.Context, name string) (func(context.Context) error, error) {
		return nil, errFailingOtel
	}
	listen = func(server *http.Server) error { return nil }

	if err := run(context.Background()); err == nil {
		t.Fatal("expected run to propagate the telemetry init error")
	}
}

var errFailingOtel = fakeErr("otel init failed")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestOpenBackendChoosesMemoryWhenNoDatabaseURL(t *testing.T) {
	b, err := openBackend(context.Background(), config.Config{})
	if err != nil {
		t.Fatalf("openBackend: %v", err)
	}
	defer b.Close()
	if b.pool != nil {
		t.Fatal("expected a nil pool for the in-memory backend")
	}
}

func TestBuildForkPassThroughReturnsNil(t *testing.T) {
	fk, err := buildFork(config.Config{ForkMode: fork.PassThrough}, nil, nil)
	if err != nil {
		t.Fatalf("buildFork: %v", err)
	}
	if fk != nil {
		t.Fatal("expected a nil fork for pass-through mode")
	}
}

func TestBuildRemoteSinkPrefersKafkaOverWire(t *testing.T) {
	withEnv(t, map[string]string{
		"FACTUM_KAFKA_BROKERS":  "localhost:9092",
		"FACTUM_KAFKA_TOPIC":    "facts",
		"FACTUM_REMOTE_ENDPOINT": "http://peer.example",
	})
	sink, err := buildRemoteSink()
	if err != nil {
		t.Fatalf("buildRemoteSink: %v", err)
	}
	if _, ok := sink.(*fork.KafkaSink); !ok {
		t.Fatalf("expected a KafkaSink, got %T", sink)
	}
}

func TestBuildRemoteSinkFallsBackToWireClient(t *testing.T) {
	withEnv(t, map[string]string{
		"FACTUM_KAFKA_BROKERS":  "",
		"FACTUM_REMOTE_ENDPOINT": "http://peer.example",
	})
	sink, err := buildRemoteSink()
	if err != nil {
		t.Fatalf("buildRemoteSink: %v", err)
	}
	if _, ok := sink.(wireRemoteSink); !ok {
		t.Fatalf("expected a wireRemoteSink, got %T", sink)
	}
}

func TestBuildRemoteSinkNoneConfigured(t *testing.T) {
	withEnv(t, map[string]string{
		"FACTUM_KAFKA_BROKERS":   "",
		"FACTUM_REMOTE_ENDPOINT": "",
	})
	sink, err := buildRemoteSink()
	if err != nil {
		t.Fatalf("buildRemoteSink: %v", err)
	}
	if sink != nil {
		t.Fatalf("expected no remote sink, got %T", sink)
	}
}

func TestBuildKeyStoreParsesStaticKeys(t *testing.T) {
	pub := "beefbeefbeefbeefbeefbeefbeefbeefbeefbeefbeefbeefbeefbeefbeefbeef"
	withEnv(t, map[string]string{
		"VAULT_ADDR":        "",
		"FACTUM_STATIC_KEYS": "device-1=" + pub,
	})
	keys, err := buildKeyStore()
	if err != nil {
		t.Fatalf("buildKeyStore: %v", err)
	}
	if keys == nil {
		t.Fatal("expected a non-nil key store")
	}
}

func TestBuildKeyStoreRejectsMalformedEntry(t *testing.T) {
	withEnv(t, map[string]string{
		"VAULT_ADDR":        "",
		"FACTUM_STATIC_KEYS": "device-1-missing-equals",
	})
	if _, err := buildKeyStore(); err == nil {
		t.Fatal("expected a malformed FACTUM_STATIC_KEYS entry to error")
	}
}

func TestBuildKeyStoreDisabledWhenUnset(t *testing.T) {
	withEnv(t, map[string]string{"VAULT_ADDR": "", "FACTUM_STATIC_KEYS": ""})
	keys, err := buildKeyStore()
	if err != nil {
		t.Fatalf("buildKeyStore: %v", err)
	}
	if keys != nil {
		t.Fatal("expected a nil key store when nothing is configured")
	}
}

func TestEnvIntFallsBackOnUnparseable(t *testing.T) {
	withEnv(t, map[string]string{"FACTUM_TEST_INT": "not-a-number"})
	if got := envInt("FACTUM_TEST_INT", 42); got != 42 {
		t.Fatalf("expected fallback 42, got %d", got)
	}
}

func TestEnvIntParsesValue(t *testing.T) {
	withEnv(t, map[string]string{"FACTUM_TEST_INT": "7"})
	if got := envInt("FACTUM_TEST_INT", 42); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}
