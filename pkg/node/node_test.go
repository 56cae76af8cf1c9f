package node

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"ouka/pkg/config"
	"ouka/pkg/federation"
	"ouka/pkg/server"
	"ouka/pkg/storage"
	"ouka/pkg/types"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Host = "node.example"
	return cfg
}

func newTestNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNewMemoryBackends(t *testing.T) {
	n := newTestNode(t, testConfig())

	mem, ok := n.accounts.(*storage.Memory)
	require.True(t, ok, "accounts = %T, want *storage.Memory", n.accounts)
	cache, ok := n.cache.(*storage.Memory)
	require.True(t, ok, "cache = %T, want *storage.Memory", n.cache)
	assert.Same(t, mem, cache)
	assert.Empty(t, n.checks)
	assert.Equal(t, "node.example", n.Directory().Node().Host)
}

func TestNewRejectsBackends(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *config.Config)
		wantError string
	}{
		{"unknown storage", func(c *config.Config) { c.Storage.Backend = "sqlite" }, "unsupported storage backend"},
		{"unknown cache", func(c *config.Config) { c.Cache.Backend = "memcached" }, "unsupported cache backend"},
		{"postgres cache on memory store", func(c *config.Config) { c.Cache.Backend = config.BackendPostgres }, "requires the postgres storage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := New(context.Background(), cfg, nil)
			if err == nil {
				t.Fatalf("Expected error containing %q", tt.wantError)
			}
			assert.Contains(t, err.Error(), tt.wantError)
		})
	}
}

func TestNodeServesProvisionedAccount(t *testing.T) {
	n := newTestNode(t, testConfig())

	account, err := n.Provisioner().OnUserCreated(context.Background(), types.User{
		UID:           "u-alice",
		Email:         "alice@mail.example",
		EmailVerified: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", account.Userpart)

	rec := httptest.NewRecorder()
	n.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/webfinger?resource=acct:alice@node.example", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "https://node.example/ap/accounts/@alice")

	rec = httptest.NewRecorder()
	n.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
	assert.Contains(t, rec.Body.String(), "federation_delivery_queue_depth")
}

func TestNodeRefusesBlockedDomains(t *testing.T) {
	cfg := testConfig()
	cfg.BlockedDomains = []string{"spam.example"}
	n := newTestNode(t, cfg)

	_, err := n.Directory().Resolve(context.Background(), "https://spam.example/users/x")
	assert.ErrorIs(t, err, federation.ErrBlockedDomain)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Listen = freeAddr(t)
	n := newTestNode(t, cfg)

	done := make(chan error, 1)
	go func() { done <- n.Start() }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Listen + "/health")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Stop(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	n := newTestNode(t, testConfig())
	calls := 0
	n.closers = append(n.closers, func() error { calls++; return nil })

	assert.NoError(t, n.Close())
	assert.NoError(t, n.Close())
	assert.Equal(t, 1, calls)
}

func TestCheckBackendsLogsTransitions(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	var pingErr error
	n := &Node{
		logger:  zap.New(core),
		metrics: federation.NewMetrics(prometheus.NewRegistry()),
		ctx:     context.Background(),
		checks: map[string]server.Check{
			"redis": func(ctx context.Context) error { return pingErr },
		},
	}
	state := make(map[string]bool)

	n.checkBackends(state)
	assert.Equal(t, 0, logs.Len(), "healthy first check should not log")

	pingErr = errors.New("connection refused")
	n.checkBackends(state)
	n.checkBackends(state)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "Backend unreachable", logs.All()[0].Message)
	assert.Equal(t, 0.0, testutil.ToFloat64(n.metrics.BackendUp.WithLabelValues("redis")))

	pingErr = nil
	n.checkBackends(state)
	n.checkBackends(state)
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "Backend recovered", logs.All()[1].Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(n.metrics.BackendUp.WithLabelValues("redis")))
}

func TestCheckBackendsUnreachableAtStartup(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	n := &Node{
		logger: zap.New(core),
		ctx:    context.Background(),
		checks: map[string]server.Check{
			"postgres": func(ctx context.Context) error { return errors.New("dial tcp: refused") },
		},
	}

	n.checkBackends(make(map[string]bool))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "postgres", logs.All()[0].ContextMap()["backend"])
}
