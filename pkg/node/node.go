// Package node assembles a federation node from its configuration: the
// account store and actor cache, the actor directory, outbound delivery,
// inbound verification, account provisioning and the HTTP server.
package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"ouka/pkg/auth"
	"ouka/pkg/client"
	"ouka/pkg/config"
	"ouka/pkg/delivery"
	"ouka/pkg/federation"
	"ouka/pkg/provisioning"
	"ouka/pkg/server"
	"ouka/pkg/storage"
)

const connectTimeout = 10 * time.Second

type Node struct {
	cfg    *config.Config
	logger *zap.Logger

	accounts storage.AccountRepository
	cache    federation.ActorCache
	checks   map[string]server.Check
	closers  []func() error

	registry    *prometheus.Registry
	metrics     *federation.Metrics
	directory   *federation.Directory
	dispatcher  *delivery.Dispatcher
	queue       *delivery.Queue
	verifier    *auth.Verifier
	provisioner *provisioning.Provisioner
	server      *server.Server

	healthInterval time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New connects the configured backends and wires every component. The
// returned node owns its backends; call Stop or Close to release them.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	nodeCtx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:            cfg,
		logger:         logger,
		checks:         make(map[string]server.Check),
		healthInterval: HealthInterval,
		ctx:            nodeCtx,
		cancel:         cancel,
	}

	connectCtx, cancelConnect := context.WithTimeout(ctx, connectTimeout)
	defer cancelConnect()
	if err := n.openBackends(connectCtx); err != nil {
		n.Close()
		return nil, err
	}

	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	n.metrics = federation.NewMetrics(n.registry)

	httpClient := client.New(cfg.HTTP, logger.Named("client"))

	policy, err := federation.NewDomainPolicy(cfg.BlockedDomains...)
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to build domain policy: %w", err)
	}

	n.directory = federation.NewDirectory(&federation.Node{Host: cfg.Host}, n.accounts, n.cache, httpClient, logger.Named("directory"))
	n.directory.SetTTL(cfg.Cache.TTL)
	n.directory.SetPolicy(policy)
	n.directory.SetMetrics(n.metrics)

	n.dispatcher = delivery.NewDispatcher(n.directory, httpClient, logger.Named("delivery"))
	n.dispatcher.SetBreaker(delivery.NewHostBreaker(cfg.Breaker, logger.Named("breaker")))
	n.dispatcher.SetMetrics(n.metrics)

	n.queue = delivery.NewQueue(n.dispatcher, cfg.Queue, logger.Named("queue"))
	n.queue.SetMetrics(n.metrics)

	n.verifier = auth.NewVerifier(n.directory, &cfg.Auth, logger.Named("auth"))
	n.verifier.SetMetrics(n.metrics)

	n.provisioner = provisioning.NewProvisioner(n.accounts, cfg.OwnerEmail, logger.Named("provisioning"))

	n.server = server.New(server.Options{
		Listen:       cfg.Listen,
		OutboxToken:  cfg.Auth.OutboxToken,
		MaxBodyBytes: cfg.Auth.MaxBodyBytes,
		TLS:          cfg.Auth.TLS,
		Gatherer:     n.registry,
		Checks:       n.checks,
	}, n.directory, n.verifier, n.queue, logger.Named("http"))

	return n, nil
}

func (n *Node) openBackends(ctx context.Context) error {
	var pg *storage.Postgres

	switch n.cfg.Storage.Backend {
	case config.BackendMemory:
		n.accounts = storage.NewMemory()
	case config.BackendPostgres:
		var err error
		pg, err = storage.NewPostgres(ctx, n.cfg.Storage.DSN)
		if err != nil {
			return err
		}
		n.closers = append(n.closers, func() error { pg.Close(); return nil })
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		n.accounts = pg
		n.checks["postgres"] = pg.Ping
	default:
		return fmt.Errorf("unsupported storage backend %q", n.cfg.Storage.Backend)
	}

	switch n.cfg.CacheBackend() {
	case config.BackendMemory:
		if mem, ok := n.accounts.(*storage.Memory); ok {
			n.cache = mem
		} else {
			n.cache = storage.NewMemory()
		}
	case config.BackendPostgres:
		if pg == nil {
			return errors.New("postgres cache requires the postgres storage backend")
		}
		n.cache = pg
	case config.BackendRedis:
		rdb, err := storage.DialRedis(ctx, n.cfg.Cache.RedisURL)
		if err != nil {
			return err
		}
		n.closers = append(n.closers, rdb.Close)
		cache := storage.NewRedisCache(rdb)
		n.cache = cache
		n.checks["redis"] = cache.Ping
	default:
		return fmt.Errorf("unsupported cache backend %q", n.cfg.CacheBackend())
	}

	n.logger.Info("Backends ready",
		zap.String("storage", string(n.cfg.Storage.Backend)),
		zap.String("cache", string(n.cfg.CacheBackend())))
	return nil
}

// Start launches the delivery workers and the backend health loop, then
// serves HTTP until Stop. It returns nil after a clean shutdown.
func (n *Node) Start() error {
	n.queue.Start()
	go n.healthLoop()

	n.logger.Info("Node starting",
		zap.String("host", n.cfg.Host),
		zap.String("listen", n.cfg.Listen),
		zap.Int("workers", n.cfg.Queue.Workers))

	return n.server.ListenAndServe()
}

// Stop drains in-flight requests, stops the delivery queue and closes the
// backends. Jobs already queued are delivered before Stop returns.
func (n *Node) Stop(ctx context.Context) error {
	n.cancel()

	err := n.server.Shutdown(ctx)
	if err != nil {
		err = fmt.Errorf("failed to shut down http server: %w", err)
	}
	n.queue.Stop()

	return errors.Join(err, n.Close())
}

// Close releases the backends without touching the server or the queue.
// Commands that never call Start use it instead of Stop.
func (n *Node) Close() error {
	var errs []error
	n.closeOnce.Do(func() {
		n.cancel()
		for i := len(n.closers) - 1; i >= 0; i-- {
			if err := n.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func (n *Node) Config() *config.Config { return n.cfg }

func (n *Node) Directory() *federation.Directory { return n.directory }

func (n *Node) Dispatcher() *delivery.Dispatcher { return n.dispatcher }

func (n *Node) Queue() *delivery.Queue { return n.queue }

func (n *Node) Provisioner() *provisioning.Provisioner { return n.provisioner }

func (n *Node) Server() *server.Server { return n.server }

// Handler returns the HTTP handler without starting a listener.
func (n *Node) Handler() http.Handler { return n.server.Handler() }
