package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/dialtest/internal/healthrpc"
	"github.com/sebas/dialtest/internal/router/agentws"
	"github.com/sebas/dialtest/internal/router/api"
	"github.com/sebas/dialtest/internal/router/config"
	"github.com/sebas/dialtest/internal/router/dedup"
	"github.com/sebas/dialtest/internal/router/events"
	"github.com/sebas/dialtest/internal/router/history"
	"github.com/sebas/dialtest/internal/router/metrics"
	"github.com/sebas/dialtest/internal/router/pool"
	"github.com/sebas/dialtest/internal/router/redirect"
	"github.com/sebas/dialtest/internal/router/routing"
	"github.com/sebas/dialtest/internal/speech"
)

const (
	// HealthService is the name reported by the gRPC health service.
	HealthService = "dialtest.router"

	eventFeedSize = 256
)

// Router wires the agent pool, the redirect locks and the provider client
// behind the webhook.
type Router struct {
	config *config.Config

	pool      *pool.Pool
	locks     *dedup.Locks
	history   *history.History
	metrics   *metrics.Metrics
	feed      *events.ChannelPublisher
	publisher events.Publisher
	hub       *agentws.Hub
	apiServer *api.Server
	health    *healthrpc.Server
}

// New builds every component without opening sockets.
func New(cfg *config.Config) (*Router, error) {
	policy, err := pool.ParsePolicy(cfg.SelectionPolicy)
	if err != nil {
		return nil, err
	}

	var redirector redirect.Redirector = redirect.DryRun{}
	if cfg.ConnectionString != "" {
		client, err := redirect.NewClient(cfg.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("provider client: %w", err)
		}
		redirector = client
	} else {
		slog.Warn("[Router] No connection string, redirects are logged only")
	}

	p := pool.New(policy)
	m := metrics.New("")
	builder := events.NewBuilder(cfg.NodeID)
	feed := events.NewChannelPublisher(eventFeedSize)
	m.WatchDroppedEvents(feed.Dropped)
	publisher := events.NewMultiPublisher(events.NewLoggingPublisher(slog.Default()), feed)
	locks := dedup.New(dedup.Options{Window: cfg.DedupWindow})
	hist := history.New(cfg.HistoryRetention)

	hub := agentws.NewHub(p, agentws.Options{
		OriginPatterns: cfg.Origins,
		Metrics:        m,
		Events:         publisher,
		Builder:        builder,
	})

	router := routing.New(routing.Config{
		Pool:            p,
		Locks:           locks,
		Redirector:      redirector,
		Metrics:         m,
		Events:          publisher,
		Builder:         builder,
		History:         hist,
		Notifier:        hub,
		RedirectTimeout: cfg.RedirectTimeout,
	})

	// A nil *Issuer must not become a non-nil interface.
	var tokens api.TokenIssuer
	if issuer := speech.NewIssuer(cfg.SpeechKey, cfg.SpeechRegion, ""); issuer.Configured() {
		tokens = issuer
	}

	apiServer := api.NewServer(api.Config{
		Addr:    cfg.Addr,
		Router:  router,
		Pool:    p,
		History: hist,
		Metrics: m,
		Events:  publisher,
		Builder: builder,
		Channel: hub,
		Tokens:  tokens,
	})

	return &Router{
		config:    cfg,
		pool:      p,
		locks:     locks,
		history:   hist,
		metrics:   m,
		feed:      feed,
		publisher: publisher,
		hub:       hub,
		apiServer: apiServer,
		health:    healthrpc.NewServer(cfg.GRPCAddr, HealthService),
	}, nil
}

// Run serves the HTTP API and gRPC health until ctx ends.
func (r *Router) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.apiServer.Run(gctx) })
	g.Go(func() error { return r.health.Run(gctx) })
	g.Go(func() error { return r.countEvents(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		r.hub.Close()
		return nil
	})

	r.health.SetServing(true)
	slog.Info("[Router] Ready", "policy", r.pool.Policy(), "dedup_window", r.locks.Window())
	return g.Wait()
}

// countEvents drains the event feed into the events counter.
func (r *Router) countEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-r.feed.Events():
			if !ok {
				return nil
			}
			r.metrics.RecordEvent(string(ev.Type))
		}
	}
}

// Close releases timers and background sweepers.
func (r *Router) Close() {
	r.hub.Close()
	r.locks.Close()
	r.history.Close()
	if err := r.publisher.Close(); err != nil {
		slog.Warn("[Router] Event publisher close failed", "error", err)
	}
}
