// Package app assembles the PRDForge runtime from configuration: storage,
// caches, the event bus, every pipeline agent and the outer surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	prdhttp "github.com/Strob0t/PRDForge/internal/adapter/http"
	"github.com/Strob0t/PRDForge/internal/adapter/litellm"
	prdmcp "github.com/Strob0t/PRDForge/internal/adapter/mcp"
	prdnats "github.com/Strob0t/PRDForge/internal/adapter/nats"
	"github.com/Strob0t/PRDForge/internal/adapter/natskv"
	prdotel "github.com/Strob0t/PRDForge/internal/adapter/otel"
	"github.com/Strob0t/PRDForge/internal/adapter/postgres"
	"github.com/Strob0t/PRDForge/internal/adapter/redis"
	"github.com/Strob0t/PRDForge/internal/adapter/ristretto"
	"github.com/Strob0t/PRDForge/internal/adapter/sqlite"
	"github.com/Strob0t/PRDForge/internal/adapter/tavily"
	"github.com/Strob0t/PRDForge/internal/adapter/tiered"
	"github.com/Strob0t/PRDForge/internal/adapter/vector"
	"github.com/Strob0t/PRDForge/internal/adapter/ws"
	"github.com/Strob0t/PRDForge/internal/agent"
	"github.com/Strob0t/PRDForge/internal/config"
	"github.com/Strob0t/PRDForge/internal/eventbus"
	"github.com/Strob0t/PRDForge/internal/middleware"
	"github.com/Strob0t/PRDForge/internal/port/cache"
	"github.com/Strob0t/PRDForge/internal/port/database"
	"github.com/Strob0t/PRDForge/internal/port/llm"
	"github.com/Strob0t/PRDForge/internal/port/search"
	"github.com/Strob0t/PRDForge/internal/resilience"
)

// mirrorTimeout bounds one JetStream publish of a mirrored bus event.
const mirrorTimeout = 5 * time.Second

// Collaborators overrides the external services the agents call. Nil fields
// are built from configuration.
type Collaborators struct {
	Completer llm.Completer
	Embedder  llm.Embedder
	Searcher  search.Searcher
	Store     database.Store
}

// App is a running PRDForge instance.
type App struct {
	Config  *config.Config
	Log     *slog.Logger
	Version string

	Bus     *eventbus.Bus
	Store   database.Store
	Journal *eventbus.Journal
	Hub     *ws.Hub
	Metrics *prdotel.Metrics

	Lead       *agent.Lead
	Research   *agent.Research
	Feature    *agent.Feature
	Validation *agent.Validation
	Memory     *agent.Memory
	Consultant *agent.Consultant

	MCP *prdmcp.Server

	checks  []prdhttp.HealthCheck
	closers []func()
}

var errNATSDisconnected = errors.New("nats disconnected")

// New builds every component. On error everything built so far is closed.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string, c Collaborators) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	a := &App{Config: cfg, Log: log, Version: version}
	if err := a.build(ctx, c); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) onClose(fn func()) { a.closers = append(a.closers, fn) }

func (a *App) build(ctx context.Context, c Collaborators) error {
	cfg := a.Config

	m, err := prdotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	a.Metrics = m

	a.Store = c.Store
	if a.Store == nil {
		if a.Store, err = openStore(ctx, cfg, a.Log); err != nil {
			return err
		}
		a.onClose(func() { _ = a.Store.Close() })
	}

	var (
		queue     *prdnats.Queue
		transport eventbus.Transport = eventbus.Local{}
		l2        cache.Cache
	)
	if cfg.NATS.URL != "" {
		if queue, err = prdnats.Connect(ctx, cfg.NATS); err != nil {
			return err
		}
		a.onClose(func() {
			if err := queue.Drain(); err != nil {
				a.Log.Warn("nats drain failed", "error", err)
			}
		})
		a.checks = append(a.checks, prdhttp.HealthCheck{Name: "nats", Check: func(context.Context) error {
			if !queue.IsConnected() {
				return errNATSDisconnected
			}
			return nil
		}})
		if cfg.NATS.Mirror {
			transport = eventbus.Mirror{Queue: queue, Timeout: mirrorTimeout}
		}
		kv, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
		if err != nil {
			a.Log.Warn("l2 cache unavailable, using l1 only", "bucket", cfg.Cache.L2Bucket, "error", err)
		} else {
			l2 = natskv.New(kv)
		}
	}

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB, cfg.Cache.TTL)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	a.onClose(l1.Close)
	results := tiered.New(l1, l2, cfg.Cache.TTL, tiered.WithLogger(a.Log), tiered.WithObserver(m.CacheLookup))

	a.Journal = eventbus.NewJournal(a.Store, 0, a.Log)
	a.Bus = eventbus.New(
		eventbus.WithLogger(a.Log),
		eventbus.WithHistorySize(cfg.Bus.HistorySize),
		eventbus.WithRetryPolicy(retryPolicy(cfg.Bus)),
		eventbus.WithTransport(transport),
		eventbus.WithObserver(eventbus.Observers{prdotel.NewBusObserver(m), a.Journal}),
	)
	// The journal drains after the bus stops publishing.
	a.onClose(a.Journal.Close)
	a.onClose(a.Bus.Close)

	completer, embedder, searcher := a.collaborators(c)

	if err := a.buildAgents(completer, embedder, searcher, results); err != nil {
		return err
	}
	if cfg.Redis.Addr != "" {
		board := redis.New(cfg.Redis)
		a.Memory.SetBlackboard(board)
		a.onClose(func() { _ = board.Close() })
	}

	a.Hub = ws.NewHub(cfg.Server.CORSOrigin, a.Log)
	a.onClose(a.Hub.Close)
	relay, err := eventbus.Relay(a.Bus, a.Hub)
	if err != nil {
		return fmt.Errorf("ws relay: %w", err)
	}
	a.onClose(func() { a.Bus.Unsubscribe(relay) })

	if queue != nil {
		stop, err := prdnats.SubscribeCommands(ctx, queue, a.Lead, a.Log)
		if err != nil {
			return fmt.Errorf("queue commands: %w", err)
		}
		a.onClose(stop)
	}

	a.MCP = prdmcp.NewServer(
		prdmcp.ServerConfig{Name: "prdforge", Version: a.Version},
		prdmcp.ServerDeps{Lead: a.Lead, Memory: a.Memory, Bus: a.Bus, Store: a.Store},
	)

	a.Log.Info("prdforge assembled",
		"storage", cfg.Storage.Driver,
		"nats", queue != nil,
		"mirror", cfg.NATS.Mirror && queue != nil,
		"l2_cache", l2 != nil,
		"blackboard", cfg.Redis.Addr != "",
	)
	return nil
}

// collaborators fills the LLM, embedding and search clients not supplied by
// the caller. The LLM and search clients each get their own breaker.
func (a *App) collaborators(c Collaborators) (llm.Completer, llm.Embedder, search.Searcher) {
	cfg := a.Config
	var client *litellm.Client
	if c.Completer == nil || (c.Embedder == nil && cfg.LiteLLM.EmbeddingModel != "") {
		client = litellm.FromConfig(cfg.LiteLLM)
		client.SetBreaker(a.breaker("litellm", resilience.WithFailurePredicate(litellm.CountsAsFailure)))
		a.checks = append(a.checks, prdhttp.HealthCheck{Name: "litellm", Check: client.Ping})
	}

	completer := c.Completer
	if completer == nil {
		completer = client
	}

	embedder := c.Embedder
	if embedder == nil {
		if cfg.LiteLLM.EmbeddingModel != "" {
			embedder = vector.Fitted{Embedder: client, Dim: cfg.Vector.Dimension}
		} else {
			embedder = vector.CharEmbedder{Dim: cfg.Vector.Dimension}
		}
	}

	searcher := c.Searcher
	if searcher == nil {
		t := tavily.New(cfg.Search)
		t.SetBreaker(a.breaker("tavily"))
		searcher = t
	}
	return completer, embedder, searcher
}

// breaker logs every transition of the named upstream's circuit.
func (a *App) breaker(name string, opts ...resilience.BreakerOption) *resilience.Breaker {
	opts = append(opts,
		resilience.WithName(name),
		resilience.OnStateChange(func(name string, from, to resilience.State) {
			level := slog.LevelInfo
			if to == resilience.Open {
				level = slog.LevelWarn
			}
			a.Log.Log(context.Background(), level, "circuit breaker transition", "upstream", name, "from", from, "to", to)
		}),
	)
	return resilience.NewBreaker(a.Config.Breaker.MaxFailures, a.Config.Breaker.Timeout, opts...)
}

func (a *App) buildAgents(completer llm.Completer, embedder llm.Embedder, searcher search.Searcher, results cache.Cache) error {
	cfg := a.Config
	var err error

	if a.Lead, err = agent.NewLead(a.Bus, cfg.Orchestrator, a.Log); err != nil {
		return fmt.Errorf("lead agent: %w", err)
	}
	a.onClose(a.Lead.Close)

	if a.Research, err = agent.NewResearch(a.Bus, searcher, cfg.Orchestrator, a.Log); err != nil {
		return fmt.Errorf("research agent: %w", err)
	}
	a.Research.SetCache(results, cfg.Cache.TTL)
	a.onClose(a.Research.Close)

	if a.Feature, err = agent.NewFeature(a.Bus, completer, cfg.Orchestrator, a.Log); err != nil {
		return fmt.Errorf("feature agent: %w", err)
	}
	a.Feature.SetTemperature(cfg.LiteLLM.Temperature)
	a.Feature.SetMetrics(a.Metrics)
	a.onClose(a.Feature.Close)

	if a.Validation, err = agent.NewValidation(a.Bus, cfg.Orchestrator, a.Log); err != nil {
		return fmt.Errorf("validation agent: %w", err)
	}
	a.onClose(a.Validation.Close)

	index := vector.NewFlat(cfg.Vector.Dimension)
	if a.Memory, err = agent.NewMemory(a.Bus, a.Store, index, embedder, a.Log); err != nil {
		return fmt.Errorf("memory agent: %w", err)
	}
	a.onClose(a.Memory.Close)
	a.Lead.SetRecorder(a.Memory)

	a.Consultant = agent.NewConsultant(a.Bus, completer, a.Log)
	a.Consultant.SetMetrics(a.Metrics)
	a.onClose(a.Consultant.Close)
	return nil
}

// Router returns the HTTP API with the WebSocket stream and, when enabled,
// the MCP streamable HTTP transport at /mcp. limit guards the LLM-backed
// routes and may be nil.
func (a *App) Router(limit *middleware.RateLimiter) http.Handler {
	cfg := a.Config
	h := &prdhttp.Handlers{
		Lead:       a.Lead,
		Consultant: a.Consultant,
		Memory:     a.Memory,
		Bus:        a.Bus,
		Store:      a.Store,
		Journal:    a.Journal,
		Hub:        a.Hub,
		Checks:     a.checks,
	}
	rc := prdhttp.RouterConfig{
		CORSOrigin:     cfg.Server.CORSOrigin,
		ServiceName:    cfg.OTEL.ServiceName,
		RequestTimeout: cfg.Server.RequestTimeout,
		Log:            a.Log,
	}
	if limit != nil {
		rc.Limit = limit.Handler
	}
	api := prdhttp.NewRouter(h, rc)
	if !cfg.MCP.HTTP {
		return api
	}

	r := chi.NewRouter()
	r.Handle("/mcp", a.MCP.Handler(cfg.MCP.APIKey))
	r.Handle("/mcp/*", a.MCP.Handler(cfg.MCP.APIKey))
	r.Mount("/", api)
	return r
}

// Close stops every component in reverse construction order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (database.Store, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		log.Info("postgres connected", "max_conns", cfg.Postgres.MaxConns)
		return postgres.NewStore(pool), nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		log.Info("sqlite opened", "path", cfg.Storage.SQLitePath)
		return s, nil
	default:
		return nil, errors.New("unknown storage driver " + cfg.Storage.Driver)
	}
}

func retryPolicy(cfg config.Bus) resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	p.MaxAttempts = cfg.MaxAttempts
	if cfg.InitialBackoff > 0 {
		p.InitialInterval = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		p.MaxInterval = cfg.MaxBackoff
	}
	p.Jitter = cfg.Jitter
	return p
}
