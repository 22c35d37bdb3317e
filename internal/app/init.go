package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/relaymesh/relay-gateway/internal/dedup"
	anthropiceng "github.com/relaymesh/relay-gateway/internal/engines/anthropic"
	geminieng "github.com/relaymesh/relay-gateway/internal/engines/gemini"
	"github.com/relaymesh/relay-gateway/internal/engines/openaicompat"
	"github.com/relaymesh/relay-gateway/internal/failover"
	"github.com/relaymesh/relay-gateway/internal/logger"
	"github.com/relaymesh/relay-gateway/internal/metrics"
	"github.com/relaymesh/relay-gateway/internal/proxy"
	"github.com/relaymesh/relay-gateway/internal/ratelimit"
	"github.com/relaymesh/relay-gateway/internal/relay"
	"github.com/relaymesh/relay-gateway/internal/session"
)

// initInfra establishes optional external connections.
// Redis is only required when RATELIMIT_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.RateLimit.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the metrics registry, the async request logger, the
// session registry, the relay and the rate limiter.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	a.registry = session.NewRegistry(a.log)
	a.dedupLog = dedup.New(a.cfg.Dedup.Capacity)

	a.rly = relay.New(a.log, a.prom, relay.Options{
		SplitThreshold:  a.cfg.Relay.SplitThreshold,
		FinalizeDelay:   a.cfg.Relay.FinalizeDelay,
		QuietPeriod:     a.cfg.Relay.QuietPeriod,
		DisconnectGrace: a.cfg.Relay.DisconnectGrace,
		MaxFinalizeWait: a.cfg.Relay.MaxFinalizeWait,
	})

	switch {
	case a.cfg.RateLimit.Mode == "none" || a.cfg.RateLimit.Limit <= 0:
		a.log.Info("rate limiting disabled")

	case a.cfg.RateLimit.Mode == "redis":
		a.limiter = ratelimit.NewRedisLimiter(a.rdb, a.cfg.RateLimit.Limit, a.cfg.RateLimit.Window)
		a.log.Info("rate limiting enabled",
			slog.String("backend", "redis"),
			slog.Int("limit", a.cfg.RateLimit.Limit),
			slog.Duration("window", a.cfg.RateLimit.Window),
		)

	default:
		a.winLim = ratelimit.NewWindowLimiter(a.cfg.RateLimit.Limit, a.cfg.RateLimit.Window)
		a.limiter = a.winLim
		a.log.Info("rate limiting enabled",
			slog.String("backend", "memory"),
			slog.Int("limit", a.cfg.RateLimit.Limit),
			slog.Duration("window", a.cfg.RateLimit.Window),
		)
	}

	return nil
}

// defaultModels is the built-in catalog used when MODEL_CATALOG is not set,
// restricted to engines with configured keys. Order is priority order.
var defaultModels = []struct {
	engine string
	models []string
}{
	{"openai", []string{"gpt-4o", "gpt-4o-mini"}},
	{"anthropic", []string{"claude-sonnet-4-20250514"}},
	{"gemini", []string{"gemini-2.0-flash"}},
	{"xai", []string{"grok-2-latest"}},
	{"deepseek", []string{"deepseek-chat"}},
	{"groq", []string{"llama-3.3-70b-versatile"}},
}

// initEngines builds the backend engine clients and the failover engine.
// With no engine keys configured the engine-routed endpoint stays disabled;
// the relay path does not need it.
func (a *App) initEngines(ctx context.Context) error {
	cfg := a.cfg

	if cfg.OpenAI.APIKey != "" {
		a.clients = append(a.clients, openaicompat.New("openai", cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL))
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropiceng.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropiceng.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		a.clients = append(a.clients, anthropiceng.New(cfg.Anthropic.APIKey, opts...))
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminieng.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminieng.WithBaseURL(cfg.Gemini.BaseURL))
		}
		client, err := geminieng.New(ctx, cfg.Gemini.APIKey, opts...)
		if err != nil {
			return fmt.Errorf("gemini: %w", err)
		}
		a.clients = append(a.clients, client)
	}

	// OpenAI-compatible engines.
	type ocEntry struct {
		key     string
		name    string
		baseURL string
	}
	ocEngines := []ocEntry{
		{cfg.XAI.APIKey, "xai", pickURL(cfg.XAI.BaseURL, "https://api.x.ai/v1")},
		{cfg.DeepSeek.APIKey, "deepseek", pickURL(cfg.DeepSeek.BaseURL, "https://api.deepseek.com/v1")},
		{cfg.Groq.APIKey, "groq", pickURL(cfg.Groq.BaseURL, "https://api.groq.com/openai/v1")},
	}
	for _, e := range ocEngines {
		if e.key != "" {
			a.clients = append(a.clients, openaicompat.New(e.name, e.key, e.baseURL))
		}
	}

	if len(a.clients) == 0 {
		a.log.Info("no engine keys configured; engine-routed endpoint disabled")
		return nil
	}

	names := make([]string, 0, len(a.clients))
	for _, c := range a.clients {
		names = append(names, c.Name())
	}
	a.log.Info("engines loaded", slog.Any("engines", names))

	catalog, err := buildCatalog(cfg.Failover.Catalog, names)
	if err != nil {
		return err
	}

	engine, err := failover.New(a.clients, catalog, failover.Config{
		ProbeTimeout:  cfg.Failover.ProbeTimeout,
		ProbeInterval: cfg.Failover.ProbeInterval,
		GenerateTries: cfg.Failover.GenerateTries,
	}, a.log, a.prom)
	if err != nil {
		return fmt.Errorf("failover: %w", err)
	}
	a.engine = engine

	return nil
}

// buildCatalog turns "engine:model" entries into the failover catalog,
// falling back to the built-in defaults for the configured engines.
func buildCatalog(entries, configured []string) ([]failover.ModelSpec, error) {
	have := make(map[string]bool, len(configured))
	for _, name := range configured {
		have[name] = true
	}

	if len(entries) > 0 {
		specs := make([]failover.ModelSpec, 0, len(entries))
		for _, entry := range entries {
			engine, model, ok := strings.Cut(entry, ":")
			if !ok || engine == "" || model == "" {
				return nil, fmt.Errorf("invalid MODEL_CATALOG entry %q; expected \"engine:model\"", entry)
			}
			if !have[engine] {
				return nil, fmt.Errorf("MODEL_CATALOG entry %q references engine %q with no configured key", entry, engine)
			}
			specs = append(specs, failover.ModelSpec{Model: model, Engine: engine})
		}
		return specs, nil
	}

	var specs []failover.ModelSpec
	for _, d := range defaultModels {
		if !have[d.engine] {
			continue
		}
		for _, m := range d.models {
			specs = append(specs, failover.ModelSpec{Model: m, Engine: d.engine})
		}
	}
	return specs, nil
}

func pickURL(override, fallback string) string {
	if override != "" {
		return override
	}
	return fallback
}

// initGateway wires the HTTP surface over everything built above.
func (a *App) initGateway(_ context.Context) error {
	a.gw = proxy.New(a.baseCtx, a.registry, a.rly, a.engine, a.dedupLog, proxy.Options{
		Logger:        a.log,
		Metrics:       a.prom,
		Limiter:       a.limiter,
		RequestLogger: a.reqLogger,
		CORSOrigins:   a.cfg.CORSOrigins,
		MinKeyLength:  a.cfg.Relay.MinKeyLength,
	})
	a.srv = a.gw.NewServer()

	return nil
}
