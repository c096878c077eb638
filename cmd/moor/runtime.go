package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/moor/internal/agent"
	"github.com/haasonsaas/moor/internal/config"
	"github.com/haasonsaas/moor/internal/observability"
	"github.com/haasonsaas/moor/internal/provider"
	"github.com/haasonsaas/moor/internal/sandbox"
	"github.com/haasonsaas/moor/internal/store"
	"github.com/haasonsaas/moor/internal/toolserver"
	"github.com/haasonsaas/moor/internal/tools"
)

// runtimeEnv bundles everything a command needs to run agents.
type runtimeEnv struct {
	cfg      *config.Config
	store    store.Store
	provider provider.ModelProvider
	registry *tools.Registry
	sandbox  sandbox.Sandbox
	servers  *toolserver.Manager
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	shutdown []func()
}

// buildRuntime wires the configured store, provider, tools, tool servers,
// sandbox, metrics, and tracing.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtimeEnv, error) {
	env := &runtimeEnv{cfg: cfg}

	if cfg.Metrics.Enabled {
		env.metrics = observability.NewMetrics()
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	st = store.NewInstrumented(st, cfg.Store.Backend, env.metrics)
	env.store = st
	env.shutdown = append(env.shutdown, func() { st.Close() })

	env.provider, err = buildProvider(cfg)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.registry = tools.NewRegistry()
	for _, tool := range tools.Builtins() {
		if err := env.registry.Register(tool); err != nil {
			env.Close()
			return nil, err
		}
	}

	if cfg.ToolServers.Enabled {
		env.servers = toolserver.NewManager(&cfg.ToolServers, slog.Default())
		if err := env.servers.Start(ctx); err != nil {
			env.Close()
			return nil, err
		}
		env.shutdown = append(env.shutdown, func() { env.servers.Stop() })
		if names, err := env.servers.RegisterInto(env.registry); err != nil {
			env.Close()
			return nil, err
		} else if len(names) > 0 {
			slog.Info("remote tools registered", "count", len(names))
		}
	}

	if cfg.Sandbox.Kind != "" && cfg.Sandbox.Kind != "none" {
		sb, err := sandbox.NewLocal(cfg.Sandbox)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.sandbox = sb
	}

	if env.metrics != nil {
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics endpoint failed", "error", err)
			}
		}()
		env.shutdown = append(env.shutdown, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Tracing.Endpoint != "" {
		tracer, stop := observability.NewTracer(observability.TraceConfig{
			ServiceName:    "moor",
			ServiceVersion: version,
			Environment:    cfg.Tracing.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			Insecure:       cfg.Tracing.Insecure,
		})
		env.tracer = tracer
		env.shutdown = append(env.shutdown, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			stop(shutdownCtx)
		})
	}

	return env, nil
}

// Close releases runtime resources in reverse wiring order.
func (e *runtimeEnv) Close() {
	for i := len(e.shutdown) - 1; i >= 0; i-- {
		e.shutdown[i]()
	}
	e.shutdown = nil
}

// deps assembles the agent dependency set.
func (e *runtimeEnv) deps(templates *agent.TemplateRegistry) agent.Deps {
	return agent.Deps{
		Store:     e.store,
		Provider:  e.provider,
		Registry:  e.registry,
		Templates: templates,
		Sandbox:   e.sandbox,
		Logger:    slog.Default(),
		Metrics:   e.metrics,
		Tracer:    e.tracer,
	}
}

// options maps the runtime config onto agent options.
func (e *runtimeEnv) options() agent.Options {
	rt := e.cfg.Runtime
	return agent.Options{
		Model:           e.cfg.Provider.Model,
		MaxToolRounds:   rt.MaxToolRounds,
		TurnTimeout:     rt.TurnTimeout,
		DecisionTimeout: rt.DecisionTimeout,
		ExposeThinking:  rt.ExposeThinking,
		RetainThinking:  rt.RetainThinking,
		Reasoning:       agent.ReasoningTransport(rt.ReasoningTransport),
		EventBuffer:     rt.EventBuffer,
	}
}

// templateRegistry loads every configured template for delegation.
func (e *runtimeEnv) templateRegistry() (*agent.TemplateRegistry, error) {
	reg := agent.NewTemplateRegistry()
	for _, spec := range e.cfg.Templates {
		if err := reg.Register(&agent.Template{Spec: spec}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Store.Path)
	default:
		return store.NewFileStore(cfg.Store.Path)
	}
}

func buildProvider(cfg *config.Config) (provider.ModelProvider, error) {
	switch cfg.Provider.Name {
	case "openai":
		key := cfg.Provider.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return provider.NewOpenAI(provider.OpenAIConfig{
			APIKey:       key,
			BaseURL:      cfg.Provider.BaseURL,
			DefaultModel: cfg.Provider.Model,
		})
	case "anthropic":
		key := cfg.Provider.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return provider.NewAnthropic(provider.AnthropicConfig{
			APIKey:       key,
			BaseURL:      cfg.Provider.BaseURL,
			DefaultModel: cfg.Provider.Model,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
}
