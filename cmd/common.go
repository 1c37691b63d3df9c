package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tweet-digest/internal/config"
	"github.com/sells-group/tweet-digest/internal/dedup"
	"github.com/sells-group/tweet-digest/internal/filter"
	"github.com/sells-group/tweet-digest/internal/llm"
	"github.com/sells-group/tweet-digest/internal/lock"
	"github.com/sells-group/tweet-digest/internal/model"
	"github.com/sells-group/tweet-digest/internal/monitoring"
	"github.com/sells-group/tweet-digest/internal/orchestrator"
	"github.com/sells-group/tweet-digest/internal/publish"
	"github.com/sells-group/tweet-digest/internal/resilience"
	"github.com/sells-group/tweet-digest/internal/server"
	"github.com/sells-group/tweet-digest/internal/source"
	"github.com/sells-group/tweet-digest/internal/stage"
	"github.com/sells-group/tweet-digest/internal/store"
)

// appEnv holds the wired pipeline used by every command.
type appEnv struct {
	Paths    filter.Paths
	Catalog  *model.Catalog
	Store    store.Store // nil when store.driver is none
	Breakers *resilience.ServiceBreakers

	Process *stage.Runner[model.Item, model.Item]
	Alpha   *stage.Runner[model.Item, model.FilteredItem]
	Content *stage.Runner[model.FilteredItem, model.SummaryItem]
	News    *stage.Runner[filter.NewsBatch, model.DigestSection]
	Send    *stage.Runner[model.DigestSection, model.SendReceipt]

	Orchestrator *orchestrator.Orchestrator
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// stages returns the chunked stages in pipeline order.
func (e *appEnv) stages() []stage.Stage {
	return e.Orchestrator.Stages().All()
}

// stageByName looks a stage up by its name.
func (e *appEnv) stageByName(name string) (stage.Stage, error) {
	for _, st := range e.stages() {
		if st.Name() == name {
			return st, nil
		}
	}
	return nil, eris.Errorf("unknown stage %q", name)
}

// initEnv validates the configuration and wires stores, clients, stages and
// the orchestrator. Callers should defer env.Close().
func initEnv(ctx context.Context, sd *stage.Shutdown) (*appEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	catalog := model.DefaultCatalog()
	if cfg.Catalog.Path != "" {
		c, err := model.LoadCatalog(cfg.Catalog.Path)
		if err != nil {
			return nil, err
		}
		catalog = c
	}

	st, err := store.Open(ctx, cfg.Store, cfg.Data.Dir)
	if err != nil {
		return nil, err
	}
	env := &appEnv{
		Paths:    filter.Paths{Root: cfg.Data.Dir},
		Catalog:  catalog,
		Store:    st,
		Breakers: resilience.NewServiceBreakers(breakerConfig(cfg.LLM.Breaker)),
	}

	dual, err := llm.NewDualClientFromConfig(cfg.LLM)
	if err != nil {
		env.Close()
		return nil, err
	}
	caller := llm.NewCaller(dual, env.Breakers.Get("llm"), retryConfig(cfg.LLM.Retry))

	var seen filter.SeenLedger
	if st != nil {
		seen = st
	}
	var collapser *dedup.Collapser[model.SummaryItem]
	if cfg.LLM.SemanticDedup {
		collapser = dedup.NewCollapser(filter.SummaryEntry, dedup.NewLLMJudge(caller))
	}

	env.Process = filter.NewProcessStage(env.Paths, cfg.Stages.Process, catalog, seen)
	env.Alpha = filter.NewAlphaStage(env.Paths, cfg.Stages.Alpha, filter.AlphaDeps{
		Caller:    caller.WithRetry(retryConfig(cfg.LLM.AlphaRetry)),
		Catalog:   catalog,
		Threshold: cfg.LLM.AlphaThreshold,
	})
	env.Content = filter.NewContentStage(env.Paths, cfg.Stages.Content, filter.ContentDeps{
		Caller:    caller,
		Collapser: collapser,
	})
	env.News = filter.NewNewsStage(env.Paths, cfg.Stages.News, filter.NewsDeps{
		Caller:  caller,
		Catalog: catalog,
	})
	env.Send = filter.NewSendStage(env.Paths, cfg.Stages.Send, publish.NewMultiSender(
		publish.NewTelegramSender(cfg.Telegram, catalog, env.Breakers.Get("telegram")),
		publish.NewDiscordSender(cfg.Discord, catalog, env.Breakers.Get("discord")),
	))
	env.Process.Shutdown = sd
	env.Alpha.Shutdown = sd
	env.Content.Shutdown = sd
	env.News.Shutdown = sd
	env.Send.Shutdown = sd

	sources, err := source.FromConfig(cfg.Sources)
	if err != nil {
		env.Close()
		return nil, err
	}
	var collector orchestrator.Collector
	if len(sources) > 0 {
		collector = source.NewCollector(sources, env.Paths.RawColumnFile, cfg.Sources.Workers)
	}

	locker, err := lock.New(cfg.Lock)
	if err != nil {
		env.Close()
		return nil, err
	}

	env.Orchestrator = orchestrator.New(cfg.Orchestrator, env.Paths, orchestrator.Stages{
		Collect: collector,
		Process: env.Process,
		Alpha:   env.Alpha,
		Content: env.Content,
		News:    env.News,
		Send:    env.Send,
	}, orchestrator.Counts{
		Alpha:   orchestrator.CountByCategory(env.Alpha.ReadOutput, func(f model.FilteredItem) string { return f.Category }),
		Content: orchestrator.CountByCategory(env.Content.ReadOutput, func(s model.SummaryItem) string { return s.Category }),
	}, orchestrator.Options{
		Store:    st,
		Locker:   locker,
		LockTTL:  cfg.Lock.TTL,
		Shutdown: sd,
	})

	zap.L().Debug("pipeline wired",
		zap.String("data_dir", cfg.Data.Dir),
		zap.Strings("categories", catalog.Categories()),
		zap.Int("sources", len(sources)),
		zap.String("store", cfg.Store.Driver),
		zap.String("lock", cfg.Lock.Driver),
	)
	return env, nil
}

// newHealthChecker builds the webhook alert checker over env.
func newHealthChecker(env *appEnv) *monitoring.Checker {
	var runs monitoring.RunLister
	if env.Store != nil {
		runs = env.Store
	}
	collector := monitoring.NewCollector(runs, env.Breakers, env.stages(), cfg.Monitoring.StallAfter)
	return monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
}

// newStatusServer builds the status API over env.
func newStatusServer(env *appEnv) *server.Server {
	deps := server.Deps{
		Stages:   env.stages(),
		Busy:     env.Orchestrator.Busy,
		Breakers: env.Breakers,
	}
	if env.Store != nil {
		deps.Store = env.Store
	}
	return server.New(cfg.Server, deps)
}

func retryConfig(c config.RetryConfig) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    c.MaxAttempts,
		BaseDelay:      c.BaseDelay,
		MaxDelay:       c.MaxDelay,
		BackoffFactor:  c.BackoffFactor,
		JitterFraction: 0.1,
	}
}

func breakerConfig(c config.BreakerConfig) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		MaxFailures:  c.MaxFailures,
		ResetTimeout: c.ResetTimeout,
	}
}
