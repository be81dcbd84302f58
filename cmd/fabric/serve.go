package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nyxbot/fabric/internal/builtin"
	"github.com/nyxbot/fabric/internal/chatproto"
	"github.com/nyxbot/fabric/internal/cogqueue"
	"github.com/nyxbot/fabric/internal/configmgr"
	"github.com/nyxbot/fabric/internal/coordinator"
	"github.com/nyxbot/fabric/internal/dispatch"
	"github.com/nyxbot/fabric/internal/historian"
	"github.com/nyxbot/fabric/internal/hotreload"
	"github.com/nyxbot/fabric/internal/modelio"
	"github.com/nyxbot/fabric/internal/modelpool"
	"github.com/nyxbot/fabric/internal/onebothttp"
	"github.com/nyxbot/fabric/internal/queue"
	"github.com/nyxbot/fabric/internal/scheduler"
	"github.com/nyxbot/fabric/internal/security"
	"github.com/nyxbot/fabric/internal/sender"
	"github.com/nyxbot/fabric/internal/skills"
	"github.com/nyxbot/fabric/internal/storage"
	"github.com/nyxbot/fabric/internal/toolmanager"
	"github.com/nyxbot/fabric/pkg/config"
	"github.com/nyxbot/fabric/pkg/embedders"
	"github.com/nyxbot/fabric/pkg/logger"
	"github.com/nyxbot/fabric/pkg/observability"
	"github.com/nyxbot/fabric/pkg/ratelimit"
	"github.com/nyxbot/fabric/pkg/vector"
)

// ServeCmd starts the bot server: it loads configuration, wires every
// component C1-C17 names, launches their background loops, mounts the
// OneBot webhook plus a small operator-local admin surface, and blocks
// until SIGINT/SIGTERM, at which point it shuts everything down in reverse
// dependency order.
type ServeCmd struct {
	OnebotBase  string `name:"onebot-base" help:"OneBot HTTP action base URL." env:"FABRIC_ONEBOT_BASE"`
	OnebotToken string `name:"onebot-token" help:"OneBot HTTP access token." env:"FABRIC_ONEBOT_TOKEN"`
	SelfID      string `name:"self-id" help:"The bot's own chatproto sender ID (for @-mention detection)." env:"FABRIC_SELF_ID"`
	Port        int    `help:"Override server.port from config." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("fabric: shutdown signal received")
		cancel()
	}()

	_ = config.LoadEnvFiles()

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	output := os.Stderr
	var logCleanup func()
	if cli.LogFile != "" {
		f, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		output = f
		logCleanup = cleanup
	}
	logger.Init(level, output, cli.LogFormat)
	if logCleanup != nil {
		defer logCleanup()
	}

	if cli.Config == "" {
		return fmt.Errorf("--config is required")
	}
	cfg, cfgLoader, err := config.LoadConfigFile(ctx, cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer cfgLoader.Close()

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	obs, err := observability.NewManager(ctx, &cfg.Observability)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer obs.Shutdown(context.Background())

	dbPool := config.NewDBPool()
	defer dbPool.Close()

	schedulerDB, ok := cfg.GetDatabase(cfg.Scheduler.Database)
	if !ok {
		return fmt.Errorf("scheduler.database %q not found in databases", cfg.Scheduler.Database)
	}
	sqlDB, err := dbPool.Get(schedulerDB)
	if err != nil {
		return fmt.Errorf("open database %q: %w", cfg.Scheduler.Database, err)
	}

	historyStore, err := storage.NewHistoryStore(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("init history store: %w", err)
	}
	taskStore, err := storage.NewTaskStore(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("init task store: %w", err)
	}
	endSummaryStore, err := storage.NewEndSummaryStore(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("init end summary store: %w", err)
	}
	tokenUsageStore, err := storage.NewTokenUsageStore(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("init token usage store: %w", err)
	}
	defer tokenUsageStore.Close()

	skillLoader, err := skills.NewLoader(cfg.Skills.Root)
	if err != nil {
		return fmt.Errorf("load skills: %w", err)
	}
	registry := skillLoader.Registry

	toolMgr := toolmanager.New(registry, registry)

	backends := map[string]modelio.Backend{}
	for purpose := range cfg.LLMs {
		backends[purpose] = modelio.NewHTTPBackend()
	}
	fallbackBackend := modelio.NewHTTPBackend()
	requester := modelio.WithObservability(
		modelio.NewRequester(backends, fallbackBackend, tokenUsageStore),
		obs.Tracer(), obs.Metrics(),
	)

	chatLLM, ok := cfg.GetLLM("chat")
	if !ok {
		return fmt.Errorf("llms.chat is required")
	}
	primaryEntry := modelpool.Entry{Name: "primary", Config: llmToModelConfig(chatLLM)}

	var poolSelector *modelpool.Selector
	if cfg.ModelPool.Enabled {
		entries := []modelpool.Entry{primaryEntry}
		poolSelector, err = modelpool.New(entries, cfg.Cognitive.Root+"/model_prefs.json",
			time.Duration(cfg.ModelPool.CompareExpireSeconds)*time.Second)
		if err != nil {
			return fmt.Errorf("init model pool: %w", err)
		}
	}

	onebotClient := onebothttp.New(c.OnebotBase, c.OnebotToken)
	snd := sender.New(onebotClient, historyStore)

	var securitySvc *security.Service
	if secLLM, ok := cfg.GetLLM("security"); ok {
		securitySvc = security.New(requester, llmToModelConfig(secLLM), historyStore, snd, cfg.Security)
	}
	if securitySvc != nil {
		registry.SetRoleResolver(dispatch.RoleResolver(securitySvc))
	}

	cogRoot := cfg.Cognitive.Root
	cogQueue, err := cogqueue.New(cogRoot)
	if err != nil {
		return fmt.Errorf("init cognitive queue: %w", err)
	}

	builtin.Configure(builtin.Deps{
		Sender:        snd,
		CogQueue:      cogQueue,
		EndSummaries:  endSummaryStore,
		EndSummaryMax: cfg.Cognitive.EndSummaryMax,
	})

	vectorRegistry := vector.NewRegistry()
	for name, vsCfg := range cfg.VectorStores {
		provider, err := vector.NewProvider(vsCfg)
		if err != nil {
			return fmt.Errorf("init vector store %q: %w", name, err)
		}
		if err := vectorRegistry.Register(name, provider); err != nil {
			return fmt.Errorf("register vector store %q: %w", name, err)
		}
	}
	defer vectorRegistry.Close()

	embedderRegistry := embedders.NewEmbedderRegistry()
	for name, eCfg := range cfg.Embedders {
		if _, err := embedderRegistry.CreateEmbedderFromConfig(name, eCfg); err != nil {
			return fmt.Errorf("init embedder %q: %w", name, err)
		}
	}

	eventsVS, ok := vectorRegistry.Get(cfg.Cognitive.VectorStore)
	if !ok {
		return fmt.Errorf("cognitive.vector_store %q not found in vector_stores", cfg.Cognitive.VectorStore)
	}
	embedder, err := embedderRegistry.GetEmbedder(cfg.Cognitive.Embedder)
	if err != nil {
		return fmt.Errorf("cognitive.embedder %q: %w", cfg.Cognitive.Embedder, err)
	}

	agentLLM, ok := cfg.GetLLM("agent")
	if !ok {
		agentLLM = chatLLM
	}

	historianWorker := &historian.Worker{
		Queue:              cogQueue,
		Profiles:           historian.NewProfileStorage(cogRoot + "/profiles"),
		Events:             eventsVS,
		ProfileVS:          eventsVS,
		Embedder:           embedder,
		Requester:          requester,
		ModelConfig:        llmToModelConfig(agentLLM),
		EventCollection:    cfg.Cognitive.EventCollection,
		ProfileCollection:  cfg.Cognitive.ProfileCollection,
		JobMaxRetries:      cfg.Cognitive.JobMaxRetries,
		RewriteMaxRetry:    cfg.Cognitive.RewriteMaxRetry,
		ProfileSnapshotCap: cfg.Cognitive.ProfileSnapshotCap,
	}
	historianWorker.Start(ctx)
	defer historianWorker.Stop()

	// disp is assigned below; the handler closure captures the variable
	// (not its value) so Queue.New can run before Dispatcher exists.
	var disp *dispatch.Dispatcher
	qm := queue.New(func(ctx context.Context, item queue.Item) { disp.Handle(ctx, item) }).
		WithObservability(obs.Tracer(), obs.Metrics())
	qm.SetBurst(cfg.Queue.Burst)
	qm.SetFairSteal(cfg.Queue.FairSteal)
	qm.SetAIInterval(time.Duration(cfg.Queue.AIIntervalMS) * time.Millisecond)

	// scheduler.New wants a SelfCallRunner, which the Coordinator satisfies,
	// but the Coordinator in turn wants the live *scheduler.Scheduler as a
	// resource for its own scheduling tools. selfRun stands in for the
	// Coordinator until it exists; its coord field is set right after.
	selfRun := &coordinatorSelfCallAdapter{}
	sched := scheduler.New(taskStore, registry, snd, qm, selfRun)

	coord := coordinator.New(coordinator.Deps{
		Requester:        requester,
		Tools:            toolMgr,
		ToolRuntime:      registry,
		Sender:           snd,
		History:          historyStore,
		ChatClient:       onebotClient,
		Scheduler:        sched,
		DefaultConfig:    primaryEntry.Config,
		DefaultPersona:   cfg.Persona,
		DefaultMaxTokens: chatLLM.MaxTokens,
		Tracer:           obs.Tracer(),
		Metrics:          obs.Metrics(),
	})
	selfRun.coord = coord

	disp = dispatch.New(dispatch.Deps{
		Queue:       qm,
		Coordinator: coord,
		Security:    securitySvc,
		History:     historyStore,
		Pool:        poolSelector,
		Primary:     primaryEntry,
		PoolEnabled: cfg.ModelPool.Enabled,
		Persona:     cfg.Persona,
		MaxTokens:   chatLLM.MaxTokens,
		SelfID:      c.SelfID,
	})
	go qm.Run(ctx)
	defer qm.Shutdown(context.Background())

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	skillHotReload := hotreload.New(ctx, skillLoader,
		time.Duration(cfg.Skills.ReloadIntervalSec*float64(time.Second)),
		nil)
	defer skillHotReload.Stop()

	cfgMgr := configmgr.New(cfgLoader, cfg)
	cfgWatch, err := cfgMgr.StartWatch(ctx, time.Duration(cfg.Skills.ReloadDebounceSec*float64(time.Second)))
	if err != nil {
		slog.Warn("fabric: config hot-reload disabled", "error", err)
	} else {
		defer cfgWatch.Stop()
	}

	webhookLimiter, err := ratelimit.NewRateLimiterFromConfig(cfg, dbPool)
	if err != nil {
		return fmt.Errorf("init webhook rate limiter: %w", err)
	}

	router := chi.NewRouter()
	webhook := onebotClient.WebhookRouter(func(evt chatproto.Event) {
		disp.HandleEvent(ctx, evt)
	})
	if webhookLimiter != nil {
		webhook = ratelimit.SimpleMiddleware(webhookLimiter)(webhook)
		slog.Info("fabric: webhook rate limiting enabled", "scope", cfg.RateLimiting.Scope, "backend", cfg.RateLimiting.Backend)
	}
	router.Mount("/webhook", webhook)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.Handle("/metrics", obs.MetricsHandler())
	router.Get("/debug/skills", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tools":  registry.GetSchema(skills.KindTool),
			"agents": registry.GetSchema(skills.KindAgent),
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpSrv := &http.Server{Addr: addr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("fabric: serving", "addr", addr, "webhook", "/webhook")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("fabric: http server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("fabric: http shutdown error", "error", err)
	}

	slog.Info("fabric: shut down")
	return nil
}

func llmToModelConfig(c *config.LLMConfig) modelio.ModelConfig {
	return modelio.ModelConfig{
		BaseURL:     c.BaseURL,
		APIKey:      c.APIKey,
		Model:       c.Model,
		Temperature: c.Temperature,
		Thinking:    c.Thinking,
	}
}

// coordinatorSelfCallAdapter breaks the construction cycle between
// scheduler.New (wants a SelfCallRunner) and coordinator.New (wants the
// live *scheduler.Scheduler as a resource): it satisfies SelfCallRunner
// itself and forwards to coord once coord is assigned post-construction.
type coordinatorSelfCallAdapter struct {
	coord *coordinator.Coordinator
}

func (a *coordinatorSelfCallAdapter) RunSelfCall(ctx context.Context, targetID, targetType, prompt string) error {
	return a.coord.RunSelfCall(ctx, targetID, targetType, prompt)
}
