package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"MCP-Trader/internal/agent"
	"MCP-Trader/internal/agents/marketdata"
	"MCP-Trader/internal/agents/news"
	signalagent "MCP-Trader/internal/agents/signal"
	"MCP-Trader/internal/api"
	"MCP-Trader/internal/auth"
	"MCP-Trader/internal/broker"
	"MCP-Trader/internal/config"
	"MCP-Trader/internal/coordinator"
	"MCP-Trader/internal/llm"
	_ "MCP-Trader/internal/llm/bedrock"
	_ "MCP-Trader/internal/llm/openai"
	"MCP-Trader/internal/observability/alerting"
	"MCP-Trader/internal/observability/metrics"
	"MCP-Trader/internal/order"
	"MCP-Trader/internal/trading"
	"MCP-Trader/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.L().Fatal().Err(err).Msg("mcptraderd stopped")
	}
}

func run(ctx context.Context) error {
	configPath := flag.String("config", os.Getenv("MCPTRADER_CONFIG"), "path to the YAML config file")
	envFile := flag.String("env-file", ".env", "dotenv file exported before the config is read")
	flag.Parse()

	if *configPath == "" {
		if _, err := os.Stat(filepath.Join("configs", "mcptrader.yaml")); err == nil {
			*configPath = filepath.Join("configs", "mcptrader.yaml")
		}
	}

	if err := config.LoadEnvFile(*envFile, false); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("mcptraderd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	alerts, closeAlerts, err := buildAlerts(cfg.Alerting)
	if err != nil {
		return err
	}
	defer closeAlerts()

	b, err := broker.Open(ctx, cfg.Broker)
	if err != nil {
		return err
	}
	defer b.Close()

	records, err := openRecords(ctx, cfg.Storage.Records)
	if err != nil {
		return err
	}
	defer records.Close()

	blobs, err := openBlobs(ctx, cfg.Storage.Blobs)
	if err != nil {
		return err
	}

	var venue *trading.Client
	if cfg.Trading.BaseURL != "" {
		venue, err = trading.New(cfg.Trading)
		if err != nil {
			return err
		}
	}

	var model llm.Client
	if cfg.Runs("coordinator") || cfg.Runs("signal") {
		model, err = llm.New(ctx, cfg.LLM)
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	runtimeOpts := []agent.Option{
		agent.WithPollInterval(cfg.Agents.PollInterval),
		agent.WithMaxReceiveFailures(cfg.Agents.MaxReceiveFailures),
	}
	host := func(id string, h agent.Handler) error {
		rt, err := agent.New(id, b, h, runtimeOpts...)
		if err != nil {
			return err
		}
		g.Go(func() error { return rt.Run(ctx) })
		log.Info().Str("agent_id", id).Msg("agent started")
		return nil
	}

	var coord *coordinator.Coordinator
	if cfg.Runs("coordinator") {
		coord, err = coordinator.New(cfg.Agents.IDs.Coordinator, b, model, coordinatorOptions(cfg.Coordinator),
			coordinator.WithRecords(records),
			coordinator.WithBlobs(blobs),
			coordinator.WithAlerts(alerts),
		)
		if err != nil {
			return err
		}
		if err := host(coord.ID(), coord.Handler()); err != nil {
			return err
		}
		if cfg.Coordinator.SweepInterval > 0 {
			g.Go(func() error { return coord.RunSweeper(ctx, cfg.Coordinator.SweepInterval) })
		}
		if cfg.Coordinator.CycleInterval > 0 {
			g.Go(func() error { return coord.RunScheduler(ctx, cfg.Coordinator.CycleInterval) })
		}
	}

	if cfg.Runs("market_data") {
		if venue == nil {
			return errors.New("market_data agent requires trading.base_url")
		}
		md, err := marketdata.New(venue, blobs, marketdata.WithTickers(cfg.Coordinator.Tickers))
		if err != nil {
			return err
		}
		if err := host(cfg.Agents.IDs.MarketData, md.Handler()); err != nil {
			return err
		}
	}

	if cfg.Runs("news") {
		src, err := news.LoadStaticSource(cfg.Agents.News.ArticlesPath)
		if err != nil {
			return err
		}
		analyzer, err := openAnalyzer(ctx, cfg.TextAnalytics)
		if err != nil {
			return err
		}
		na, err := news.New(src, analyzer,
			news.WithKeywords(cfg.Agents.News.Keywords),
			news.WithMaxArticles(cfg.Agents.News.MaxArticles),
		)
		if err != nil {
			return err
		}
		if err := host(cfg.Agents.IDs.News, na.Handler()); err != nil {
			return err
		}
	}

	if cfg.Runs("signal") {
		sa, err := signalagent.New(model, blobs)
		if err != nil {
			return err
		}
		if err := host(cfg.Agents.IDs.Signal, sa.Handler()); err != nil {
			return err
		}
	}

	var manager *order.Manager
	if cfg.Runs("execution") {
		var tradingAPI trading.API
		if venue != nil {
			tradingAPI = venue
		}
		manager, err = order.NewManager(tradingAPI, records, orderOptions(cfg.Execution),
			order.WithBlobs(blobs),
			order.WithAlerts(alerts),
		)
		if err != nil {
			return err
		}
		if err := host(cfg.Agents.IDs.Execution, manager.Handler()); err != nil {
			return err
		}
		if cfg.Execution.ReconcileInterval > 0 {
			g.Go(func() error { return manager.RunReconciler(ctx, cfg.Execution.ReconcileInterval) })
		}
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error { return metrics.StartServer(ctx, cfg.Metrics.Address) })
	}
	if cfg.API.Enabled {
		opts := []api.Option{api.WithAuth(auth.New(cfg.API.Tokens))}
		if manager != nil {
			opts = append(opts, api.WithOrders(manager))
		}
		var cycles api.Cycles
		if coord != nil {
			cycles = coord
		}
		server := api.NewServer(cfg.API.Address, cycles, b, opts...)
		g.Go(func() error { return server.Start(ctx) })
	}

	log.Info().Strs("roles", cfg.Agents.Run).Msg("mcptraderd running")
	return g.Wait()
}

func coordinatorOptions(c config.CoordinatorConfig) coordinator.Options {
	sections := make([]coordinator.SectionRule, 0, len(c.Sections))
	for _, r := range c.Sections {
		sections = append(sections, coordinator.SectionRule{Match: r.Match, Section: r.Section})
	}
	if len(sections) == 0 {
		sections = coordinator.DefaultSections()
	}
	return coordinator.Options{
		DataAgents:          c.DataAgents,
		DecisionAgents:      c.DecisionAgents,
		ExecutionAgent:      c.ExecutionAgent,
		Tickers:             c.Tickers,
		Sections:            sections,
		UnknownConversation: coordinator.UnknownPolicy(c.UnknownConversation),
		StallTimeout:        c.StallTimeout,
		Retention:           c.Retention,
	}
}

func orderOptions(c config.ExecutionConfig) order.Options {
	return order.Options{
		SimulationMode:  c.SimulationMode,
		MaxRetries:      c.MaxRetries,
		RetryDelay:      c.RetryDelay,
		ConfirmChecks:   c.ConfirmChecks,
		ConfirmInterval: c.ConfirmInterval,
		MinConfidence:   c.MinConfidence,
	}
}

func buildAlerts(c config.AlertingConfig) (alerting.Dispatcher, func(), error) {
	var notifiers []alerting.Notifier
	closeFn := func() {}
	if c.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{Logger: logger.Named("alerting")})
	}
	if c.RabbitMQ.Enabled {
		mq, err := alerting.NewRabbitMQNotifier(c.RabbitMQ.RabbitMQConfig)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, mq)
		closeFn = func() { _ = mq.Close() }
	}
	return alerting.NewFanout(notifiers...), closeFn, nil
}
