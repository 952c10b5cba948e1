package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"SynthLedger/internal/clock"
	"SynthLedger/internal/config"
	"SynthLedger/internal/core"
	"SynthLedger/internal/ingestion"
	"SynthLedger/internal/observability"
	"SynthLedger/internal/oracle"
	"SynthLedger/internal/persistence"
	"SynthLedger/internal/query"
	"SynthLedger/internal/registry"
	"SynthLedger/internal/server"
	"SynthLedger/internal/token"
	"SynthLedger/internal/whitelist"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const replayPageSize = 1000

func main() {
	boot := observability.NewLogger("synthledger")

	cfg, err := config.Load()
	if err != nil {
		boot.Fatal().Err(err).Msg("load config")
	}
	log := observability.NewServiceLogger("synthledger", observability.LogOptions{
		Level:   cfg.LogLevel,
		Console: cfg.LogFormat == "console",
	})
	log.Info().Msg("SynthLedger starting")

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("SynthLedger stopped")
	}
	log.Info().Msg("SynthLedger shutdown complete")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	params, err := config.LoadParams(cfg.ParamsFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	// --- Clock ---
	var clk clock.Clock = clock.System{}
	var timer *clock.Timer
	if cfg.ControllableTiming {
		timer = clock.NewTimer(time.Now())
		clk = timer
		log.Warn().Msg("controllable timing enabled: manual clock and wallet faucet are live")
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres open: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	health.AddProbe("postgres", db.PingContext)
	log.Info().Msg("Postgres connected")

	if err := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, log).Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Oracle ---
	var (
		orc  oracle.Oracle
		sink ingestion.PriceSink
	)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		ro := oracle.NewRedisOracle(rdb, cfg.Redis.KeyPrefix)
		orc, sink = ro, ro.PushPrice
		health.AddProbe("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis oracle connected")
	} else {
		store := oracle.NewStore()
		orc, sink = store, ingestion.StorePriceSink(store.PushPrice)
		log.Warn().Msg("no Redis configured: oracle prices are kept in process only")
	}

	// --- Registry and creator ---
	operator := common.HexToAddress(cfg.Operator)
	contracts := registry.NewRegistry(operator)
	if err := contracts.AddMember(operator, registry.RoleContractCreator, operator); err != nil {
		return err
	}

	identifiers := whitelist.NewIdentifierWhitelist()
	for _, id := range cfg.Whitelist.Identifiers {
		identifiers.AddSupportedIdentifier(whitelist.NewIdentifier(id))
	}
	if len(cfg.Whitelist.Identifiers) == 0 {
		identifiers.AddSupportedIdentifier(params.PriceIdentifier)
	}

	creator, err := registry.NewCreator(registry.CreatorConfig{
		Address:      operator,
		Registry:     contracts,
		Identifiers:  identifiers,
		Factory:      token.NewFactory(),
		Clock:        clk,
		Oracle:       orc,
		EnableFaucet: cfg.ControllableTiming,
		Metrics:      metrics,
		Logger:       log,
	})
	if err != nil {
		return err
	}
	for _, addr := range cfg.Whitelist.Collateral {
		creator.CollateralWhitelist().AddToWhitelist(common.HexToAddress(addr))
	}
	if len(cfg.Whitelist.Collateral) == 0 {
		creator.CollateralWhitelist().AddToWhitelist(params.CollateralAddress)
	}

	if cfg.InstanceID == "" {
		return errors.New("SYNTH_INSTANCE_ID is required: recovery reads the command log by instance")
	}

	// persist blocks (backpressure), publish is best effort
	persistChan := make(chan core.Output, cfg.Persist.ChanSize)
	publishChan := make(chan core.Output, cfg.Persist.PublishChanSize)

	instanceID, err := creator.CreateEngine(params, registry.EngineOptions{
		InstanceID:          cfg.InstanceID,
		DBChecker:           persistence.NewPostgresIdempotencyChecker(db, cfg.InstanceID),
		IdempotencyCapacity: cfg.Idempotency.LRUCapacity,
		PersistChan:         persistChan,
		PublishChan:         publishChan,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	engine, _ := creator.Engine(instanceID)

	// --- Recovery ---
	if err := recoverEngine(ctx, db, engine, timer, cfg.Idempotency.WarmKeys, log); err != nil {
		return err
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL, log)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()
	health.AddProbe("nats", func(context.Context) error {
		if st := nc.Status(); st != nats.CONNECTED {
			return fmt.Errorf("nats %s", st)
		}
		return nil
	})
	if err := ingestion.EnsureStreams(ctx, js, log); err != nil {
		return fmt.Errorf("ensure NATS streams: %w", err)
	}

	rawChan := make(chan ingestion.RawMessage, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, log)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects(instanceID)); err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	dispatcher := ingestion.NewDispatcher(engine, sink, metrics, log)
	publisher := ingestion.NewOutboundPublisher(js, publishChan, log)

	// --- API ---
	api := server.NewGRPCServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, &server.ServerDeps{
		Handlers:      server.NewHandlers(engine, query.NewQueryService(engine, clk, db), timer),
		HealthChecker: health,
		Metrics:       metrics,
		Logger:        log,
		RateLimit:     cfg.Server.RateLimit,
		RateBurst:     cfg.Server.RateBurst,
	})

	// --- Goroutines ---
	// the persistence worker outlives ctx so it can drain after intake stops
	persistCtx, persistCancel := context.WithCancel(context.Background())
	defer persistCancel()
	persistDone := make(chan error, 1)
	worker := persistence.NewPersistenceWorker(db, persistChan, cfg.Persist.BatchSize, cfg.Persist.FlushTimeout, metrics, log)
	go func() { persistDone <- worker.Run(persistCtx) }()

	errChan := make(chan error, 8)
	go func() { errChan <- named("publisher", publisher.Run(ctx)) }()
	go func() { errChan <- named("dispatcher", dispatcher.Run(ctx, rawChan)) }()
	go func() { errChan <- named("grpc", api.StartGRPC(ctx)) }()
	go func() { errChan <- named("http", api.StartHTTPGateway(ctx)) }()
	go func() { errChan <- named("metrics", serveMetrics(ctx, cfg.Server.MetricsAddr, reg, log)) }()

	health.SetReady(true)
	api.SetServing(true)
	head, _ := engine.Head()
	log.Info().
		Str("instance", instanceID).
		Int64("head", head).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("http", cfg.Server.HTTPAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Msg("SynthLedger ready")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("signal received, shutting down")
	case runErr = <-errChan:
		if runErr != nil {
			log.Error().Err(runErr).Msg("goroutine failed, shutting down")
		} else {
			log.Warn().Msg("goroutine exited, shutting down")
		}
	}

	// --- Shutdown: stop intake, then drain the command log ---
	health.SetReady(false)
	api.SetServing(false)
	stop()
	subscriber.Stop()

	// give in-flight dispatches a moment to emit before the channel closes
	time.Sleep(250 * time.Millisecond)
	close(persistChan)
	select {
	case err := <-persistDone:
		if err != nil {
			log.Error().Err(err).Msg("persistence worker exited with error")
		}
	case <-time.After(30 * time.Second):
		log.Error().Msg("persistence drain timed out")
		persistCancel()
	}
	return runErr
}

// recoverEngine replays the persisted command log and warms the dedup cache.
// A manual clock resumes no earlier than the last logged command.
func recoverEngine(ctx context.Context, db *sql.DB, engine *core.Engine, timer *clock.Timer, warmKeys int, log zerolog.Logger) error {
	reader := persistence.NewLogReader(db)
	envs, err := reader.LoadAll(ctx, engine.ID(), replayPageSize)
	if err != nil {
		return fmt.Errorf("load command log: %w", err)
	}
	n, err := engine.Replay(ctx, envs)
	if err != nil {
		return fmt.Errorf("replay command log: %w", err)
	}
	if n == 0 {
		log.Info().Msg("empty command log, cold start")
	} else {
		head, hash := engine.Head()
		log.Info().Int("commands", n).Int64("head", head).Hex("state_hash", hash[:]).Msg("command log replayed")
		if timer != nil {
			now := timer.CatchUp(envs[n-1].Timestamp)
			log.Info().Time("clock", now).Msg("manual clock restored")
		}
	}

	if warmKeys > 0 {
		keys, err := reader.RecentKeys(ctx, engine.ID(), warmKeys)
		if err != nil {
			return fmt.Errorf("load idempotency keys: %w", err)
		}
		engine.WarmIdempotency(keys)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func named(name string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func init() {
	if os.Getenv("GOGC") == "" {
		fmt.Fprintln(os.Stderr, "WARN: GOGC not set, recommend GOGC=400 for production")
	}
}
