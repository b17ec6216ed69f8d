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

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/tokenmarket/trading-engine/internal/compliance"
	"github.com/tokenmarket/trading-engine/internal/config"
	"github.com/tokenmarket/trading-engine/internal/engine"
	"github.com/tokenmarket/trading-engine/internal/feed"
	"github.com/tokenmarket/trading-engine/internal/handler"
	"github.com/tokenmarket/trading-engine/internal/ledger"
	"github.com/tokenmarket/trading-engine/internal/marketdata"
	"github.com/tokenmarket/trading-engine/internal/metrics"
	"github.com/tokenmarket/trading-engine/internal/registry"
	"github.com/tokenmarket/trading-engine/internal/repository"
	"github.com/tokenmarket/trading-engine/internal/service"
	"github.com/tokenmarket/trading-engine/internal/ws"
	"github.com/tokenmarket/trading-engine/pkg/audit"
	"github.com/tokenmarket/trading-engine/pkg/logger"
	pkgredis "github.com/tokenmarket/trading-engine/pkg/redis"
	"github.com/tokenmarket/trading-engine/pkg/snowflake"
	"github.com/tokenmarket/trading-engine/pkg/tracing"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.ServiceName, os.Stdout)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("service exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.JaegerEndpoint != "",
		SampleRate:  cfg.TraceSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	// Postgres
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	log.Info("connected to postgres")

	// Redis
	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	log.Info("connected to redis")

	idGen, err := snowflake.NewNode(cfg.WorkerID)
	if err != nil {
		return fmt.Errorf("init id generator: %w", err)
	}

	// 资产注册表
	reg := registry.New()
	if err := reg.LoadFromDB(ctx, db); err != nil {
		return fmt.Errorf("load asset registry: %w", err)
	}
	log.Infof("asset registry loaded", map[string]interface{}{"assets": len(reg.List())})

	// 账本：内存权威 + 异步流水
	journal, err := ledger.NewDBJournal(db, idGen,
		ledger.WithJournalErrorHandler(func(err error) {
			log.WithError(err).Error("ledger journal write failed")
		}))
	if err != nil {
		return fmt.Errorf("init ledger journal: %w", err)
	}
	defer journal.Close()

	store := ledger.New(journal, func(err error) {
		log.WithError(err).Error("ledger journal append failed")
	})

	// 合规闸门。外部规则服务通过 PolicySource 接口接入，
	// 默认静态源放行全部用户。
	gate := compliance.NewGate(
		compliance.NewStaticSource(compliance.Policy{}),
		cfg.ComplianceTimeout,
	)

	md := marketdata.New()
	engines := engine.NewManager(reg, store, gate, md, idGen, log)
	defer engines.Stop()

	// 持久化仓库
	orderRepo := repository.NewOrderRepository(db)
	execRepo := repository.NewExecutionRepository(db)

	auditor, err := audit.NewDBLogger(db, audit.WithErrorHandler(func(err error) {
		log.WithError(err).Error("audit write failed")
	}))
	if err != nil {
		return fmt.Errorf("init audit logger: %w", err)
	}
	defer auditor.Close()

	// 行情推送
	broker := ws.NewBroker()
	publisher := feed.NewPublisher(pkgredis.NewStreamClient(redisClient), log)

	dispatcher := service.NewDispatcher(engines, orderRepo, execRepo, md, publisher, broker, auditor, log)
	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()

	// 崩溃恢复：流水快照重建余额，未完结订单按时间顺序重新入簿
	ready := false
	if err := recoverState(ctx, db, reg, store, engines, log); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	ready = true

	svc := service.New(reg, store, engines, orderRepo, execRepo, md, idGen, log, &service.Options{
		MarketBufferBps: cfg.MarketBufferBps,
		Auditor:         auditor,
	})

	// 到期订单清扫
	sweeper := cron.New(cron.WithSeconds())
	if _, err := sweeper.AddFunc(cfg.ExpirySweepSpec, func() {
		engines.ExpireSweep(time.Now().UnixMilli())
	}); err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	// HTTP API
	h := handler.New(svc, reg, log, func() bool { return ready })
	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           h.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 指标
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux(),
	}

	// WebSocket 行情
	wsServer := ws.NewServer(broker, log, &ws.Config{AllowedOrigins: cfg.WSAllowedOrigins})

	errCh := make(chan error, 3)
	go func() {
		log.Infof("http api listening", map[string]interface{}{"port": cfg.HTTPPort})
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http api: %w", err)
		}
	}()
	go func() {
		log.Infof("metrics listening", map[string]interface{}{"port": cfg.MetricsPort})
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics: %w", err)
		}
	}()
	go func() {
		log.Infof("websocket listening", map[string]interface{}{"port": cfg.WSPort})
		if err := wsServer.Run(ctx, fmt.Sprintf(":%d", cfg.WSPort)); err != nil {
			errCh <- fmt.Errorf("websocket: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http api shutdown failed")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("metrics shutdown failed")
	}

	engines.Stop()
	<-dispatcherDone
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// recoverState 从流水和订单表重建引擎状态。必须在接收新订单前完成：
// 余额先于订单恢复，保证重新入簿时锁定关系一致。
func recoverState(ctx context.Context, db *sql.DB, reg *registry.Registry,
	store *ledger.Store, engines *engine.Manager, log *logger.Logger) error {

	loader := repository.NewLoader(db, func(asset string) int {
		a, err := reg.Get(asset)
		if err != nil {
			return 0
		}
		return a.QtyScale
	})

	balances, err := loader.LatestBalances(ctx)
	if err != nil {
		return fmt.Errorf("load balances: %w", err)
	}
	for _, b := range balances {
		store.Restore(b.UserID, b.Asset, b.Available, b.Locked)
	}
	log.Infof("balances restored", map[string]interface{}{"accounts": len(balances)})

	assets, err := loader.ActiveAssets(ctx)
	if err != nil {
		return fmt.Errorf("load active assets: %w", err)
	}

	total := 0
	for _, asset := range assets {
		orders, err := loader.LoadOpenOrders(ctx, asset)
		if err != nil {
			return fmt.Errorf("load open orders for %s: %w", asset, err)
		}
		if len(orders) == 0 {
			continue
		}

		eng, err := engines.Engine(asset)
		if err != nil {
			// 资产已下架但还有未完结订单，跳过并告警
			log.Errorf("open orders for unregistered asset", map[string]interface{}{
				"asset": asset, "orders": len(orders),
			})
			continue
		}
		for _, o := range orders {
			if err := eng.Submit(&engine.Command{Type: engine.CmdNewOrder, Order: o}); err != nil {
				return fmt.Errorf("replay order %d: %w", o.ID, err)
			}
		}
		total += len(orders)
	}
	log.Infof("open orders replayed", map[string]interface{}{"orders": total, "assets": len(assets)})
	return nil
}
