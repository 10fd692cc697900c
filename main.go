package main

import (
	"RecycleDetServer/cache"
	"RecycleDetServer/classify"
	"RecycleDetServer/config"
	"RecycleDetServer/engine"
	backend "RecycleDetServer/gRPC"
	"RecycleDetServer/imageproc"
	iface "RecycleDetServer/interface"
	"RecycleDetServer/logger"
	"RecycleDetServer/monitor"
	"RecycleDetServer/pipeline"
	"RecycleDetServer/pricing"
	"RecycleDetServer/storage"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	defaultPath := os.Getenv("RECYCLE_CONFIG")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to the YAML config file")
	flag.Parse()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("Failed to load config:", err)
		os.Exit(1)
	}
	err = logger.Init(logger.Options{
		Development: cfg.Log.Mode == "development",
		Level:       cfg.Log.Level,
		File:        cfg.Log.File,
	})
	if err != nil {
		fmt.Println("Failed to init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Log()
	if cfg.Log.Mode != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	CPUNum := runtime.NumCPU()
	fmt.Println(strings.Repeat("#", 64))
	fmt.Printf("CPU Cores: %d\n", CPUNum)
	fmt.Println("  HTTP  Port:", cfg.HTTPPort)
	fmt.Println("  gRPC  Port:", cfg.RPCPort)
	fmt.Println("Metrics Port:", cfg.MetricsPort)
	fmt.Println("Configured Workers Num:", cfg.WorkersNum)
	fmt.Println(strings.Repeat("#", 64))
	if cfg.WorkersNum > CPUNum {
		log.Warn("workersNum exceeds CPU cores, which may lead to performance degradation",
			zap.Int("workers", cfg.WorkersNum), zap.Int("cpus", CPUNum))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	var wg sync.WaitGroup

	metrics := monitor.NewMetrics()
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.StartMon(ctx, cfg.MetricsPort, metrics, log)
	}()

	catalog := pricing.NewCatalog()
	sources, redisClient := priceSources(cfg.Pricing)
	for _, src := range sources {
		wg.Add(1)
		go pricing.NewRefresher(src, catalog, cfg.Pricing.RefreshInterval, log).Run(ctx, &wg)
	}

	var store *storage.Store
	if cfg.Storage.Driver != "" {
		timeout := cfg.Storage.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		openCtx, openCancel := context.WithTimeout(ctx, timeout)
		store, err = openStore(openCtx, cfg.Storage, log)
		openCancel()
		if err != nil {
			log.Warn("storage unavailable, history will not be recorded", zap.Error(err))
			store = nil
		}
	}

	if cfg.Detection.Fingerprint == imageproc.FingerprintShape {
		log.Warn("shape fingerprint enabled, distinct images of equal size and format share cache entries")
	}

	var detectors []*engine.Detector
	opts := []pipeline.Option{
		pipeline.WithOptions(pipelineOptions(cfg)),
		pipeline.WithResolver(classify.NewResolver(cfg.Cache.ClassificationCapacity)),
		pipeline.WithMetrics(metrics),
		pipeline.WithLogger(log),
	}
	if d := loadDetector("primary", cfg.Detection.Primary, cfg.Detection.DetectorTimeout, log); d != nil {
		detectors = append(detectors, d)
		opts = append(opts, pipeline.WithPrimary(d))
	}
	if d := loadDetector("secondary", cfg.Detection.Secondary, cfg.Detection.DetectorTimeout, log); d != nil {
		detectors = append(detectors, d)
		opts = append(opts, pipeline.WithSecondary(d))
	}
	if cfg.Cache.Enabled {
		opts = append(opts, pipeline.WithCache(cache.New(cfg.Cache.Capacity, cfg.Cache.ClearInterval)))
	}
	if store != nil {
		opts = append(opts, pipeline.WithRecorder(store))
	}
	p := pipeline.New(pricing.NewEstimator(catalog), opts...)
	pool := pipeline.NewPool(p, cfg.WorkersNum, log)

	rpc := backend.NewServer(pool, catalog, metrics, log, cfg.AllowRemoteShutdown)
	grpcServer, err := backend.StartGRPCServer(cfg.RPCPort, rpc, log)
	if err != nil {
		log.Error("failed to start gRPC server", zap.Error(err))
		cancel()
	}

	api := &API{pool: pool, catalog: catalog, metrics: metrics, log: log}
	if store != nil {
		api.store = store
	}
	if cfg.RateLimit.RPS > 0 {
		api.limiter = newRateLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst)
		idle := cfg.RateLimit.IdleTimeout
		if idle <= 0 {
			idle = 10 * time.Minute
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			api.limiter.RunEviction(ctx, time.Minute, idle, log)
		}()
	}
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: NewRouter(api),
	}
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server stopped", zap.Error(err))
			cancel()
		}
	}()

	select {
	case <-ctx.Done():
	case <-rpc.CloseChannel:
	}
	log.Warn("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	pool.Close()
	p.Close()
	for _, d := range detectors {
		d.Destroy()
	}
	if store != nil {
		_ = store.Close()
	}
	wg.Wait()
	if redisClient != nil {
		_ = redisClient.Close()
	}
	fmt.Println("Safely exited")
}

func pipelineOptions(cfg config.Config) pipeline.Options {
	o := pipeline.DefaultOptions()
	o.MaxImageSize = cfg.Detection.MaxImageSize
	o.MinConfidence = cfg.Detection.MinConfidence
	o.IoUThreshold = cfg.Detection.IoUThreshold
	o.DetectorTimeout = cfg.Detection.DetectorTimeout
	o.FingerprintMode = cfg.Detection.Fingerprint
	o.DefaultMode = pipeline.Mode(cfg.Detection.DefaultMode)
	o.PrimaryMinConfidence = cfg.Detection.Primary.MinConfidence
	o.SecondaryMinConfidence = cfg.Detection.Secondary.MinConfidence
	o.SecondaryKeepUnresolvedMinConfidence = cfg.Detection.Secondary.KeepUnresolvedMinConfidence
	if cfg.Storage.Timeout > 0 {
		o.PersistTimeout = cfg.Storage.Timeout
	}
	return o
}

func priceSources(cfg config.PricingConfig) ([]pricing.Source, redis.UniversalClient) {
	var sources []pricing.Source
	if cfg.File != "" {
		sources = append(sources, &pricing.FileSource{Path: cfg.File})
	}
	if cfg.URL != "" {
		sources = append(sources, pricing.NewHTTPSource(cfg.URL, 10*time.Second))
	}
	var client redis.UniversalClient
	if cfg.Redis.Addr != "" {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.Redis.Addr},
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		sources = append(sources, pricing.NewRedisSource(client, cfg.Redis.Key))
	}
	return sources, client
}

func openStore(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (*storage.Store, error) {
	store, err := storage.Open(ctx, cfg.Driver, cfg.DSN, log)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	log.Info("storage ready", zap.String("driver", cfg.Driver))
	return store, nil
}

// loadDetector registers and loads one remote detector. Disabled or broken detectors return nil
// and the pipeline runs without them.
func loadDetector(name string, cfg config.DetectorConfig, fallbackTimeout time.Duration, log *zap.Logger) *engine.Detector {
	if !cfg.Enabled {
		log.Info("detector disabled", zap.String("detector", name))
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = fallbackTimeout
	}
	d := engine.NewDetector(name, cfg.URL)
	d.New(engine.NewHTTPBackend(cfg.URL, timeout))

	names := iface.NamesConf{IsFile: false, Data: cfg.Names}
	if cfg.NamesFile != "" {
		names = iface.NamesConf{IsFile: true, Data: cfg.NamesFile}
	}
	if err := d.LoadModel(names, cfg.MinConfidence); err != nil {
		log.Error("failed to load detector", zap.String("detector", name), zap.Error(err))
		d.Destroy()
		return nil
	}
	log.Info("detector loaded", zap.String("detector", name), zap.String("endpoint", cfg.URL))
	return d
}
