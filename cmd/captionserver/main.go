package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"captionlens/internal/api"
	"captionlens/pkg/cache"
	"captionlens/pkg/caption"
	"captionlens/pkg/config"
	"captionlens/pkg/db"
	"captionlens/pkg/duplicate"
	"captionlens/pkg/geo"
	"captionlens/pkg/geoimport"
	"captionlens/pkg/imagestore"
	"captionlens/pkg/llm"
	"captionlens/pkg/llm/deepseek"
	"captionlens/pkg/llm/failover"
	"captionlens/pkg/llm/gemini"
	"captionlens/pkg/llm/groq"
	"captionlens/pkg/llm/nvidia"
	"captionlens/pkg/llm/openai"
	"captionlens/pkg/llm/perplexity"
	"captionlens/pkg/logging"
	"captionlens/pkg/photolib"
	"captionlens/pkg/prompt"
	"captionlens/pkg/request"
	"captionlens/pkg/stream"
	"captionlens/pkg/tracker"
	"captionlens/pkg/version"
)

var initConfig = flag.Bool("init-config", false, "Generate default config file and exit")

func main() {
	flag.Parse()

	if *initConfig {
		if err := config.GenerateDefault("configs/captionlens.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Config file generated: configs/captionlens.yaml")
		return
	}

	if err := run(context.Background(), "configs/captionlens.yaml"); err != nil {
		fmt.Fprintf(os.Stderr, "CRITICAL ERROR: Application failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	appCfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cleanupLogs, err := logging.Init(&appCfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanupLogs()

	slog.Info("captionlens started", "version", version.Version)

	dbConn, err := db.Init(appCfg.DB.Path)
	if err != nil {
		return fmt.Errorf("failed to init db: %w", err)
	}
	defer dbConn.Close()

	tr := tracker.New()

	persistedCache := cache.NewSQLiteCacheWithTTL(dbConn, time.Duration(appCfg.Geo.LookupCacheTTL))
	requestCache := cache.NewRequestCache(appCfg.Cache.MaxEntries)

	reqClient := request.New(persistedCache, tr, request.ClientConfig{
		Retries:          appCfg.Request.Retries,
		BaseDelay:        time.Duration(appCfg.Request.Backoff.BaseDelay),
		MaxDelay:         time.Duration(appCfg.Request.Backoff.MaxDelay),
		GeocodeRateLimit: time.Duration(appCfg.Request.GeocodeRateLimit),
	})

	llmProvider, err := buildLLMProvider(appCfg.LLM, reqClient, tr, appCfg.Log.LLM.Path)
	if err != nil {
		return fmt.Errorf("failed to build llm provider: %w", err)
	}

	countryImporter := geoimport.New(dbConn, reqClient, appCfg.Geo)
	geocoder := geo.NewNominatimGeocoder(reqClient, appCfg.Geo.ReverseGeocodeURL)
	places := geo.NewOverpassPlaces(reqClient, appCfg.Geo.PlacesAPIURL)
	resolver := geo.NewResolver(dbConn, persistedCache, countryImporter, geocoder, places)
	resolver.SetH3Resolution(appCfg.Geo.H3Resolution)

	promptRegistry, err := config.NewRegistry("configs/prompts.yaml")
	if err != nil {
		return fmt.Errorf("failed to load prompt config: %w", err)
	}
	promptSvc := prompt.New(promptRegistry)

	orchestrator := caption.New(llmProvider, promptSvc, resolver, appCfg.Geo.DefaultRadiusKm)

	embedder := duplicate.NewLocalEmbedder()
	embeddingCache, err := duplicate.NewEmbeddingCache(appCfg.Duplicate.EmbeddingCacheDir)
	if err != nil {
		return fmt.Errorf("failed to open embedding cache: %w", err)
	}
	detector := duplicate.New(embedder, embeddingCache, time.Duration(appCfg.Duplicate.IdleUnloadSeconds)*time.Second)

	images, err := imagestore.New(appCfg.Image.TempDir, appCfg.Image.MaxImageSize)
	if err != nil {
		return fmt.Errorf("failed to init image store: %w", err)
	}

	hub := stream.NewHub()

	var albums photolib.AlbumLister
	var assets photolib.AssetFetcher
	if appCfg.Photo.ProxyURL != "" {
		photoClient := photolib.New(reqClient, appCfg.Photo.ProxyURL, appCfg.Photo.APIKey)
		albums = photoClient
		assets = photoClient
	}

	admission := api.NewAdmission(appCfg.Request.MaxConcurrent)

	captionHandler := api.NewCaptionHandler(orchestrator, images, hub, requestCache, admission, time.Duration(appCfg.Cache.TTL))
	duplicateHandler := api.NewDuplicateHandler(detector, hub, admission, albums, assets,
		appCfg.Duplicate.SimilarityThreshold, time.Duration(appCfg.Duplicate.TimeWindowSeconds)*time.Second)
	configHandler := api.NewConfigHandler(promptRegistry, promptSvc.Reload)
	statsHandler := api.NewStatsHandler(requestCache, persistedCache, images, detector, tr, admission, time.Now())
	geoHandler := api.NewGeoHandler(resolver)

	go runMaintenanceSweep(ctx, dbConn, hub, images, detector, appCfg)

	return runServer(ctx, appCfg, captionHandler, duplicateHandler, configHandler, statsHandler, geoHandler)
}

// buildLLMProvider constructs each configured provider client and wraps
// them all in a failover.Provider, walking appCfg.Fallback to fix both the
// chain order and the per-provider timeout.
func buildLLMProvider(cfg config.LLMConfig, rc *request.Client, tr *tracker.Tracker, logPath string) (llm.Provider, error) {
	order := cfg.Fallback
	if len(order) == 0 {
		for name := range cfg.Providers {
			order = append(order, name)
		}
	}

	providers := make([]failover.NamedProvider, 0, len(order))
	names := make([]string, 0, len(order))
	timeouts := make([]time.Duration, 0, len(order))

	for _, name := range order {
		pc, ok := cfg.Providers[name]
		if !ok {
			slog.Warn("llm: fallback references unknown provider, skipping", "name", name)
			continue
		}

		client, err := newNamedProvider(pc, rc, tr)
		if err != nil {
			slog.Warn("llm: failed to build provider, skipping", "name", name, "type", pc.Type, "error", err)
			continue
		}

		providers = append(providers, client)
		names = append(names, name)
		timeouts = append(timeouts, 30*time.Second)
	}

	return failover.New(providers, names, timeouts, logPath, true, tr)
}

func newNamedProvider(pc config.ProviderConfig, rc *request.Client, tr *tracker.Tracker) (failover.NamedProvider, error) {
	switch pc.Type {
	case "gemini":
		return gemini.NewClient(pc, rc, tr)
	case "openai":
		return openai.NewClient(pc, "https://api.openai.com/v1", rc)
	case "deepseek":
		return deepseek.NewClient(pc, rc)
	case "groq":
		return groq.NewClient(pc, rc)
	case "nvidia":
		return nvidia.NewClient(pc, rc)
	case "perplexity":
		return perplexity.NewClient(pc, rc)
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

// runMaintenanceSweep periodically reclaims resources every subsystem holds
// on a timer rather than a reference count: stale SSE connections, expired
// temp image files, an idle duplicate-detection embedder, and persisted
// cache rows past their TTL.
func runMaintenanceSweep(ctx context.Context, dbConn *db.DB, hub *stream.Hub, images *imagestore.Store, detector *duplicate.Detector, cfg *config.Config) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := hub.Reap(10 * time.Minute); n > 0 {
				slog.Debug("maintenance: reaped stream connections", "count", n)
			}
			if n, err := images.Reap(time.Duration(cfg.Image.TempFileMaxAge)); err != nil {
				slog.Warn("maintenance: failed to reap temp images", "error", err)
			} else if n > 0 {
				slog.Debug("maintenance: reaped temp images", "count", n)
			}
			if detector.Reap() {
				slog.Debug("maintenance: unloaded idle duplicate-detection embedder")
			}
			if err := dbConn.PruneCache(time.Duration(cfg.Cache.TTL) * 4); err != nil {
				slog.Warn("maintenance: failed to prune persisted cache", "error", err)
			}
		}
	}
}

func runServer(ctx context.Context, appCfg *config.Config, caption *api.CaptionHandler, duplicates *api.DuplicateHandler, cfg *api.ConfigHandler, stats *api.StatsHandler, geoHandler *api.GeoHandler) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	srv := api.NewServer(appCfg.Server.Address, caption, duplicates, cfg, stats, geoHandler)
	srv.Handler = loggingMiddleware(srv.Handler)

	return runServerLifecycle(ctx, srv, quit)
}

func runServerLifecycle(ctx context.Context, srv *http.Server, quit chan os.Signal) error {
	slog.Info("starting server", "addr", srv.Addr)
	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	select {
	case <-quit:
		slog.Info("shutting down server...")
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down...")
	case err := <-serverErrors:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.RequestLogger.Info("request processed", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

