package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"marketsynth/config"
	"marketsynth/internal/analyzer"
	"marketsynth/internal/analyzerconfig"
	"marketsynth/internal/api"
	"marketsynth/internal/cache"
	"marketsynth/internal/gateway"
	"marketsynth/internal/instrumentmap"
	"marketsynth/internal/llm"
	"marketsynth/internal/marketdata/bus"
	"marketsynth/internal/metrics"
	"marketsynth/internal/model"
	"marketsynth/internal/notification"
	"marketsynth/internal/orchestrator"
	redisstore "marketsynth/internal/store/redis"
	sqlitestore "marketsynth/internal/store/sqlite"
	"marketsynth/pkg/smartconnect"

	"github.com/pquerna/otp/totp"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[api_gateway] starting...")

	cfg := config.Load()

	prom := metrics.NewMetrics()

	sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: cfg.AngelAPIKey})
	if totpCode, err := totp.GenerateCode(cfg.AngelTOTPSecret, time.Now()); err != nil {
		log.Printf("[api_gateway] WARNING: TOTP generation failed: %v (historical fetches will fail until a session exists)", err)
	} else if _, err := sc.GenerateSession(cfg.AngelClientCode, cfg.AngelPassword, totpCode); err != nil {
		log.Printf("[api_gateway] WARNING: broker session login failed: %v (historical fetches will fail until a session exists)", err)
	}
	provider := orchestrator.NewSmartConnectProvider(sc)

	cacheStore, err := cache.New(cache.Config{Addr: cfg.CacheAddr, Password: cfg.CachePassword, DB: cfg.CacheDB})
	if err != nil {
		log.Printf("[api_gateway] WARNING: cache init failed: %v (continuing without cache)", err)
		cacheStore = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	llmClient, err := llm.NewWithMetrics(ctx, llm.Config{
		APIKey:         cfg.GenAIAPIKey,
		PrimaryModels:  cfg.LLMPrimaryModels,
		FallbackModels: cfg.LLMFallbackModels,
		DefaultBudget:  llm.ModelBudget{MaxPromptChars: cfg.LLMPromptBudget},
		MaxRetries:     cfg.LLMMaxRetries,
		BaseBackoff:    cfg.LLMBaseBackoff(),
	}, prom)
	if err != nil {
		log.Fatalf("[api_gateway] llm client init failed: %v", err)
	}

	manifest := analyzerconfig.DefaultManifest()
	if cfg.AnalyzerManifestPath != "" {
		if m, err := analyzerconfig.Load(cfg.AnalyzerManifestPath); err != nil {
			log.Printf("[api_gateway] WARNING: analyzer manifest load failed: %v (using default)", err)
		} else {
			manifest = m
		}
	}

	registry := analyzer.NewRegistry()
	registry.Register(analyzer.NewTechnicalAnalyzer())
	registry.Register(analyzer.NewVolumeRegimeAnalyzer())
	registry.Register(analyzer.NewPatternAnalyzer(llmClient))
	registry.Register(analyzer.NewSectorAnalyzer(llmClient))
	registry.Register(analyzer.NewMLPredictorAnalyzer(llmClient))

	var notifier notification.Notifier
	switch {
	case cfg.TelegramBotToken != "" && cfg.TelegramChatID != "":
		notifier = notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
	case cfg.WebhookURL != "":
		notifier = notification.NewWebhookNotifier(cfg.WebhookURL)
	default:
		notifier = notification.NewLogNotifier()
	}

	orc := orchestrator.New(provider, cacheStore, registry, manifest, llmClient, notifier, prom, cfg.ContextMaxBytes)

	// Write-behind Decision persistence (spec §4.10 step 7): shares the
	// candles.db file mdengine writes to, through its own connection (WAL
	// mode tolerates concurrent single-writer processes on one file).
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		log.Printf("[api_gateway] WARNING: mkdir for sqlite path failed: %v", err)
	}
	if sqlWriter, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath}); err != nil {
		log.Printf("[api_gateway] WARNING: decision persistence init failed: %v (decisions won't be persisted)", err)
	} else {
		decisionWriter := sqlitestore.NewDecisionWriter(sqlWriter)
		decisionCh := make(chan model.Decision, 256)
		go decisionWriter.Run(ctx, decisionCh)
		orc.DecisionCh = decisionCh
		defer sqlWriter.Close()
	}

	// The live tick/candle fan-out bus (C4) is populated by the ingest
	// pipeline (C2/C3, cmd/mdengine) over the cross-process Redis relay;
	// this process only fans it out to WS subscribers and schedules
	// debounced on-rolling-bar re-analysis (spec §4.10 control flow).
	marketBus := bus.New(256)

	mapper := instrumentmap.LoadCSV(cfg.InstrumentSeed)
	mapper.SetSearcher(sc)

	gw := gateway.New(orc, marketBus, cacheStore, mapper)
	mux := api.NewRouter(gw)

	relayReader, err := redisstore.NewReader(redisstore.ReaderConfig{
		Addr: cfg.RedisAddr, Password: cfg.CachePassword, DB: cfg.CacheDB,
	})
	if err != nil {
		log.Printf("[api_gateway] WARNING: envelope relay reader init failed: %v (live stream/on-rolling-bar re-analysis disabled)", err)
	} else {
		lb := newLiveBridge(marketBus, orc, mapper)
		envelopeCh := make(chan bus.Envelope, 5000)
		go lb.run(ctx, envelopeCh)
		go func() {
			if err := relayReader.SubscribeEnvelopes(ctx, envelopeCh); err != nil {
				log.Printf("[api_gateway] envelope relay subscribe error: %v", err)
			}
		}()
	}

	addr := getEnv("GATEWAY_ADDR", ":9090")
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		log.Printf("[api_gateway] listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[api_gateway] server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[api_gateway] shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[api_gateway] shutdown error: %v", err)
	}
	if cacheStore != nil {
		cacheStore.Close()
	}
	if relayReader != nil {
		relayReader.Close()
	}
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
