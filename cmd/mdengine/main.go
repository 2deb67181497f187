package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pquerna/otp/totp"

	"marketsynth/config"
	"marketsynth/internal/marketdata/agg"
	"marketsynth/internal/marketdata/bus"
	"marketsynth/internal/marketdata/closedetector"
	"marketsynth/internal/marketdata/ws"
	"marketsynth/internal/markethours"
	"marketsynth/internal/metrics"
	"marketsynth/internal/model"
	"marketsynth/internal/tickgate"
	redisstore "marketsynth/internal/store/redis"
	sqlitestore "marketsynth/internal/store/sqlite"
	smartconnect "marketsynth/pkg/smartconnect"
)

// mdengine is C1+C2+C3+C4's process: broker WS ingest, de-dup gate, candle
// aggregation, and the Envelope relay that hands the live stream to whatever
// process (cmd/api_gateway) fans it out to WebSocket subscribers (spec §4.1-
// §4.3). Closed candles are durably persisted through SQLite and Redis.
func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[mdengine] starting...")

	cfg := config.Load()
	timeframes := cfg.ParseTimeframes()
	log.Printf("[mdengine] enabled timeframes: %v", timeframes)

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetEnabledTFs(cfg.ParseTFs())
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Durable candle sinks ----
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		log.Fatalf("[mdengine] mkdir for sqlite path failed: %v", err)
	}
	sqlWriter, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[mdengine] sqlite init failed: %v", err)
	}
	defer sqlWriter.Close()
	health.SetSQLiteOK(true)
	log.Println("[mdengine] sqlite writer ready")

	var redisWriter *redisstore.Writer
	var bufferedWriter *redisstore.BufferedWriter
	redisWriter, err = redisstore.New(redisstore.WriterConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		log.Printf("[mdengine] WARNING: redis init failed: %v (continuing without redis/live relay)", err)
		health.SetRedisConnected(false)
	} else {
		health.SetRedisConnected(true)
		log.Println("[mdengine] redis writer ready")

		cb := redisstore.NewCircuitBreaker(5, 30*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			log.Printf("[mdengine] redis circuit breaker: %s -> %s", from, to)
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
		}
		bufferedWriter = redisstore.NewBufferedWriter(ctx, redisWriter, cb, 10000)
		bufferedWriter.OnFlush = func(n int) {
			prom.RedisBufferedWrites.Add(float64(n))
		}
	}

	if redisWriter != nil {
		health.StartLivenessChecker(ctx, redisWriter.Client(), sqlWriter.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, sqlWriter.DB(), 10*time.Second)
	}

	// ---- Pipeline channels ----
	tickCh := make(chan model.Tick, 10000)     // gate input, shared across WS sessions
	gatedCh := make(chan model.Tick, 10000)    // gate output, aggregator input
	eventCh := make(chan agg.Event, 5000)      // aggregator output (rolling + closed)
	sqliteCandleCh := make(chan model.Candle, 5000)
	redisCandleCh := make(chan model.Candle, 5000)
	envelopeCh := make(chan bus.Envelope, 5000) // cross-process relay feed

	gate := tickgate.New(tickgate.DefaultConfig())
	gate.OnReject = func(reason string) {
		prom.TickGateDropped.WithLabelValues(reason).Inc()
	}
	gate.OnDrop = func(string) {
		prom.TickGateDropped.WithLabelValues("duplicate").Inc()
	}

	aggregator := agg.New(timeframes, ws.VolumeMode)
	aggregator.OnLateTick = func(string) {
		prom.StaleCandlesRejected.Inc()
	}
	aggregator.OnDroppedEvent = func(stage model.CandleStage) {
		prom.FanoutDropsTotal.WithLabelValues(string(stage)).Inc()
	}

	// ---- Gate stage: dedup + tick envelope relay (spec §4.1) ----
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-tickCh:
				if !ok {
					return
				}
				prom.TicksTotal.Inc()
				status := markethours.Status(time.Now())
				switch gate.Admit(tick, status) {
				case tickgate.Accept:
					prom.TickGateAdmitted.Inc()
					select {
					case gatedCh <- tick:
					default:
						prom.DroppedTicks.Inc()
					}
					select {
					case envelopeCh <- bus.Envelope{Kind: bus.EnvTick, Tick: tick}:
					default:
						prom.FanoutDropsTotal.WithLabelValues("tick").Inc()
					}
				case tickgate.Drop, tickgate.Reject:
					// already counted via OnDrop/OnReject
				}
			}
		}
	}()

	go aggregator.Run(ctx, gatedCh, eventCh)

	// ---- Candle-event stage: envelope relay + closed-candle persistence ----
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-eventCh:
				if !ok {
					return
				}
				select {
				case envelopeCh <- bus.Envelope{Kind: bus.EnvCandle, Candle: ev.Candle, Stage: ev.Stage}:
				default:
					prom.FanoutDropsTotal.WithLabelValues("candle").Inc()
				}
				if ev.Stage != model.StageClosed {
					continue
				}
				prom.CandlesTotal.Inc()
				select {
				case sqliteCandleCh <- ev.Candle:
				default:
					prom.RingBufOverflow.Inc()
				}
				select {
				case redisCandleCh <- ev.Candle:
				default:
					prom.RingBufOverflow.Inc()
				}
			}
		}
	}()

	go sqlWriter.Run(ctx, sqliteCandleCh)

	if bufferedWriter != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case c, ok := <-redisCandleCh:
					if !ok {
						return
					}
					start := time.Now()
					if err := bufferedWriter.WriteCandle(c); err != nil {
						log.Printf("[mdengine] redis write error: %v", err)
					}
					prom.RedisWriteDur.Observe(time.Since(start).Seconds())
				}
			}
		}()
	}

	if redisWriter != nil {
		go redisWriter.RunEnvelopeRelay(ctx, envelopeCh)
	} else {
		// Nothing to relay the envelopes to: drain so producers never block.
		go func() {
			for range envelopeCh {
			}
		}()
	}

	log.Println("[mdengine] pipeline ready (24/7)")

	// ---- WS ingest lifecycle: market-hours-gated session loop ----
	tokenList := parseTokenList(cfg.SubscribeTokens)
	log.Printf("[mdengine] subscribing to %d token groups", len(tokenList))

	go func() {
		loginBackoff := 30 * time.Second // exponential: 30s -> 60s -> 120s -> 240s -> cap 5m

		for {
			now := time.Now()
			nextPreOpen := markethours.NextPreOpen(now)
			nextOpen := markethours.NextOpen(now)

			if now.Before(nextPreOpen) {
				wait := nextPreOpen.Sub(now)
				log.Printf("[mdengine] market closed: %s", markethours.StatusString(now))
				log.Printf("[mdengine] sleeping %v until pre-open %s",
					wait.Truncate(time.Second), nextPreOpen.In(markethours.IST).Format("Mon 15:04"))
				health.SetWSConnected(false)
				prom.MarketState.Set(0)

				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}

			log.Println("[mdengine] pre-market warm-up: generating fresh session...")
			prom.SessionTransitions.WithLabelValues("open").Inc()

			totpCode, err := totp.GenerateCode(cfg.AngelTOTPSecret, time.Now())
			if err != nil {
				log.Printf("[mdengine] TOTP generation failed: %v, retrying in %v", err, loginBackoff)
				loginBackoff = sleepBackoff(ctx, loginBackoff)
				continue
			}

			sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: cfg.AngelAPIKey})
			userResp, err := sc.GenerateSession(cfg.AngelClientCode, cfg.AngelPassword, totpCode)
			if err != nil {
				log.Printf("[mdengine] login failed: %v, retrying in %v", err, loginBackoff)
				loginBackoff = sleepBackoff(ctx, loginBackoff)
				continue
			}

			feedToken := sc.GetFeedToken()
			authToken := extractBearerToken(userResp)
			if feedToken == "" || authToken == "" {
				log.Printf("[mdengine] empty tokens from session response, retrying in %v", loginBackoff)
				loginBackoff = sleepBackoff(ctx, loginBackoff)
				continue
			}
			loginBackoff = 30 * time.Second // reset on success
			log.Println("[mdengine] session ready")

			if wait := markethours.WSConnectTime(nextOpen).Sub(time.Now()); wait > 0 {
				log.Printf("[mdengine] waiting %v to connect WS", wait.Truncate(time.Second))
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}

			closeTime := markethours.TodayClose(time.Now())
			detector := closedetector.New(closeTime)
			wsDeadline := closeTime.Add(detector.MaxGrace)
			wsCtx, wsCancel := context.WithDeadline(ctx, wsDeadline)

			ingest, err := ws.New(ws.IngestConfig{
				AuthToken:     authToken,
				APIKey:        cfg.AngelAPIKey,
				ClientCode:    cfg.AngelClientCode,
				FeedToken:     feedToken,
				SubscribeMode: smartconnect.ModeLTP,
				TokenList:     tokenList,
			})
			if err != nil {
				log.Printf("[mdengine] ws init failed: %v, retrying in 30s", err)
				wsCancel()
				select {
				case <-ctx.Done():
					return
				case <-time.After(30 * time.Second):
				}
				continue
			}
			ingest.OnReconnect = func() {
				prom.WSReconnects.Inc()
			}

			sessionCh := make(chan model.Tick, 10000)
			sessionDone := make(chan struct{})
			go func() {
				defer close(sessionDone)
				for {
					select {
					case <-wsCtx.Done():
						return
					case t, ok := <-sessionCh:
						if !ok {
							return
						}
						health.SetLastTickTime(time.Now())
						select {
						case tickCh <- t:
						default:
							prom.DroppedTicks.Inc()
						}
						if detector.Observe(t.Price, time.Now()) {
							wsCancel()
						}
					}
				}
			}()

			health.SetWSConnected(true)
			prom.MarketState.Set(1)
			log.Printf("[mdengine] WS connected, smart close after %s (hard max %s)",
				closeTime.In(markethours.IST).Format("15:04:05"), wsDeadline.In(markethours.IST).Format("15:04:05"))

			if err := ingest.Start(wsCtx, sessionCh); err != nil {
				log.Printf("[mdengine] ws session ended: %v", err)
			}
			wsCancel()
			<-sessionDone

			health.SetWSConnected(false)
			prom.MarketState.Set(0)
			prom.SessionTransitions.WithLabelValues("close").Inc()

			aggregator.FlushSession(eventCh)
			log.Printf("[mdengine] WS disconnected, closing price: %.2f", detector.ClosingPrice())

			if ctx.Err() != nil {
				return
			}
		}
	}()

	log.Printf("[mdengine] %s", markethours.StatusString(time.Now()))

	<-sigCh
	log.Println("[mdengine] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	if redisWriter != nil {
		redisWriter.Close()
	}
	log.Println("[mdengine] shutdown complete.")
}

// extractBearerToken pulls the "Bearer "-prefixed JWT that
// SmartConnect.GenerateSession injects into the profile response's data
// map; SmartWebSocketV3.Connect sends this value as-is in the Authorization
// header, with no further prefixing.
func extractBearerToken(userResp map[string]any) string {
	data, ok := userResp["data"].(map[string]interface{})
	if !ok {
		return ""
	}
	jwt, _ := data["jwtToken"].(string)
	return jwt
}

func sleepBackoff(ctx context.Context, backoff time.Duration) time.Duration {
	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
	return minDur(backoff*2, 5*time.Minute)
}

// parseTokenList parses "exchangeType:token,exchangeType:token,..." into
// grouped TokenListEntry slices.
func parseTokenList(s string) []smartconnect.TokenListEntry {
	groups := map[int][]string{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			continue
		}
		exType, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		groups[exType] = append(groups[exType], parts[1])
	}

	result := make([]smartconnect.TokenListEntry, 0, len(groups))
	for exType, tokens := range groups {
		result = append(result, smartconnect.TokenListEntry{ExchangeType: exType, Tokens: tokens})
	}
	return result
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
