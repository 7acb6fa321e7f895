// cmd/feedsim: simulated upstream for running the screener without real
// exchange credentials.
//
// Serves the same surface as the exchange: an authenticated WebSocket at
// /live streaming candlestick_<tf> messages for subscribed pairs, and REST
// history at /history/candles.
//
// Config (env vars):
//
//	FEEDSIM_ADDR           listen address (default: ":9001")
//	FEEDSIM_SYMBOLS        comma-separated SYMBOL:PRICE pairs (default: "BTCUSD:65000,ETHUSD:3200")
//	FEEDSIM_INTERVAL_MS    broadcast interval milliseconds (default: "1000")
//	API_KEY, API_SECRET    credentials the simulator accepts
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ema-screener/internal/feedsim"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[feedsim] starting simulated upstream...")
	godotenv.Load()

	addr := envOrDefault("FEEDSIM_ADDR", ":9001")
	prices := parsePrices(envOrDefault("FEEDSIM_SYMBOLS", "BTCUSD:65000,ETHUSD:3200"))
	if len(prices) == 0 {
		log.Fatalf("[feedsim] no symbols configured via FEEDSIM_SYMBOLS")
	}
	intervalMs := envIntOrDefault("FEEDSIM_INTERVAL_MS", 1000)

	sim := feedsim.New(feedsim.Config{
		APIKey:    envOrDefault("API_KEY", "demo"),
		APISecret: envOrDefault("API_SECRET", "demo"),
		Prices:    prices,
		Interval:  time.Duration(intervalMs) * time.Millisecond,
	})
	log.Printf("[feedsim] symbols: %v, interval %dms", prices, intervalMs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sim.Run(ctx)

	srv := &http.Server{Addr: addr, Handler: sim.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[feedsim] listening on %s  (WebSocket: ws://localhost%s/live, REST: http://localhost%s)", addr, addr, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[feedsim] server error: %v", err)
	}
	log.Println("[feedsim] stopped")
}

// parsePrices reads "SYMBOL:PRICE,..." pairs, skipping malformed entries.
func parsePrices(s string) map[string]float64 {
	out := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		sym, price, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			continue
		}
		p, err := strconv.ParseFloat(price, 64)
		if err != nil || p <= 0 {
			log.Printf("[feedsim] skipping invalid entry %q", part)
			continue
		}
		out[strings.ToUpper(sym)] = p
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
