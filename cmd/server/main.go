// Command server runs the pipeline job-queue core: it connects to the
// Redis-backed store, restores any runs interrupted by a previous crash,
// starts the cross-instance event listener, and serves the WebSocket
// gateway until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/whisper-darkly/pipequeue/config"
	"github.com/whisper-darkly/pipequeue/gateway"
	"github.com/whisper-darkly/pipequeue/queue"
	queueredis "github.com/whisper-darkly/pipequeue/queue/redis"
	"github.com/whisper-darkly/pipequeue/registry"
)

var version = "dev"

func main() {
	clearAll := flag.Bool("clear-all", false, "wipe all queue state and item hashes, then exit")
	flag.Parse()

	fmt.Printf("pipequeue %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	data := cfg.Get()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Connect to the external store.
	cli := goredis.NewClient(&goredis.Options{
		Addr: data.RedisAddr,
		DB:   data.RedisDB,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis: %v", err)
	}

	store := queueredis.New(queueredis.Config{
		Client:         cli,
		EventsChannel:  data.EventsChannel,
		ItemTTL:        config.ParseDuration(data.ItemTTL, 7*24*time.Hour),
		HistoryCap:     data.HistoryCap,
		FailedListCap:  data.FailedListCap,
		HistoryListCap: data.HistoryListCap,
	})
	defer store.Close()

	if *clearAll {
		stats, err := store.ClearAll(ctx)
		if err != nil {
			log.Fatalf("clear-all: %v", err)
		}
		log.Printf("clear-all: pending=%d running=%d failed=%d history=%d items=%d",
			stats.PendingRemoved, stats.RunningRemoved, stats.FailedRemoved, stats.HistoryRemoved, stats.ItemsDeleted)
		return
	}

	// 2. Restore runs interrupted by a previous crash, before anything can
	// observe the running set.
	restored, err := store.RestoreInterruptedRuns(ctx)
	if err != nil {
		log.Fatalf("restoreInterruptedRuns: %v", err)
	}
	if len(restored) > 0 {
		log.Printf("restored %d interrupted run(s) to pending", len(restored))
	}

	// 3. Start the cross-instance event listener before accepting clients.
	var listenerWG sync.WaitGroup
	listenerWG.Add(1)
	go func() {
		defer listenerWG.Done()
		if err := store.Listen(ctx); err != nil {
			log.Printf("event listener: %v", err)
		}
	}()

	go staleCleanupLoop(ctx, store, data)

	pingInterval := config.ParseDuration(data.PingInterval, 20*time.Second)
	pongTimeout := config.ParseDuration(data.PongTimeout, 30*time.Second)
	reg := registry.New(pingInterval, pongTimeout)

	gw := gateway.New(store, reg, data.DefaultPendingLimit)
	gw.RegisterFanout()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeHTTP)

	srv := &http.Server{
		Addr:         data.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// 4. Accept incoming WebSocket connections.
	go func() {
		log.Printf("listening on %s", data.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down…")

	// Shutdown sequence, in order.
	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	cancel() // cancels the listener and cleanup loop
	listenerWG.Wait()

	reg.CloseAll()

	// store.Close() runs via defer, last.
}

func staleCleanupLoop(ctx context.Context, store queue.Store, data config.Data) {
	interval := config.ParseDuration(data.CleanupInterval, 5*time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := store.CleanupStale(ctx, data.StalePendingMinutes)
			if err != nil {
				log.Printf("cleanupStale: %v", err)
				continue
			}
			if stats.OrphanPendingRemoved+stats.TimedOutFailed+stats.InvalidPendingRemoved+stats.OrphanRunningRemoved > 0 {
				log.Printf("cleanupStale: orphanPending=%d timedOut=%d invalidPending=%d orphanRunning=%d",
					stats.OrphanPendingRemoved, stats.TimedOutFailed, stats.InvalidPendingRemoved, stats.OrphanRunningRemoved)
			}
		}
	}
}
