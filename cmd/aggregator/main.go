// Command aggregator is the worker process: it wires the Persistence and
// Pub/Sub ports to the Scheduler, Item Pipeline and Control Plane, and
// hosts the admin HTTP surface. Grounded in the teacher's main.go wiring
// order (config -> metrics -> db -> monitor -> API server -> signal
// handling), replacing the teacher's process-wide global state with
// explicit dependencies passed down the call chain (spec §9).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/alek-niko/aggregator/internal/apperrors"
	"github.com/alek-niko/aggregator/internal/circuitbreaker"
	"github.com/alek-niko/aggregator/internal/config"
	"github.com/alek-niko/aggregator/internal/controlplane"
	"github.com/alek-niko/aggregator/internal/httpapi"
	"github.com/alek-niko/aggregator/internal/metrics"
	"github.com/alek-niko/aggregator/internal/notify"
	"github.com/alek-niko/aggregator/internal/pipeline"
	"github.com/alek-niko/aggregator/internal/pipeline/publishqueue"
	pubsubredis "github.com/alek-niko/aggregator/internal/pubsub/redis"
	"github.com/alek-niko/aggregator/internal/scheduler"
	"github.com/alek-niko/aggregator/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting feed aggregation worker")

	m := metrics.New()
	log.Println("Prometheus metrics initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(cfg.GetConnectionString())
	if err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}
	defer db.Close()
	log.Println("Database connection established")

	rdb, err := pubsubredis.Connect(ctx, cfg.Redis.URL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer rdb.Close()
	log.Println("Redis connection established")

	breakers := circuitbreaker.NewManager(m)

	bus := controlplane.NewBus(m)

	pq := publishqueue.New(rdb, m, bus, publishqueue.Config{
		QueueSize:   cfg.ControlPlane.PublishQueueSize,
		MaxRetries:  cfg.ControlPlane.PublishMaxRetries,
		BackoffBase: cfg.ControlPlane.PublishRetryBase,
	})
	if err := pq.Start(ctx); err != nil {
		log.Fatalf("failed to start publish queue: %v", err)
	}

	bus.OnNewItem(func(e pipeline.NewItemEvent) {
		envelope := map[string]interface{}{
			"event": fmt.Sprintf("%s%d", cfg.ControlPlane.ItemChannelPrefix, e.Category),
			"data": map[string]interface{}{
				"id":       e.ID,
				"title":    e.Title,
				"url":      e.URL,
				"category": e.Category,
				"website":  e.Website,
				"date":     e.Date,
			},
		}
		payload, err := json.Marshal(envelope)
		if err != nil {
			log.Printf("failed to marshal new-item envelope: %v", err)
			return
		}
		channel := fmt.Sprintf("%s%d", cfg.ControlPlane.ItemChannelPrefix, e.Category)
		if err := pq.Enqueue(channel, payload); err != nil {
			log.Printf("failed to enqueue new-item publish: %v", err)
		}
	})

	bus.OnError(func(ev controlplane.ErrorEvent) {
		var feed interface{}
		if ev.URL != "" {
			feed = ev.URL
		}
		envelope := map[string]interface{}{
			"type":    ev.Type,
			"message": ev.Message,
			"feed":    feed,
			"feedId":  ev.FeedID,
		}
		payload, err := json.Marshal(envelope)
		if err != nil {
			log.Printf("failed to marshal error envelope: %v", err)
			return
		}
		if pubErr := rdb.Publish(ctx, cfg.ControlPlane.ErrorChannel, payload); pubErr != nil {
			log.Printf("failed to publish error envelope: %v", pubErr)
		}
	})

	// redis_error / db_connect_error are critical: the worker cannot make
	// progress without either port, so it shuts itself down gracefully
	// rather than spinning on a broken dependency (spec §7).
	bus.OnError(func(ev controlplane.ErrorEvent) {
		if ev.Type.Critical() {
			log.Printf("critical error %q received, triggering shutdown: %s", ev.Type, ev.Message)
			cancel()
		}
	})

	sched := scheduler.New(scheduler.Deps{
		Store:       db,
		Emitter:     bus,
		Breakers:    breakers,
		Metrics:     m,
		UserAgent:   cfg.API.UserAgent,
		Freshness:   cfg.App.FreshnessWindow,
		HTTPTimeout: cfg.API.Timeout,
	})

	started := sched.Init(ctx)
	log.Printf("scheduler started %d feeds", started)

	notifier := notify.New(os.Getenv("DISCORD_WEBHOOK_URL"))
	notifier.Subscribe(bus)

	admin := httpapi.New(cfg, sched, breakers, m)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		addr := fmt.Sprintf(":%d", cfg.App.Port)
		log.Printf("starting admin HTTP server on %s", addr)
		if err := admin.ListenAndServe(ctx, addr); err != nil {
			log.Printf("admin HTTP server stopped: %v", err)
		}
	}()

	go func() {
		defer wg.Done()
		dispatcher := scheduler.Dispatcher{Scheduler: sched}
		for {
			err := rdb.Subscribe(ctx, cfg.ControlPlane.CommandChannel, func(channel, payload string) {
				controlplane.HandleMessage(ctx, payload, dispatcher, m)
			})
			if err == nil || ctx.Err() != nil {
				return
			}
			if pubsubredis.IsConnectionError(err) {
				bus.EmitError(apperrors.TagRedis, nil, "", "command subscription lost: "+err.Error())
				return
			}
			log.Printf("command subscription error, retrying: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.DB().Stats()
				m.UpdateDBConnections(stats.OpenConnections, stats.InUse, stats.Idle)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Println("shutdown signal received, stopping services...")
	case <-ctx.Done():
		log.Println("stopping services after critical error...")
	}

	shutdownPayload, _ := json.Marshal(map[string]string{"status": "shutting_down"})
	rdb.Publish(context.Background(), cfg.ControlPlane.StatusChannel, shutdownPayload)

	sched.Destroy()
	pq.Stop()
	cancel()
	wg.Wait()
	log.Println("all services stopped successfully")
}
