// Package main is the Immortal Chat OS application entry point.
// Following Hexagonal Architecture: main wires adapters to ports and
// starts the process; no business logic lives here.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"immortal-chat/internal/adapters/gateway"
	"immortal-chat/internal/adapters/handler"
	"immortal-chat/internal/adapters/repository/mysql"
	"immortal-chat/internal/adapters/repository/rediscoord"
	"immortal-chat/internal/adapters/websocket"
	"immortal-chat/internal/config"
	"immortal-chat/internal/core/domain"
	"immortal-chat/internal/core/ports"
	"immortal-chat/internal/core/services"
)

func main() {
	fmt.Println("=== Immortal Chat OS - Cell Infrastructure Initialization ===")

	fmt.Println("[1/6] Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	fmt.Println("✓ Config loaded")

	fmt.Println("[2/6] Connecting to MariaDB...")
	db := connectMariaDB(cfg.Database.DSN, 5, 2*time.Second)
	defer db.Close()
	fmt.Println("✓ MariaDB connection established")

	fmt.Println("[3/6] Connecting to Redis...")
	rdb := connectRedis(cfg.Coordination.URL, 5, 2*time.Second)
	defer rdb.Close()
	fmt.Println("✓ Redis connection established")

	fmt.Println("[4/6] Initializing repositories and stores...")
	store := mysql.New(db)
	coord := rediscoord.New(rdb)
	instanceID := uuid.NewString()
	fmt.Println("✓ Repositories initialized")

	fmt.Println("[5/6] Initializing services...")

	bus := services.NewEventBus(coord, instanceID)
	conversations := services.NewConversationService(store.Conversations, coord, bus)
	pause := services.NewPauseSwitch()

	adapters := map[domain.Provider]ports.ProviderAdapter{
		domain.ProviderA: gateway.NewProviderAClient(),
		domain.ProviderB: gateway.NewProviderBClient(),
	}

	dispatcher := services.NewDispatcher(
		store.Channels,
		store.Contacts,
		store.Conversations,
		store.Messages,
		store.WebhookJobs,
		coord,
		bus,
		cfg.Worker.IngestWorkers,
		cfg.Worker.IngestMaxAttempts,
		cfg.Worker.IngestBaseBackoff,
	)

	outbound := services.NewOutboundPipeline(
		store.Messages,
		store.Conversations,
		store.Channels,
		store.Contacts,
		adapters,
		bus,
		pause,
		cfg.Worker.OutboundWorkers,
		cfg.Worker.OutboundMaxAttempts,
		cfg.Worker.OutboundBaseBackoff,
	)

	reaper := services.NewReaper(store.AgentSessions, conversations, 90*time.Second, 30*time.Second)
	reaperCtx, cancelReaper := context.WithCancel(context.Background())
	go reaper.Run(reaperCtx)
	defer cancelReaper()

	fmt.Println("✓ Services initialized")

	fmt.Println("[6/6] Initializing HTTP handlers and Socket Gateway...")

	defaultSecrets := map[domain.Provider]string{
		domain.ProviderA: cfg.Provider.ADefaultSecret,
		domain.ProviderB: cfg.Provider.BDefaultSecret,
	}
	webhookHandler := handler.NewWebhookHandler(store.Channels, dispatcher, adapters, defaultSecrets)
	conversationHandler := handler.NewConversationHandler(store.Conversations, store.Messages, conversations, outbound)
	healthHandler := handler.NewHealthHandler(db, rdb, nil)
	hub := websocket.NewHub(bus, conversations, coord, store.AgentSessions, instanceID)

	router := chi.NewRouter()
	router.Use(chiMiddleware.RequestID)
	router.Use(chiMiddleware.RealIP)
	router.Use(chiMiddleware.Logger)
	router.Use(chiMiddleware.Recoverer)

	router.Get("/api/health", healthHandler.ServeHTTP)

	router.Route("/webhooks/{provider}/{channelId}", func(r chi.Router) {
		r.Get("/", webhookHandler.Verify)
		r.Post("/", webhookHandler.Deliver)
	})

	router.Route("/conversations", func(r chi.Router) {
		r.Use(handler.AuthMiddleware)
		r.Get("/", conversationHandler.List)
		r.Get("/{id}", conversationHandler.Get)
		r.Post("/{id}/accept", conversationHandler.Accept)
		r.Post("/{id}/release", conversationHandler.Release)
		r.Post("/{id}/complete", conversationHandler.Complete)
		r.Get("/{id}/events", conversationHandler.Events)
		r.Get("/{id}/messages", conversationHandler.Messages)
		r.Post("/{id}/messages", conversationHandler.SendMessage)
	})

	router.Route("/ws", func(r chi.Router) {
		r.Use(handler.AuthMiddleware)
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			id := handler.IdentityFromContext(r.Context())
			hub.ServeWS(w, r, id.UserID, id.OrganizationID)
		})
	})

	fmt.Println("✓ Handlers initialized")
	fmt.Println("\n✅ Cell Infrastructure Ready")

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.App.Port),
		Handler: router,
	}

	go func() {
		fmt.Printf("[HTTP] Server listening on %s\n", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ HTTP server failed: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("\n[SHUTDOWN] Signal received, draining connections...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("⚠ graceful shutdown failed: %v", err)
	}
}

// connectMariaDB attempts to connect to MariaDB with retry logic.
// Retries are necessary because container orchestration may not have the
// database ready the instant this process starts.
func connectMariaDB(dsn string, maxRetries int, retryDelay time.Duration) *sql.DB {
	var db *sql.DB
	var err error

	for i := 1; i <= maxRetries; i++ {
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			log.Printf("  Attempt %d/%d: failed to configure DB driver: %v", i, maxRetries, err)
			time.Sleep(retryDelay)
			continue
		}

		err = db.Ping()
		if err == nil {
			return db
		}

		log.Printf("  Attempt %d/%d: cannot ping MariaDB: %v", i, maxRetries, err)
		db.Close()

		if i < maxRetries {
			time.Sleep(retryDelay)
		}
	}

	log.Fatalf("❌ Cannot connect to MariaDB after %d attempts: %v", maxRetries, err)
	return nil
}

// connectRedis attempts to connect to Redis with retry logic.
func connectRedis(addr string, maxRetries int, retryDelay time.Duration) *redis.Client {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx := context.Background()
	var err error

	for i := 1; i <= maxRetries; i++ {
		err = rdb.Ping(ctx).Err()
		if err == nil {
			return rdb
		}

		log.Printf("  Attempt %d/%d: cannot ping Redis: %v", i, maxRetries, err)

		if i < maxRetries {
			time.Sleep(retryDelay)
		}
	}

	log.Fatalf("❌ Cannot connect to Redis after %d attempts: %v", maxRetries, err)
	return nil
}
