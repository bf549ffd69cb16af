package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"dispatch-service/internal/config"
	"dispatch-service/internal/dispatch"
	"dispatch-service/internal/fanout"
	"dispatch-service/internal/gateway"
	"dispatch-service/internal/rides"
	"dispatch-service/migrations"
	"dispatch-service/pkg/db"
	"dispatch-service/pkg/jwt"
	"dispatch-service/pkg/kafka"
	rredis "dispatch-service/pkg/redis"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load()

	// ── 1. JWT secret ──
	if err := jwt.Init(cfg.JWTSecret); err != nil {
		log.Fatal(err)
	}

	// ── 2. PostgreSQL ──
	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer database.Close()

	if err := database.RunMigrations(ctx, migrations.FS); err != nil {
		log.Fatal("migrations failed:", err)
	}

	// ── 3. Redis ──
	redisClient, err := rredis.NewClient(cfg.RedisAddr)
	if err != nil {
		log.Fatal(err)
	}
	defer redisClient.Close()

	// ── 4. Kafka ──
	kafkaClient := kafka.NewClient(cfg.KafkaBrokers)
	if err := kafkaClient.EnsureTopics(ctx,
		kafka.TopicRideRequests,
		kafka.TopicRideAccepted,
		kafka.TopicRideCompleted,
		kafka.TopicRideRejected,
		kafka.TopicDriverLocation,
	); err != nil {
		log.Fatal(err)
	}

	// ── 5. Engine ──
	store := rides.NewStore(database.Pool)

	var rejectPort dispatch.TransitionPort
	if cfg.RejectViaLog {
		rejectPort = dispatch.NewLogPort(kafkaClient)
	} else {
		rejectPort = dispatch.NewDirectPort(store)
	}

	notifier := fanout.New(redisClient)
	engine := dispatch.NewEngine(kafkaClient, notifier, store, redisClient, rejectPort)
	notifier.Start(ctx, engine)
	engine.Start(ctx)

	// ── 6. Sync scheduler ──
	syncer := rides.NewSyncer(engine.Cache(), store, cfg.SyncInterval)
	syncer.Start(ctx)

	// ── 7. HTTP router ──
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(jwt.OptionalAuth)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"dispatch-service"}`))
	})

	r.Mount("/ws", gateway.New(engine).Routes())

	// ── 8. Start server ──
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	go func() {
		log.Printf("dispatch-service listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	// ── 9. Graceful shutdown ──
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	srv.Shutdown(shutCtx)
	cancel() // stop consumers and the syncer
}
