package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/api"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/config"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/supervisor"
	"github.com/lnal07857-arch/holo-wa-manager-sub000/internal/telegram"
)

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("[%s] %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("[%s] %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func main() {
	// Load .env file if present (for local development)
	_ = godotenv.Load()

	cfg := config.Load()

	log.Printf("=== WhatsApp Session Supervisor Starting ===")
	log.Printf("Port:           %s", cfg.Port)
	log.Printf("Sessions dir:   %s", cfg.SessionsDir)
	log.Printf("QR timeout:     %v", cfg.QRTimeout)
	log.Printf("Idle timeout:   %v", cfg.IdleTimeout)
	log.Printf("Rate ceiling:   %d msgs/hour", cfg.RatePerHour)
	log.Printf("============================================")

	if err := os.MkdirAll(cfg.SessionsDir, 0o755); err != nil {
		log.Fatalf("Failed to create sessions dir: %v", err)
	}

	notifier := telegram.New(cfg.TelegramToken, cfg.TelegramChatID)
	registry := supervisor.New(cfg, nil, notifier)

	sched := registry.StartSweeps()
	defer sched.Stop()

	server := api.NewServer(registry)

	router := mux.NewRouter()
	router.Use(loggingMiddleware)
	server.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  90 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Supervisor listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)

	registry.Shutdown()
	log.Printf("Supervisor stopped")
}
