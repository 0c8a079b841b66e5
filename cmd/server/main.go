package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/holdfast-hq/holdfast/internal/config"
	"github.com/holdfast-hq/holdfast/internal/database"
	"github.com/holdfast-hq/holdfast/internal/eventbus"
	"github.com/holdfast-hq/holdfast/internal/handlers"
	"github.com/holdfast-hq/holdfast/internal/middleware"
	"github.com/holdfast-hq/holdfast/internal/realtime"
	"github.com/holdfast-hq/holdfast/internal/repository"
	"github.com/holdfast-hq/holdfast/internal/services"

	_ "time/tzdata"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	}()

	// Run migrations
	if err := database.Migrate(db, cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize repositories
	repos := repository.NewRepositories(db, cfg.Database.Driver)

	// Start the event bus before anything that publishes or consumes
	bus := eventbus.New(cfg.Bus)
	bus.Start()
	defer bus.Stop()

	// Initialize services and their bus consumers
	svc := services.New(cfg, repos, bus)
	if err := svc.Start(); err != nil {
		log.Fatalf("Failed to start services: %v", err)
	}
	defer svc.Stop()

	// Realtime gateway for SSE clients
	gateway := realtime.NewGateway(bus)

	// Initialize handlers
	h := handlers.New(cfg, svc, repos, bus, gateway)

	// Rate limiting: holds get a tight per-IP budget, the rest of the public
	// surface a generous per-path one.
	rl := middleware.NewRateLimiter()
	holdLimit := rl.PerIP("hold", 5)
	publicLimit := rl.PerIPPath(100)
	public := func(hf http.HandlerFunc) http.Handler {
		return publicLimit(hf)
	}

	// Set up router
	mux := http.NewServeMux()

	// Public booking surface
	mux.Handle("GET /book/{slug}", public(h.Public.GetMeetingType))
	mux.Handle("GET /book/{slug}/slots", public(h.Public.GetSlots))
	mux.Handle("POST /book/{slug}/hold", holdLimit(http.HandlerFunc(h.Public.CreateHold)))
	mux.Handle("GET /book/{slug}/hold/{id}", public(h.Public.GetHold))
	mux.Handle("DELETE /book/{slug}/hold/{id}", public(h.Public.ReleaseHold))
	mux.Handle("POST /book/{slug}/confirm", public(h.Public.ConfirmBooking))

	// Realtime slot stream
	mux.Handle("GET /realtime/slots/{meetingTypeId}", public(h.Realtime.StreamSlots))

	// Provider callbacks; authenticated by signature, not rate limited
	mux.HandleFunc("POST /webhooks/signwell", h.Webhook.Signwell)

	// API routes
	mux.Handle("GET /api/timezones", public(h.API.GetTimezones))

	// Health check
	mux.HandleFunc("GET /health", h.API.Health)

	// Apply global middleware
	handler := middleware.Chain(
		mux,
		middleware.Logger,
		middleware.Recover,
		middleware.RequestID,
		middleware.CORS(cfg.App.CORSOrigins),
	)

	// Create server. Request contexts hang off baseCtx so shutdown can
	// release long-lived SSE streams; a fixed write deadline would kill them.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	server.RegisterOnShutdown(baseCancel)

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on %s", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
