package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/visp-platform/session-broker/internal/api"
	"github.com/visp-platform/session-broker/internal/config"
	"github.com/visp-platform/session-broker/internal/lifecycle"
	"github.com/visp-platform/session-broker/internal/proxy"
	"github.com/visp-platform/session-broker/internal/ratelimit"
	"github.com/visp-platform/session-broker/internal/reconcile"
	"github.com/visp-platform/session-broker/internal/registry"
	"github.com/visp-platform/session-broker/internal/runtime"
	"github.com/visp-platform/session-broker/internal/workspace"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	log.Println("Starting VISP session broker...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Println("✓ Configuration loaded")

	// A corrupt snapshot is the one condition the broker refuses to
	// start under: it must not run from an inconsistent session table.
	reg, err := registry.Open(cfg.Registry.SnapshotPath)
	if err != nil {
		log.Fatalf("Failed to open session registry: %v", err)
	}
	log.Println("✓ Session registry ready")

	rt, err := runtime.NewDockerClient()
	if err != nil {
		log.Fatalf("Failed to create runtime client: %v", err)
	}
	defer rt.Close()
	log.Println("✓ Container runtime client initialized")

	provisioner := workspace.NewGitProvisioner(rt,
		cfg.Workspace.RemoteBase, cfg.Workspace.TemplateDir, cfg.Workspace.Dir)
	log.Println("✓ Workspace provisioner initialized")

	lifecycleMgr := lifecycle.NewManager(reg, rt, provisioner, cfg)
	log.Println("✓ Lifecycle manager initialized")

	reconciler := reconcile.New(reg, rt, lifecycleMgr, cfg)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := reconciler.Run(startupCtx); err != nil {
		// The periodic loop retries; a down runtime at boot is not fatal.
		log.Printf("⚠️ Startup reconciliation failed: %v", err)
	} else {
		log.Println("✓ Startup reconciliation complete")
	}
	cancelStartup()

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()
	go reconciler.Loop(loopCtx)

	proxyServer := proxy.NewServer(reg, lifecycleMgr)
	log.Println("✓ Proxy router initialized")

	rateLimiter := ratelimit.NewLimiter(cfg.RateLimit.PerHour, cfg.RateLimit.Burst)
	handler := api.NewHandler(lifecycleMgr)
	router := handler.SetupRoutes(proxyServer, rateLimiter, cfg.RateLimit.PerHour)
	log.Println("✓ HTTP routes configured")

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
		// No blanket read/write timeouts: WebSocket relays and large
		// workspace transfers are long-lived by design.
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("🚀 Session broker listening on %s", cfg.ListenAddr)
		log.Printf("📍 Control API at %s/v1, proxied sessions everywhere else", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("⏳ Shutting down gracefully...")
	cancelLoop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server stopped cleanly")
}
