package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/medilink/realtime/internal/api"
	"github.com/medilink/realtime/internal/auth"
	"github.com/medilink/realtime/internal/callroom"
	"github.com/medilink/realtime/internal/config"
	"github.com/medilink/realtime/internal/conversation"
	"github.com/medilink/realtime/internal/messaging"
	"github.com/medilink/realtime/internal/metrics"
	"github.com/medilink/realtime/internal/presence"
	"github.com/medilink/realtime/internal/ratelimit"
	"github.com/medilink/realtime/internal/ws"
)

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "gateway-1"
	}

	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "medilink-gateway-" + serverName
	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// --- Redis ---
	presenceStore, err := presence.NewStore(cfg.RedisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	rdb := presenceStore.Client()
	roomStore := callroom.NewStore(rdb, cfg.RingTimeout)
	limiter := ratelimit.NewLimiter(rdb)

	// --- Postgres ---
	if cfg.RunMigrations {
		if err := conversation.RunMigrations(cfg.DatabaseURL); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := conversation.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to Postgres: %v", err)
	}
	conversations := conversation.NewStore(db)

	authManager := auth.NewManager(auth.Config{SecretKey: cfg.JWTSecret, Issuer: cfg.JWTIssuer})

	log.Printf("MediLink gateway starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  nats_url:        %s", natsConfig.URL)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  server_name:     %s", serverName)
	log.Printf("  ring_timeout:    %s", cfg.RingTimeout)

	gw := &gateway{
		bus:           natsClient,
		conversations: conversations,
		rooms:         roomStore,
		presence:      presenceStore,
		limiter:       limiter,
	}

	dispatcher := ws.NewMessageDispatcher(nil)
	gw.register(dispatcher)

	server := ws.NewServer(serverConfig, authManager, presenceStore, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	gw.send = server

	server.SetUpgradeLimiter(limiter)
	server.SetOnConnect(gw.onConnect)
	server.SetOnDisconnect(gw.onDisconnect)

	apiMux := http.NewServeMux()
	api.NewHandler(authManager, conversations, roomStore, gw).Register(apiMux)
	server.Handle("/api/", apiMux)
	server.Handle("/metrics", metrics.Handler())

	go callroom.StartRingSweeper(ctx, roomStore, gw.ringTimedOut)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		log.Printf("shutdown signal received, draining...")
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		natsClient.Close()
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		if err := presenceStore.Close(); err != nil {
			log.Printf("presence store close error: %v", err)
		}
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	<-stopped
	log.Printf("gateway stopped")
}
