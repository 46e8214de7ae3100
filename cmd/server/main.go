package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"collab-sync-server/internal/config"
	"collab-sync-server/internal/handler"
	"collab-sync-server/internal/middleware"
	"collab-sync-server/internal/repository"
	"collab-sync-server/internal/service"
	"collab-sync-server/internal/websocket"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Every run gets a fresh instance id. Rooms are stamped with it, which is
	// how a later run tells its own sessions from a dead predecessor's.
	serverID := uuid.New().String()

	couchURL := fmt.Sprintf("http://%s:%s@%s:%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
	)

	client, err := kivik.New("couch", couchURL)
	if err != nil {
		log.Fatalf("Failed to connect to CouchDB: %v", err)
	}

	exists, err := client.DBExists(context.Background(), cfg.Database.Name)
	if err != nil {
		log.Fatalf("Failed to check database existence: %v", err)
	}

	if !exists {
		if err := client.CreateDB(context.Background(), cfg.Database.Name); err != nil {
			log.Fatalf("Failed to create database: %v", err)
		}
		log.Printf("Created database: %s", cfg.Database.Name)
	}

	userRepo := repository.NewUserRepository(client, cfg.Database.Name)
	contactRepo := repository.NewContactRepository(client, cfg.Database.Name)
	roomRepo := repository.NewRoomRepository(client, cfg.Database.Name)

	wsManager := websocket.NewManager(
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
	)

	authService := service.NewAuthService(userRepo, cfg.JWT.Secret, cfg.JWT.Expiration, cfg.JWT.RefreshTokenExpiration)
	contactService := service.NewContactService(contactRepo, userRepo, wsManager)
	callService := service.NewCallService(roomRepo, contactService, wsManager, cfg.Server.Env, serverID)
	contactService.SetBusyChecker(callService)
	recoveryService := service.NewRecoveryService(callService, cfg.Recovery.ReceiveTimeout, cfg.Recovery.ReconnectTimeout)

	collabHandler := handler.NewCollabHandler(wsManager, contactService, callService)
	callService.SetEvents(collabHandler)
	wsManager.SetMessageHandler(collabHandler)
	wsManager.SetObserver(websocket.Observers{recoveryService, collabHandler})

	authHandler := handler.NewAuthHandler(authService)
	userHandler := handler.NewUserHandler(service.NewUserService(userRepo))
	contactHandler := handler.NewContactHandler(contactService, wsManager)
	wsHandler := handler.NewWebSocketHandler(wsManager, cfg.JWT.Secret)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware())
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/register", authHandler.Register).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/login", authHandler.Login).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/refresh", authHandler.Refresh).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/logout", authHandler.Logout).Methods("POST", "OPTIONS")

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware(cfg.JWT.Secret))

	protected.HandleFunc("/users/me", userHandler.GetMe).Methods("GET", "OPTIONS")
	protected.HandleFunc("/users/me", userHandler.UpdateMe).Methods("PUT", "OPTIONS")

	protected.HandleFunc("/contacts", contactHandler.List).Methods("GET", "OPTIONS")
	protected.HandleFunc("/contacts/request", contactHandler.SendRequest).Methods("POST", "OPTIONS")
	protected.HandleFunc("/contacts/respond", contactHandler.Respond).Methods("POST", "OPTIONS")
	protected.HandleFunc("/contacts/{userId}", contactHandler.Remove).Methods("DELETE", "OPTIONS")

	r.HandleFunc("/ws", wsHandler.HandleConnection)

	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	// Sessions recorded by a previous instance are collected once every old
	// client has had its full chance to notice the restart and give up. A
	// failed collection means sessions would leak forever.
	time.AfterFunc(cfg.Recovery.ReceiveTimeout+cfg.Recovery.CleanupTimeout, func() {
		if err := callService.CollectStaleSessions(); err != nil {
			log.Fatalf("Failed to collect stale sessions: %v", err)
		}
	})

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting Collab Sync Server on %s (env: %s, instance: %s)", addr, cfg.Server.Env, serverID)
		log.Printf("Connected to CouchDB at %s:%s", cfg.Database.Host, cfg.Database.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	wsManager.SetAccepting(false)
	wsManager.DisconnectAll()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped gracefully")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"collab-sync-server"}`))
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message":"Collab Sync Server API","version":"1.0.0","endpoints":{"/api/v1/auth/register":"POST","/api/v1/auth/login":"POST","/api/v1/contacts":"GET (protected)","/ws":"WebSocket"}}`))
}
