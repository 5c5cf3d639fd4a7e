package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	"updatrix/backend/internal/database"
	"updatrix/backend/internal/dispatch"
	"updatrix/backend/internal/events"
	"updatrix/backend/internal/handlers"
	"updatrix/backend/internal/liveness"
	"updatrix/backend/internal/middleware"
	"updatrix/backend/internal/registry"
	"updatrix/backend/internal/store"
	"updatrix/backend/internal/vault"
)

func main() {
	// Load .env file if it exists (ignore errors)
	_ = godotenv.Load()
	_ = godotenv.Load("../.env")

	masterSecret := os.Getenv("VAULT_MASTER_SECRET")
	v, err := vault.New(masterSecret)
	if err != nil {
		log.Fatalf("Failed to initialize credential vault: %v", err)
	}

	st, cleanup, err := openStore()
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer cleanup()

	hub := events.NewHub()

	threshold := durationEnv("OFFLINE_THRESHOLD", liveness.DefaultThreshold)
	reconciler := liveness.NewReconciler(st, hub, threshold)

	registrySvc := registry.New(st, hub)
	dispatchSvc := dispatch.New(st, hub)

	agentHandler := handlers.NewAgentHandler(registrySvc, dispatchSvc, reconciler)
	rolloutsHandler := handlers.NewRolloutsHandler(dispatchSvc)
	machinesHandler := handlers.NewMachinesHandler(st, v)
	distributionsHandler := handlers.NewDistributionsHandler(st)
	groupsHandler := handlers.NewGroupsHandler(st)

	router := mux.NewRouter()
	router.Use(middleware.CORSMiddleware)

	// Agent routes (public - agents authenticate by their opaque token)
	router.HandleFunc("/api/agent/register", agentHandler.Register).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/agent/heartbeat/{agentToken}", agentHandler.Heartbeat).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/agent/status/{agentToken}", agentHandler.ReportStatus).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/agent/tasks/{agentToken}", agentHandler.GetTasks).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/agent/tasks/{agentToken}/{taskId}/progress", agentHandler.ReportProgress).Methods("POST", "OPTIONS")

	// Operator routes (requires user auth)
	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(middleware.AuthMiddleware)

	apiRouter.HandleFunc("/agent/status", agentHandler.LivenessSnapshot).Methods("GET", "OPTIONS")
	apiRouter.HandleFunc("/agent/{agentToken}", agentHandler.RemoveAgent).Methods("DELETE", "OPTIONS")

	apiRouter.HandleFunc("/tasks", rolloutsHandler.CreateRollout).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/tasks", rolloutsHandler.ListRollouts).Methods("GET", "OPTIONS")
	apiRouter.HandleFunc("/tasks/{id}/status", rolloutsHandler.RolloutStatus).Methods("GET", "OPTIONS")
	apiRouter.HandleFunc("/tasks/{id}/cancel", rolloutsHandler.CancelRollout).Methods("POST", "OPTIONS")

	apiRouter.HandleFunc("/machines", machinesHandler.ListMachines).Methods("GET", "OPTIONS")
	apiRouter.HandleFunc("/machines", machinesHandler.CreateMachine).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/machines/{id}", machinesHandler.GetMachine).Methods("GET", "OPTIONS")
	apiRouter.HandleFunc("/machines/{id}", machinesHandler.UpdateMachine).Methods("PUT", "OPTIONS")
	apiRouter.HandleFunc("/machines/{id}", machinesHandler.DeleteMachine).Methods("DELETE", "OPTIONS")
	apiRouter.HandleFunc("/machines/{id}/credential", machinesHandler.SetCredential).Methods("PUT", "OPTIONS")
	apiRouter.HandleFunc("/machines/{id}/credential", machinesHandler.GetCredential).Methods("GET", "OPTIONS")
	apiRouter.HandleFunc("/machines/{id}/access-token", machinesHandler.SetAccessToken).Methods("PUT", "OPTIONS")

	apiRouter.HandleFunc("/distributions", distributionsHandler.ListDistributions).Methods("GET", "OPTIONS")

	apiRouter.HandleFunc("/machine-groups", groupsHandler.ListGroups).Methods("GET", "OPTIONS")
	apiRouter.HandleFunc("/machine-groups", groupsHandler.CreateGroup).Methods("POST", "OPTIONS")
	apiRouter.HandleFunc("/machine-groups/{id}", groupsHandler.DeleteGroup).Methods("DELETE", "OPTIONS")

	// Observer event stream (one-way, server -> client)
	apiRouter.HandleFunc("/events/ws", hub.HandleWS).Methods("GET")

	// Background liveness sweep; on-read reconciliation stays in place, the
	// sweep only bounds staleness when nobody is polling
	sweepInterval := durationEnv("SWEEP_INTERVAL", 30*time.Second)
	if sweepInterval > 0 {
		sweeper := liveness.NewSweeper(reconciler, sweepInterval)
		sweeper.Start()
		defer sweeper.Stop()
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Printf("Server starting on port %s", port)
	log.Printf("Offline threshold: %s, sweep interval: %s", threshold, sweepInterval)
	if err := http.ListenAndServe(":"+port, router); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func openStore() (store.Store, func(), error) {
	if os.Getenv("STORE_BACKEND") == "memory" {
		log.Println("Using in-memory store (state is not persisted)")
		return store.NewMemoryStore(), func() {}, nil
	}

	db, err := database.New()
	if err != nil {
		return nil, nil, err
	}
	if err := db.RunMigrations(); err != nil {
		log.Printf("Warning: failed to run migrations: %v", err)
	}
	return store.NewPostgresStore(db), func() { db.Close() }, nil
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("Warning: invalid %s %q, using %s", key, v, fallback)
		return fallback
	}
	return d
}
