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

	"catchment_api/internal/api"
	"catchment_api/internal/app/notify"
	"catchment_api/internal/app/service"
	"catchment_api/internal/app/worker"
	"catchment_api/internal/common/security"
	"catchment_api/internal/domain/repository"
	"catchment_api/internal/geo"
	"catchment_api/internal/platform/config"
	"catchment_api/internal/platform/database"
	"catchment_api/internal/platform/queue"
)

func main() {
	// 1. Load Configuration
	config.Load()
	fmt.Println("Configuration loaded.")

	// 2. Initialize JWT
	security.InitJWT()
	fmt.Println("JWT initialized.")

	// 3. Initialize Database
	database.Connect()
	defer database.Close()
	database.EnsureSchema()
	fmt.Println("Database connected.")

	// 4. Initialize Redis
	queue.ConnectRedis()
	defer queue.CloseRedis()
	fmt.Println("Redis connected.")

	// 5. Initialize Repositories
	jobRepo := repository.NewPgCSVJobRepository(database.DB)
	quotaRepo := repository.NewPgQuotaRepository(database.DB)

	// 6. Initialize Services
	tokenService := service.NewTokenService(quotaRepo)
	catchmentService := service.NewCatchmentService(jobRepo, tokenService, queue.RDB)
	geoClient := geo.NewClient(config.AppConfig.GeoAPIBaseURL, config.AppConfig.GeoAPIKey, config.AppConfig.GeoAPITimeout)
	webhookService := service.NewWebhookService(config.AppConfig.WebhookURL, config.AppConfig.PublicBaseURL)

	// 7. Notification fabric: in-process bus, on-commit notifier, and the
	// durable-channel listener for changes committed elsewhere.
	bus := notify.NewBus()
	notifier := notify.NewStatusNotifier(bus, database.DB, config.AppConfig.NotifyChannel)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	listener := notify.NewListener(bus, config.AppConfig.DBConnStr, config.AppConfig.NotifyChannel, notifier.Origin())
	go listener.Run(workerCtx)
	fmt.Println("Notify listener started.")

	// 8. Initialize CSV Worker (as a goroutine)
	csvWorker := worker.NewCSVWorker(queue.RDB, jobRepo, tokenService, geoClient, notifier, webhookService, config.AppConfig.WorkerPoolSize)
	go csvWorker.Start(workerCtx)
	fmt.Println("CSV worker started.")

	// 9. Initialize Router & HTTP Server
	router := api.NewRouter(catchmentService, bus)

	server := &http.Server{
		Addr:        ":" + config.AppConfig.APIPort,
		Handler:     router,
		ReadTimeout: 10 * time.Second,
		// No write timeout: the event stream stays open until the job ends.
		IdleTimeout: 120 * time.Second,
	}

	// 10. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting on port %s", config.AppConfig.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", config.AppConfig.APIPort, err)
		}
	}()
	log.Println("Server started successfully.")

	<-stop // Wait for interrupt signal

	log.Println("Shutting down server...")
	workerCancel() // Signal worker and listener to stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}

	log.Println("Server and worker stopped gracefully.")
}
