/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the billing engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Wire domain services and the event dispatcher
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: billing.db)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/billing.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run on different port
  ./server -port=3000

ENVIRONMENT:
  No environment variables currently. All config via flags.
  Future: DATABASE_URL, PORT, LOG_LEVEL

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/store/sqlite"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "billing.db", "SQLite database path")
	flag.Parse()

	// Initialize store. One SQLite store implements every persistence
	// interface; services see only the slice they need.
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Wire domain services
	rates := billing.NewRateLedger(store, store)
	allocations := billing.NewAllocationService(store, store, store)
	reservations := billing.NewReservationService(store, store, allocations, store)
	maintenance := billing.NewMaintenanceService(store)
	catalog := billing.NewCatalog(store, rates)
	assembler := &billing.Assembler{
		Reservations: store,
		Windows:      store,
		SKUs:         store,
		Rates:        rates,
		Allocations:  allocations,
		Periods:      store,
		Fees:         store,
		Audit:        store,
		Now:          time.Now,
	}

	// Event dispatcher: node-type sync and billing eligibility
	dispatcher := billing.NewDispatcher()
	dispatcher.OnNodeTypeSaved(catalog.HandleNodeTypeSaved)
	eligibility := &billing.EligibilityHandler{Fees: store}
	dispatcher.OnProjectRoleChanged(eligibility.HandleProjectRoleChanged)

	// Initialize handler
	handler := &api.Handler{
		Reservations: reservations,
		Maintenance:  maintenance,
		Catalog:      catalog,
		Rates:        rates,
		Allocations:  allocations,
		Assembler:    assembler,
		Fees:         store,
		Audit:        store,
		Dispatcher:   dispatcher,
	}

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d", *port)
		log.Printf("API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
