// Command migratorctl is the operator CLI for the migration control
// plane: one process that loads configuration from the environment,
// constructs a MigrationController, and either performs a single
// requested action and exits or, with -serve, serves /status, /health and
// /metrics over HTTP. A long-lived host process embeds the controller directly;
// this binary is for ops scripts and incident response.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/wudi/migrator/internal/adapter"
	"github.com/wudi/migrator/internal/config"
	"github.com/wudi/migrator/internal/controller"
	"github.com/wudi/migrator/internal/logging"
	"github.com/wudi/migrator/internal/migration"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// noopEngine is a placeholder GenerationEngine; the real legacy and new
// code-generation pipelines are external collaborators this CLI does
// not implement.
type noopEngine struct{ name string }

func (e noopEngine) Execute(ctx context.Context, req migration.GenerationRequest) (migration.GenerationResult, error) {
	return migration.GenerationResult{Success: true, Statistics: map[string]any{"engine": e.name}}, nil
}

func main() {
	statePath := flag.String("state", filepath.Join(os.TempDir(), "migration-state.json"), "Path to the persisted rollback/breaker state file")
	serve := flag.Bool("serve", false, "Start the HTTP status/metrics server instead of running a single action")
	addr := flag.String("addr", ":9090", "Listen address for -serve")
	showVersion := flag.Bool("version", false, "Show version information")
	emergencyReason := flag.String("emergency-rollback", "", "Trigger an emergency rollback with the given reason")
	operator := flag.String("operator", "", "Operator name recorded against a rollback action")
	force := flag.Bool("force", false, "Force an emergency rollback even if already rolled back")
	clearRollback := flag.Bool("clear-rollback", false, "Clear rollback state and resume active routing")
	resetBreaker := flag.Bool("reset-breaker", false, "Force the circuit breaker closed")
	statusOnly := flag.Bool("status", false, "Print controller status and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("migratorctl %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	logger, closer, err := logging.New(logging.Config{Level: "info", Output: "stdout"})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	logging.SetGlobal(logger)

	loaded, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctrl, err := controller.New(controller.Options{
		Config:       loaded.Config,
		AutoRollback: loaded.AutoRollback,
		StatePath:    *statePath,
		Engines: adapter.Engines{
			Legacy: noopEngine{name: "legacy"},
			New:    noopEngine{name: "new"},
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to construct controller: %v", err)
	}

	switch {
	case *emergencyReason != "":
		printReply(ctrl.EmergencyRollback(*emergencyReason, *operator, *force))
	case *clearRollback:
		printReply(ctrl.ClearRollback(*operator))
	case *resetBreaker:
		printReply(ctrl.ResetCircuitBreaker())
	case *statusOnly:
		printReply(ctrl.Status())
	case *serve:
		runServer(ctrl, *addr)
		return
	default:
		printReply(ctrl.Status())
	}

	if err := ctrl.Persist(); err != nil {
		log.Printf("warning: failed to persist state: %v", err)
	}
}

func loadConfig() (config.Loaded, error) {
	loaded, err := config.FromEnviron()
	if err != nil {
		return config.Loaded{}, err
	}
	return loaded, nil
}

func runServer(ctrl *controller.MigrationController, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", ctrl.MetricsHandler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ctrl.Status())
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, ctrl.HealthCheck())
	})

	log.Printf("migratorctl %s serving on %s", version, addr)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, reply controller.Reply) {
	w.Header().Set("Content-Type", "application/json")
	if !reply.Success {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(reply)
}

func printReply(reply controller.Reply) {
	data, _ := json.MarshalIndent(reply, "", "  ")
	fmt.Println(string(data))
	if !reply.Success {
		os.Exit(1)
	}
}
