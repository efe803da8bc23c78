// Command sagabus is the operational companion to the saga runtime library.
// It validates configuration and runs store maintenance: archiving completed
// saga state and inspecting pending timeouts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sagabus/sagabus/config"
	"github.com/sagabus/sagabus/pkg/logger"
	"github.com/sagabus/sagabus/pkg/store"
	"github.com/sagabus/sagabus/pkg/version"
)

var (
	configPath  = flag.String("config", "", "Path to configuration file")
	versionFlag = flag.Bool("version", false, "Print version information")
	helpFlag    = flag.Bool("help", false, "Print help information")

	validateFlag = flag.Bool("validate", false, "Validate the configuration and exit")

	cleanupSaga = flag.String("cleanup", "", "Remove completed state of the named saga")
	olderThan   = flag.Duration("older-than", 7*24*time.Hour, "Age threshold for -cleanup")

	listTimeouts = flag.Bool("list-timeouts", false, "List pending saga timeouts")
	within       = flag.Duration("within", 24*time.Hour, "Horizon for -list-timeouts")

	// CLI overrides
	logLevel  = flag.String("log-level", "", "Override log level")
	debugMode = flag.Bool("debug", false, "Enable debug mode")
)

func main() {
	flag.Parse()

	if *helpFlag {
		printHelp()
		os.Exit(0)
	}
	if *versionFlag {
		printVersion()
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath, buildOverrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration:\n%s\n", err)
		os.Exit(1)
	}

	if *validateFlag {
		fmt.Printf("Configuration OK: %s\n", cfg)
		os.Exit(0)
	}

	log := config.NewLogger(cfg)
	defer log.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	st, err := config.NewStore(ctx, cfg)
	if err != nil {
		log.Error("Failed to open store", "kind", cfg.Store.Kind, "error", err)
		os.Exit(1)
	}
	defer closeStore(st, log)

	switch {
	case *cleanupSaga != "":
		if err := runCleanup(ctx, st, *cleanupSaga, *olderThan, log); err != nil {
			log.Error("Cleanup failed", "saga", *cleanupSaga, "error", err)
			os.Exit(1)
		}
	case *listTimeouts:
		if err := runListTimeouts(ctx, st, *within); err != nil {
			log.Error("Timeout listing failed", "error", err)
			os.Exit(1)
		}
	default:
		printHelp()
		os.Exit(2)
	}
}

// runCleanup archives completed state older than the threshold. The runtime
// never deletes completed records on its own; retention is operator-driven.
func runCleanup(ctx context.Context, st store.Store, sagaName string, olderThan time.Duration, log logger.Logger) error {
	cleaner, ok := st.(store.Cleaner)
	if !ok {
		return fmt.Errorf("store does not support cleanup")
	}

	before := time.Now().Add(-olderThan)
	removed, err := cleaner.DeleteCompletedBefore(ctx, sagaName, before)
	if err != nil {
		return err
	}
	log.Info("Removed completed saga state",
		"saga", sagaName, "before", before.Format(time.RFC3339), "removed", removed)
	return nil
}

func runListTimeouts(ctx context.Context, st store.Store, within time.Duration) error {
	lister, ok := st.(store.TimeoutLister)
	if !ok {
		return fmt.Errorf("store does not support timeout listing")
	}

	recs, err := lister.ListDueTimeouts(ctx, time.Now().Add(within), 0)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Println("No pending timeouts")
		return nil
	}
	for _, rec := range recs {
		fmt.Printf("%s  saga=%s  correlation=%s  id=%s\n",
			rec.TimeoutAt.Format(time.RFC3339), rec.SagaName, rec.CorrelationID, rec.SagaID)
	}
	return nil
}

func closeStore(st store.Store, log logger.Logger) {
	if closer, ok := st.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Error("Error closing store", "error", err)
		}
	}
}

func buildOverrides() map[string]interface{} {
	overrides := make(map[string]interface{})

	if *logLevel != "" {
		overrides["log.level"] = *logLevel
	}
	if *debugMode {
		overrides["app.debug"] = true
		overrides["log.level"] = "debug"
	}

	return overrides
}

func printVersion() {
	fmt.Printf("sagabus - Saga Orchestration Runtime\n")
	fmt.Printf("Version:    %s\n", version.Version)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Printf("Git Commit: %s\n", version.GitCommit)
	fmt.Printf("Go Version: %s\n", version.GoVersion)
}

func printHelp() {
	fmt.Printf("sagabus - operational tooling for the saga runtime\n\n")
	fmt.Printf("Usage: sagabus [options]\n\n")
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
	fmt.Printf("\nExamples:\n")
	fmt.Printf("  sagabus -config config.yaml -validate              # Check a configuration file\n")
	fmt.Printf("  sagabus -cleanup order -older-than 168h            # Drop week-old completed state\n")
	fmt.Printf("  sagabus -list-timeouts -within 1h                  # Show timeouts due in the next hour\n")
	fmt.Printf("  sagabus -version                                   # Print version info\n")
}
