// Package cmd contains the command-line entry points for the recall server.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/recallhq/recall/internal/log"
)

// Version information (injected at build time via ldflags).
var (
	AppVersion = "0.1.0"
	BuildTime  = "unknown"
	GitCommit  = "unknown"
)

// Execute is the main entry point. It routes subcommands and defaults to
// serve mode. Version and help work even when the configuration is invalid,
// so they are dispatched before anything loads.
func Execute() error {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			return runServe()
		case "version", "--version", "-v":
			printVersionInfo()
			return nil
		case "help", "--help", "-h":
			printHelp()
			return nil
		default:
			printHelp()
			return fmt.Errorf("unknown command %q", os.Args[1])
		}
	}

	return runServe()
}

// initLogger builds the process logger.
//
// Level is controlled by the DEBUG environment variable: set (any value)
// means debug level with source locations, unset means info. Setting
// RECALL_LOG_JSON switches to JSON output for log aggregation. Output goes
// to stderr.
func initLogger() *slog.Logger {
	cfg := log.Config{Level: slog.LevelInfo}
	if os.Getenv("DEBUG") != "" {
		cfg.Level = slog.LevelDebug
		cfg.AddSource = true
	}
	if os.Getenv("RECALL_LOG_JSON") != "" {
		cfg.JSON = true
	}
	return log.New(cfg)
}

func printVersionInfo() {
	fmt.Printf("recall v%s\n", AppVersion)
	fmt.Printf("Build: %s\n", BuildTime)
	fmt.Printf("Commit: %s\n", GitCommit)
}

func printHelp() {
	fmt.Println("recall - knowledge-augmented conversation service")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  recall              Start the HTTP API server (default)")
	fmt.Println("  recall serve        Start the HTTP API server")
	fmt.Println("  recall version      Show version information")
	fmt.Println("  recall help         Show this help")
	fmt.Println()
	fmt.Println("Endpoints:")
	fmt.Println("  POST /api/v1/chat            Blocking chat exchange")
	fmt.Println("  POST /api/v1/chat/stream     Streaming chat (SSE)")
	fmt.Println("  POST /api/v1/videos/similar  Video similarity search")
	fmt.Println("  POST /api/v1/topics/cluster  Topic clustering")
	fmt.Println("  GET  /health, /ready         Probes")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY      Required for the gemini provider (default)")
	fmt.Println("  OPENAI_API_KEY      Required for the openai provider")
	fmt.Println("  DATABASE_URL        Overrides PostgreSQL connection settings")
	fmt.Println("  DEBUG               Enable debug logging")
	fmt.Println("  RECALL_LOG_JSON     JSON log output")
	fmt.Println()
	fmt.Println("Configuration is read from ~/.recall/config.yaml or ./config.yaml.")
}
