// Command mcpsupervisor starts the MCP Connection Supervisor against a static
// config file, prints its tool registry once every configured server has had
// its first-connect attempt, and keeps running until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pocketomega/pocket-omega/internal/config"
	"github.com/pocketomega/pocket-omega/internal/mcp"
	"github.com/pocketomega/pocket-omega/internal/tool"
)

func main() {
	configPath := flag.String("config", "mcp.json", "path to the MCP server config file")
	flag.Parse()

	config.LoadEnv()

	servers, err := mcp.LoadServerConfigFile(*configPath)
	if err != nil {
		log.Fatalf("[MCP] load config: %v", err)
	}

	registry := tool.NewRegistry()
	supervisor := mcp.NewManager(registry)
	defer supervisor.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, cfg := range servers {
		if err := supervisor.AddServer(ctx, cfg); err != nil {
			log.Printf("[MCP] %s: failed to start: %v", cfg.Name, err)
			continue
		}
		log.Printf("[MCP] %s: ready", cfg.Name)
	}

	stats := supervisor.Stats()
	if out, err := json.MarshalIndent(stats, "", "  "); err == nil {
		log.Printf("[MCP] registry snapshot:\n%s", out)
	}

	<-ctx.Done()
	log.Printf("[MCP] shutting down")
}
