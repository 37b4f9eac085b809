package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/flujo-ai/flujo/internal/config"
	"github.com/flujo-ai/flujo/internal/executor"
	"github.com/flujo-ai/flujo/internal/llm"
	"github.com/flujo-ai/flujo/internal/mcp"
	"github.com/flujo-ai/flujo/internal/prompt"
	"github.com/flujo-ai/flujo/internal/secret"
	"github.com/flujo-ai/flujo/internal/store"
	"github.com/flujo-ai/flujo/internal/web"
)

func main() {
	// Load .env file
	config.LoadEnv()

	fmt.Println(`  ███████╗██╗     ██╗   ██╗     ██╗ ██████╗ `)
	fmt.Println(`  ██╔════╝██║     ██║   ██║     ██║██╔═══██╗`)
	fmt.Println(`  █████╗  ██║     ██║   ██║     ██║██║   ██║`)
	fmt.Println(`  ██╔══╝  ██║     ██║   ██║██   ██║██║   ██║`)
	fmt.Println(`  ██║     ███████╗╚██████╔╝╚█████╔╝╚██████╔╝`)
	fmt.Println(`  ╚═╝     ╚══════╝ ╚═════╝  ╚════╝  ╚═════╝ `)
	fmt.Println(`       ╔═══ flow execution engine ═══╗`)
	fmt.Println(`       ║   flows · models · mcp      ║`)
	fmt.Println(`       ╚═════════════════════════════╝`)

	configPath := os.Getenv("FLUJO_CONFIG")
	if configPath == "" {
		configPath = "flujo.yaml"
	}
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		log.Fatalf("❌ Failed to load settings: %v", err)
	}

	st, err := buildStore(settings.Storage)
	if err != nil {
		log.Fatalf("❌ Failed to initialize %s storage: %v", settings.Storage.Backend, err)
	}
	fmt.Printf("💾 Storage: %s\n", describeStorage(settings.Storage))

	ctx := context.Background()

	// Encrypted values stay opaque when the cipher cannot open, everything
	// else keeps working.
	cipher, err := secret.OpenOrInit(ctx, st, os.Getenv("FLUJO_PASSPHRASE"))
	if err != nil {
		log.Printf("⚠️  Encryption unavailable, encrypted values will not resolve: %v", err)
	}
	resolver := secret.NewResolver(st, cipher)
	if settings.SecretMaxDepth > 0 {
		resolver.MaxDepth = settings.SecretMaxDepth
	}

	manager := mcp.NewManager(st, resolver)
	manager.StartEnabledServers(ctx)
	defer manager.Shutdown(ctx)

	invoker := llm.NewInvoker(st, resolver)
	renderer := prompt.NewRenderer(st, manager)
	exec := executor.NewExecutor(st, invoker, manager, renderer)

	server := web.NewServer(settings.Port, st, exec, manager)
	server.OnShutdown = manager.Shutdown

	fmt.Printf("🚀 Flujo listening on :%d\n", settings.Port)
	if err := server.Start(); err != nil {
		log.Fatalf("❌ Server error: %v", err)
	}
}

func buildStore(s config.StorageSettings) (store.Store, error) {
	switch s.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendRedis:
		cli := redis.NewClient(&redis.Options{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
		})
		return store.NewRedis(cli, s.Namespace), nil
	case config.BackendFile:
		return store.NewFile(s.Dir)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
	}
}

func describeStorage(s config.StorageSettings) string {
	switch s.Backend {
	case config.BackendRedis:
		return fmt.Sprintf("redis @ %s", s.RedisAddr)
	case config.BackendFile:
		return fmt.Sprintf("file @ %s", s.Dir)
	default:
		return s.Backend
	}
}
