package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/agentworkforce/configrelay/internal/configrelay"
	"github.com/agentworkforce/configrelay/internal/httpapi"
)

func main() {
	addr := os.Getenv("CONFIGRELAY_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	configFile := os.Getenv("CONFIGRELAY_CONFIG_FILE")
	if configFile == "" {
		configFile = "configrelay.json"
	}

	stateBackend, err := configrelay.BuildStateBackendFromDSN(os.Getenv("CONFIGRELAY_STATE_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	if stateBackend == nil {
		stateBackend = configrelay.NewJSONFileStateBackend("configrelay-state.json")
	}
	stateStore := configrelay.NewStateStore(stateBackend)

	configStore, err := configrelay.NewConfigStore(configFile)
	if err != nil {
		log.Fatalf("failed to open config store: %v", err)
	}

	logger := log.New(os.Stderr, "", log.LstdFlags)
	registry, err := configrelay.NewRegistry(configrelay.RegistryOptions{
		Store:  configStore,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("failed to build category registry: %v", err)
	}

	remote := configrelay.NewHTTPRemoteStore(configrelay.RemoteHTTPOptions{
		BaseURL:       os.Getenv("CONFIGRELAY_REMOTE_BASE_URL"),
		TokenProvider: configrelay.StaticTokenProvider(os.Getenv("CONFIGRELAY_REMOTE_TOKEN")),
		UserAgent:     "configrelay/1.0",
	})

	hub := httpapi.NewNotificationHub()
	engine, err := configrelay.NewEngine(configrelay.EngineOptions{
		State:             stateStore,
		Remote:            remote,
		Registry:          registry,
		Notifier:          configrelay.MultiNotifier{configrelay.LogNotifier{Logger: logger}, hub},
		Logger:            logger,
		CollectionTitle:   strings.TrimSpace(os.Getenv("CONFIGRELAY_COLLECTION_TITLE")),
		SuppressionWindow: durationEnv("CONFIGRELAY_SUPPRESSION_WINDOW", 0),
		NotifyCooldown:    durationEnv("CONFIGRELAY_NOTIFY_COOLDOWN", 0),
		AlarmPeriod:       durationEnv("CONFIGRELAY_ALARM_PERIOD", 0),
		FocusMinSpacing:   durationEnv("CONFIGRELAY_FOCUS_MIN_SPACING", 0),
	})
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}
	defer engine.Close()

	watcher, err := configrelay.NewStorageWatcher(configStore, engine, registry, logger)
	if err != nil {
		log.Fatalf("failed to start storage watcher: %v", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	server := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		AuthToken: os.Getenv("CONFIGRELAY_API_TOKEN"),
		Hub:       hub,
	})

	// Startup counts as a login: pull remote state before the first alarm.
	go func() {
		if err := engine.RestoreAll(context.Background(), configrelay.TriggerLogin); err != nil {
			log.Printf("login restore failed: %v", err)
		}
	}()

	log.Printf("configrelay listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback)
		return fallback
	}
	return value
}
