package app

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"vpnshield/internal/app/bootstrap"
	"vpnshield/internal/app/server"
	"vpnshield/internal/app/version"
	"vpnshield/internal/config"
	jobruntime "vpnshield/internal/jobs/runtime"
	"vpnshield/internal/support"
)

const defaultBackendPort = 8082

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	logCloser := support.SetupLogging(support.LogOptionsFromEnv())
	defer logCloser.Close()

	portFlag := flag.Int("port", defaultBackendPort, "Port for API server")
	settingsFlag := flag.String("settings", "", "Path to the settings file")
	flag.Parse()

	if *settingsFlag != "" {
		config.SetSettingsPath(*settingsFlag)
	}
	port := resolvePort("BACKEND_PORT", "PORT", *portFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting vpnshield", "version", version.Get().BuildVersion)

	engine, err := bootstrap.Setup(ctx)
	if err != nil {
		return err
	}
	defer engine.Close()

	router := server.NewRouter(server.Dependencies{
		Detector: engine.Detector,
		UpdateGeoLite: func(ctx context.Context) bool {
			return jobruntime.RunGeoLiteUpdate(ctx, engine.Updater, "manual", true)
		},
		Instances: func(ctx context.Context) (int, error) {
			return jobruntime.CountActiveInstances(ctx, engine.Redis)
		},
		Blocklist: engine.Blocklist,
	})

	return server.OpenRoutes(ctx, port, router)
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
