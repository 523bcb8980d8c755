package support

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestSetupLoggingWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vpnshield.log")
	closer := SetupLogging(LogOptions{Level: "DEBUG", File: path, MaxSizeMB: 1})
	t.Cleanup(func() {
		_ = closer.Close()
		log.SetOutput(os.Stderr)
		log.SetLevel(log.InfoLevel)
	})

	if log.GetLevel() != log.DebugLevel {
		t.Fatalf("level = %v, want debug", log.GetLevel())
	}

	log.Info("Logging configured", "component", "test")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "Logging configured") {
		t.Fatalf("log file = %q, want the message", data)
	}
}

func TestSetupLoggingFallsBackToInfo(t *testing.T) {
	closer := SetupLogging(LogOptions{Level: "chatty"})
	t.Cleanup(func() { _ = closer.Close() })

	if log.GetLevel() != log.InfoLevel {
		t.Fatalf("level = %v, want info", log.GetLevel())
	}
}
