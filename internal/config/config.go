package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// DefaultFilterExtensions covers the common video containers.
const DefaultFilterExtensions = "mkv,mp4,avi,mpg,mpeg,webm,flv,wmv,mov,m4v,3gp,ogv"

// Config holds all application configuration
type Config struct {
	// Required
	RSSURL   string
	MongoURL string
	DetaKey  string

	// File filtering and local scratch space
	FilterExtensions []string
	DownloadPath     string

	// Logging
	LogFile string
	Debug   bool

	// Status API listen address, e.g. ":8085". Empty disables the server.
	APIAddr string
}

// Load reads configuration from a .env file (if present) and the environment.
// Environment variables take precedence over .env values. debugFlag comes from
// the --debug/--verbose CLI flags and elevates the log level.
func Load(debugFlag bool) (*Config, error) {
	// Missing .env is fine; the environment may carry everything.
	_ = godotenv.Load()

	cfg := &Config{
		RSSURL:   os.Getenv("RSS_URL"),
		MongoURL: os.Getenv("MONGO_URL"),
		DetaKey:  os.Getenv("DETA_KEY"),
		LogFile:  "rssbox.log",
		APIAddr:  os.Getenv("API_ADDR"),
	}

	if cfg.RSSURL == "" {
		return nil, fmt.Errorf("RSS_URL must be set")
	}
	if cfg.MongoURL == "" {
		return nil, fmt.Errorf("MONGO_URL must be set")
	}
	if cfg.DetaKey == "" {
		return nil, fmt.Errorf("DETA_KEY must be set")
	}

	exts := os.Getenv("FILTER_EXTENSIONS")
	if exts == "" {
		exts = DefaultFilterExtensions
	}
	cfg.FilterExtensions = parseExtensions(exts)

	downloadPath := os.Getenv("DOWNLOAD_PATH")
	if downloadPath == "" {
		downloadPath = "downloads"
	}
	abs, err := filepath.Abs(downloadPath)
	if err != nil {
		return nil, fmt.Errorf("resolving DOWNLOAD_PATH: %w", err)
	}
	cfg.DownloadPath = abs

	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}

	cfg.Debug = debugFlag || os.Getenv("LOG_LEVEL") == "DEBUG"

	return cfg, nil
}

// parseExtensions splits a comma-separated extension list, trimming spaces
// and leading dots, lowercasing, and dropping duplicates and empty entries.
func parseExtensions(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, part := range strings.Split(s, ",") {
		ext := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(part), "."))
		if ext == "" || seen[ext] {
			continue
		}
		seen[ext] = true
		out = append(out, ext)
	}
	return out
}
