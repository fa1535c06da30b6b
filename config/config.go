package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process-wide settings for the chat core.
type Config struct {
	ProjectID string

	// Durable attachment storage (S3-compatible).
	BlobEndpoint  string
	BlobAccessKey string
	BlobSecretKey string
	BlobBucket    string
	BlobUseSSL    bool
	BlobURLTTL    time.Duration

	// Presence probing.
	ProbeAddr     string
	ProbeInterval time.Duration

	// Single-slot nickname cache, the analog of the browser's
	// localStorage entry.
	NicknameCachePath string
}

// Load reads configuration from the environment, honouring a .env file
// when present.
func Load() *Config {
	_ = godotenv.Load()

	ttlMinutes, err := strconv.Atoi(getEnv("BLOB_URL_TTL_MINUTES", "60"))
	if err != nil || ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	probeSeconds, err := strconv.Atoi(getEnv("PROBE_INTERVAL_SECONDS", "15"))
	if err != nil || probeSeconds <= 0 {
		probeSeconds = 15
	}

	return &Config{
		ProjectID:         os.Getenv("GOOGLE_CLOUD_PROJECT"),
		BlobEndpoint:      getEnv("BLOB_ENDPOINT", "localhost:9000"),
		BlobAccessKey:     os.Getenv("BLOB_ACCESS_KEY"),
		BlobSecretKey:     os.Getenv("BLOB_SECRET_KEY"),
		BlobBucket:        getEnv("BLOB_BUCKET", "chitchat-attachments"),
		BlobUseSSL:        getEnv("BLOB_USE_SSL", "false") == "true",
		BlobURLTTL:        time.Duration(ttlMinutes) * time.Minute,
		ProbeAddr:         getEnv("PROBE_ADDR", "firestore.googleapis.com:443"),
		ProbeInterval:     time.Duration(probeSeconds) * time.Second,
		NicknameCachePath: getEnv("NICKNAME_CACHE_PATH", defaultNicknamePath()),
	}
}

func defaultNicknamePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "chitchat", "nickname")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
