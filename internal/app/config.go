// Package app holds the process configuration shared by the torrentd
// binaries.
package app

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	ConfigDir          string
	ListenAddr         string // daemon RPC listener
	DataDir            string
	TorrentPort        int
	NoDHT              bool
	MetricsAddr        string // empty = no metrics listener on the daemon
	HTTPAddr           string
	DaemonAddr         string
	Username           string
	Password           string
	CORSAllowedOrigins []string
	MongoURI           string // empty = in-memory repository
	MongoDatabase      string
	MongoCollection    string
	LogLevel           string
	LogFormat          string
	OTELEndpoint       string
	TraceSampleRate    float64
}

func LoadConfig() Config {
	return Config{
		ConfigDir:          getEnv("TORRENTD_CONFIG_DIR", defaultConfigDir()),
		ListenAddr:         getEnv("TORRENTD_LISTEN", "127.0.0.1:58846"),
		DataDir:            getEnv("TORRENTD_DATA_DIR", "data"),
		TorrentPort:        int(getEnvInt64("TORRENTD_TORRENT_PORT", 6881)),
		NoDHT:              getEnvBool("TORRENTD_NO_DHT", false),
		MetricsAddr:        getEnv("TORRENTD_METRICS_ADDR", ""),
		HTTPAddr:           getEnv("TORRENTD_HTTP_ADDR", ":8080"),
		DaemonAddr:         getEnv("TORRENTD_DAEMON_ADDR", "127.0.0.1:58846"),
		Username:           getEnv("TORRENTD_USERNAME", ""),
		Password:           getEnv("TORRENTD_PASSWORD", ""),
		CORSAllowedOrigins: parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		MongoURI:           strings.TrimSpace(os.Getenv("MONGO_URI")),
		MongoDatabase:      getEnv("MONGO_DB", "torrentd"),
		MongoCollection:    getEnv("MONGO_COLLECTION", "torrents"),
		LogLevel:           strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:          strings.ToLower(getEnv("LOG_FORMAT", "text")),
		OTELEndpoint:       strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		TraceSampleRate:    getEnvRatio("OTEL_TRACE_SAMPLE_RATE", 0.1),
	}
}

func defaultConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "torrentd")
	}
	return "config"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvRatio reads a float in [0,1].
func getEnvRatio(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return fallback
	}
	return parsed
}

func parseCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
