package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BusConfig selects and tunes the capability transport. Shared by the
// coordinator and the node agent.
type BusConfig struct {
	Driver               string        // MESH_BUS_DRIVER, "redis" or "memory"
	RedisURL             string        // MESH_REDIS_URL
	SubjectPrefix        string        // MESH_SUBJECT_PREFIX
	RequestTimeout       time.Duration // MESH_REQUEST_TIMEOUT
	CompressionThreshold int           // MESH_COMPRESSION_THRESHOLD, bytes; 0 disables
	CompressionLevel     int           // MESH_COMPRESSION_LEVEL, 1-4
}

// Config holds all coordinator configuration values.
type Config struct {
	InstanceID string
	Version    string

	Bus BusConfig

	// Node registry
	StaleAfter            time.Duration
	PurgeAfter            time.Duration
	RegistrySweepInterval time.Duration

	// Reservation engine
	DefaultLeaseTTL     time.Duration
	MaxLeaseTTL         time.Duration
	ExpirySweepInterval time.Duration
	RAMWindow           int
	RAMLowWaterMB       int64
	RAMLookahead        time.Duration

	// Work marshaling
	AssignInterval        time.Duration
	AssignmentTimeout     time.Duration
	MaxAttempts           int
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	BlacklistThreshold    int
	BlacklistBaseCooldown time.Duration
	BlacklistMaxCooldown  time.Duration
	WorkRetention         time.Duration
	GPUWorkTypes          []string
	ModelFootprints       map[string]int64 // MESH_MODEL_FOOTPRINTS, "model=MB,..."

	// Surfaces
	APIPort        int  // MESH_API_PORT, 0 disables the HTTP API
	HealthPort     int  // MESH_HEALTH_PORT
	GRPCHealthPort int  // MESH_GRPC_HEALTH_PORT, 0 disables
	DebugEndpoints bool // MESH_DEBUG_ENDPOINTS, default: false; enables pprof/debug on health port

	// History
	HistoryDriver   string // MESH_HISTORY_DRIVER, "", "sqlite" or "mongo"
	HistoryDSN      string // MESH_HISTORY_DSN, file path or mongodb:// URI
	HistoryDatabase string // MESH_HISTORY_DATABASE, mongo only
	HistoryBuffer   int    // MESH_HISTORY_BUFFER

	// Kubernetes discovery
	KubeDiscovery        bool
	InformerResyncPeriod time.Duration
	InformerSyncTimeout  time.Duration
	RAMPollInterval      time.Duration
}

// Load reads coordinator configuration from environment variables and
// returns a Config with defaults applied for any unset values.
func Load() Config {
	cfg := Config{
		InstanceID: os.Getenv("MESH_INSTANCE_ID"),
		Version:    envOrDefault("MESH_VERSION", "dev"),
		Bus:        loadBus(),

		StaleAfter:            parseDuration("MESH_STALE_AFTER", 30*time.Second),
		PurgeAfter:            parseDuration("MESH_PURGE_AFTER", 10*time.Minute),
		RegistrySweepInterval: parseDuration("MESH_REGISTRY_SWEEP_INTERVAL", 5*time.Second),

		DefaultLeaseTTL:     parseDuration("MESH_LEASE_TTL", 5*time.Minute),
		MaxLeaseTTL:         parseDuration("MESH_MAX_LEASE_TTL", time.Hour),
		ExpirySweepInterval: parseDuration("MESH_EXPIRY_SWEEP_INTERVAL", 5*time.Second),
		RAMWindow:           parseInt("MESH_RAM_WINDOW", 12),
		RAMLowWaterMB:       parseInt64("MESH_RAM_LOW_WATER_MB", 2048),
		RAMLookahead:        parseDuration("MESH_RAM_LOOKAHEAD", 2*time.Minute),

		AssignInterval:        parseDuration("MESH_ASSIGN_INTERVAL", time.Second),
		MaxAttempts:           parseInt("MESH_MAX_ATTEMPTS", 3),
		RetryBaseDelay:        parseDuration("MESH_RETRY_BASE_DELAY", 2*time.Second),
		RetryMaxDelay:         parseDuration("MESH_RETRY_MAX_DELAY", 2*time.Minute),
		BlacklistThreshold:    parseInt("MESH_BLACKLIST_THRESHOLD", 3),
		BlacklistBaseCooldown: parseDuration("MESH_BLACKLIST_BASE_COOLDOWN", 30*time.Second),
		BlacklistMaxCooldown:  parseDuration("MESH_BLACKLIST_MAX_COOLDOWN", 10*time.Minute),
		WorkRetention:         parseDuration("MESH_WORK_RETENTION", time.Hour),
		GPUWorkTypes:          parseStringSlice("MESH_GPU_WORK_TYPES"),
		ModelFootprints:       parseKeyInt64s("MESH_MODEL_FOOTPRINTS"),

		APIPort:        parseInt("MESH_API_PORT", 8090),
		HealthPort:     parseInt("MESH_HEALTH_PORT", 8080),
		GRPCHealthPort: parseInt("MESH_GRPC_HEALTH_PORT", 8081),
		DebugEndpoints: parseBool("MESH_DEBUG_ENDPOINTS", false),

		HistoryDriver:   strings.ToLower(os.Getenv("MESH_HISTORY_DRIVER")),
		HistoryDSN:      os.Getenv("MESH_HISTORY_DSN"),
		HistoryDatabase: envOrDefault("MESH_HISTORY_DATABASE", "mesh"),
		HistoryBuffer:   parseInt("MESH_HISTORY_BUFFER", 1024),

		KubeDiscovery:        parseBool("MESH_KUBE_DISCOVERY", false),
		InformerResyncPeriod: parseDuration("MESH_INFORMER_RESYNC", 300*time.Second),
		InformerSyncTimeout:  parseDuration("MESH_INFORMER_SYNC_TIMEOUT", 5*time.Minute),
		RAMPollInterval:      parseDuration("MESH_RAM_POLL_INTERVAL", 30*time.Second),
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}
	if len(cfg.GPUWorkTypes) == 0 {
		cfg.GPUWorkTypes = []string{"inference", "training", "benchmark"}
	}
	// Assignment timeout follows the lease TTL unless set explicitly.
	cfg.AssignmentTimeout = parseDuration("MESH_ASSIGNMENT_TIMEOUT", cfg.DefaultLeaseTTL)

	return cfg
}

func loadBus() BusConfig {
	return BusConfig{
		Driver:               strings.ToLower(envOrDefault("MESH_BUS_DRIVER", "redis")),
		RedisURL:             envOrDefault("MESH_REDIS_URL", "redis://localhost:6379/0"),
		SubjectPrefix:        envOrDefault("MESH_SUBJECT_PREFIX", "mesh"),
		RequestTimeout:       parseDuration("MESH_REQUEST_TIMEOUT", 5*time.Second),
		CompressionThreshold: parseInt("MESH_COMPRESSION_THRESHOLD", 4096),
		CompressionLevel:     parseInt("MESH_COMPRESSION_LEVEL", 2),
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer seconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	secs, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(secs) * time.Second
	}

	return defaultVal
}

func parseBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func parseInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}

func parseStringSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var result []string
	for _, s := range strings.Split(v, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}

// parseKeyInt64s reads "a=1,b=2". Malformed pairs are skipped.
func parseKeyInt64s(key string) map[string]int64 {
	out := make(map[string]int64)
	for _, pair := range parseStringSlice(key) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			continue
		}
		out[strings.TrimSpace(k)] = n
	}
	return out
}

// parseKeyValues reads "a=x,b=y". Malformed pairs are skipped.
func parseKeyValues(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range parseStringSlice(key) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
