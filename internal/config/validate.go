package config

import (
	"fmt"
	"time"

	"github.com/kubeadapt/kubeadapt-mesh/pkg/model"
)

func (b BusConfig) validate() error {
	switch b.Driver {
	case "redis":
		if b.RedisURL == "" {
			return fmt.Errorf("config: MESH_REDIS_URL is required for the redis bus")
		}
	case "memory":
	default:
		return fmt.Errorf("config: MESH_BUS_DRIVER must be redis or memory, got %q", b.Driver)
	}
	if b.SubjectPrefix == "" {
		return fmt.Errorf("config: MESH_SUBJECT_PREFIX must not be empty")
	}
	if b.RequestTimeout < 100*time.Millisecond {
		return fmt.Errorf("config: RequestTimeout must be >= 100ms, got %v", b.RequestTimeout)
	}
	if b.CompressionThreshold < 0 {
		return fmt.Errorf("config: CompressionThreshold must be >= 0, got %d", b.CompressionThreshold)
	}
	if b.CompressionLevel < 1 || b.CompressionLevel > 4 {
		return fmt.Errorf("config: CompressionLevel must be 1-4, got %d", b.CompressionLevel)
	}
	return nil
}

func validPort(name string, port int, allowZero bool) error {
	if allowZero && port == 0 {
		return nil
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("config: %s must be 1-65535, got %d", name, port)
	}
	return nil
}

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
func (c Config) Validate() error {
	if err := c.Bus.validate(); err != nil {
		return err
	}

	if c.StaleAfter <= 0 {
		return fmt.Errorf("config: StaleAfter must be > 0, got %v", c.StaleAfter)
	}
	if c.PurgeAfter < c.StaleAfter {
		return fmt.Errorf("config: PurgeAfter (%v) must be >= StaleAfter (%v)", c.PurgeAfter, c.StaleAfter)
	}
	if c.RegistrySweepInterval <= 0 || c.ExpirySweepInterval <= 0 || c.AssignInterval <= 0 {
		return fmt.Errorf("config: sweep and assignment intervals must be > 0")
	}

	if c.DefaultLeaseTTL <= 0 {
		return fmt.Errorf("config: DefaultLeaseTTL must be > 0, got %v", c.DefaultLeaseTTL)
	}
	if c.MaxLeaseTTL < c.DefaultLeaseTTL {
		return fmt.Errorf("config: MaxLeaseTTL (%v) must be >= DefaultLeaseTTL (%v)", c.MaxLeaseTTL, c.DefaultLeaseTTL)
	}
	if c.RAMWindow < 3 {
		return fmt.Errorf("config: RAMWindow must be >= 3, got %d", c.RAMWindow)
	}
	if c.RAMLowWaterMB < 0 {
		return fmt.Errorf("config: RAMLowWaterMB must be >= 0, got %d", c.RAMLowWaterMB)
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("config: MaxAttempts must be >= 1, got %d", c.MaxAttempts)
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: retry delays must satisfy 0 < base (%v) <= max (%v)", c.RetryBaseDelay, c.RetryMaxDelay)
	}
	if c.BlacklistThreshold < 1 {
		return fmt.Errorf("config: BlacklistThreshold must be >= 1, got %d", c.BlacklistThreshold)
	}
	if c.BlacklistBaseCooldown <= 0 || c.BlacklistMaxCooldown < c.BlacklistBaseCooldown {
		return fmt.Errorf("config: blacklist cool-downs must satisfy 0 < base (%v) <= max (%v)", c.BlacklistBaseCooldown, c.BlacklistMaxCooldown)
	}
	if c.AssignmentTimeout <= 0 {
		return fmt.Errorf("config: AssignmentTimeout must be > 0, got %v", c.AssignmentTimeout)
	}
	if c.WorkRetention <= 0 {
		return fmt.Errorf("config: WorkRetention must be > 0, got %v", c.WorkRetention)
	}

	if err := validPort("APIPort", c.APIPort, true); err != nil {
		return err
	}
	if err := validPort("HealthPort", c.HealthPort, false); err != nil {
		return err
	}
	if err := validPort("GRPCHealthPort", c.GRPCHealthPort, true); err != nil {
		return err
	}

	switch c.HistoryDriver {
	case "":
	case "sqlite", "mongo":
		if c.HistoryDSN == "" {
			return fmt.Errorf("config: MESH_HISTORY_DSN is required for the %s history driver", c.HistoryDriver)
		}
	default:
		return fmt.Errorf("config: MESH_HISTORY_DRIVER must be sqlite, mongo or empty, got %q", c.HistoryDriver)
	}
	if c.HistoryBuffer < 1 {
		return fmt.Errorf("config: HistoryBuffer must be >= 1, got %d", c.HistoryBuffer)
	}

	return nil
}

// Validate checks that the AgentConfig contains valid values.
func (c AgentConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: MESH_NODE_ID is required")
	}
	if c.Hostname == "" {
		return fmt.Errorf("config: MESH_NODE_HOSTNAME is required")
	}
	if c.Tier != "" {
		if _, err := model.ParseTier(c.Tier); err != nil {
			return fmt.Errorf("config: MESH_NODE_TIER: %w", err)
		}
	}
	if err := c.Bus.validate(); err != nil {
		return err
	}
	if c.HeartbeatInterval < time.Second {
		return fmt.Errorf("config: HeartbeatInterval must be >= 1s, got %v", c.HeartbeatInterval)
	}
	if c.ExecutorTimeout <= 0 {
		return fmt.Errorf("config: ExecutorTimeout must be > 0, got %v", c.ExecutorTimeout)
	}
	if c.MemoryPressureThreshold < 0 || c.MemoryPressureThreshold >= 1 {
		return fmt.Errorf("config: MemoryPressureThreshold must be in [0, 1), got %v", c.MemoryPressureThreshold)
	}
	return validPort("HealthPort", c.HealthPort, false)
}
