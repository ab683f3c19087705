package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds a map of per-tenant config overrides.
type TenantsConfig struct {
	Tenants map[string]Config `yaml:"tenants"`
}

// Manager resolves the effective Config for a tenant by layering its
// override file, if any, on top of the global config. Most tenants run
// entirely off the global config; overrides exist for tenants with a
// different marketplace region, a dedicated Claim Detector deployment, or
// a narrower connector set.
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[string]Config
	mu            sync.RWMutex
}

// NewManager loads both the master and per-tenant config files.
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}
	master.applyEnvOverrides()

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, tenantConfigs: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}

	return &Manager{
		globalConfig:  master,
		tenantConfigs: tc.Tenants,
	}, nil
}

// Get returns the effective config for a tenant, merging its override on
// top of the global config section by section: an override section
// replaces the global one whole when its key field is set, and connector
// toggles are merged key by key.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	override, ok := m.tenantConfigs[tenantID]
	if !ok {
		return &effective
	}

	if override.Marketplace.ClientID != "" {
		effective.Marketplace = override.Marketplace
	}
	if override.ClaimDetector.URL != "" {
		effective.ClaimDetector = override.ClaimDetector
	}
	if override.MCDE.BaseURL != "" {
		effective.MCDE = override.MCDE
	}
	if override.RefundEngine.URL != "" {
		effective.RefundEngine = override.RefundEngine
	}
	if override.Archive.Bucket != "" {
		effective.Archive = override.Archive
	}
	if override.Connectors.Enabled != nil {
		merged := make(map[string]bool, len(effective.Connectors.Enabled))
		for k, v := range effective.Connectors.Enabled {
			merged[k] = v
		}
		for k, v := range override.Connectors.Enabled {
			merged[k] = v
		}
		effective.Connectors.Enabled = merged
	}
	if override.Orchestrator.MaxSourcesInFlight != 0 {
		effective.Orchestrator = override.Orchestrator
	}

	return &effective
}

// SetTenantConfig installs or replaces a tenant's override at runtime.
func (m *Manager) SetTenantConfig(tenantID string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tenantConfigs == nil {
		m.tenantConfigs = make(map[string]Config)
	}
	m.tenantConfigs[tenantID] = cfg
}
