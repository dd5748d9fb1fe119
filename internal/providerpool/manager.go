package providerpool

import (
	"sync"

	"github.com/kdlbs/agentmesh/internal/common/apperrors"
	"github.com/kdlbs/agentmesh/internal/common/config"
	"github.com/kdlbs/agentmesh/internal/common/logger"
)

// Manager owns one Pool per configured provider.
type Manager struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewManager builds a Pool for every entry in cfg.Providers.
func NewManager(cfg *config.Config, log *logger.Logger) *Manager {
	m := &Manager{pools: make(map[string]*Pool, len(cfg.Providers))}
	for id, pc := range cfg.Providers {
		m.pools[id] = NewPool(id, pc, log)
	}
	return m
}

// Get returns the Pool for providerID.
func (m *Manager) Get(providerID string) (*Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[providerID]
	if !ok {
		return nil, apperrors.ProviderDisabled(providerID)
	}
	return p, nil
}

// Stats returns a snapshot of every managed provider pool, for the
// Administrative API.
func (m *Manager) Stats() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Stats, 0, len(m.pools))
	for _, p := range m.pools {
		result = append(result, p.Stats())
	}
	return result
}

// Configure replaces or adds the pool for providerID, e.g. after a live
// config change (§6's ConfigChange journal record).
func (m *Manager) Configure(providerID string, pc config.ProviderConfig, log *logger.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[providerID] = NewPool(providerID, pc, log)
}

// Disable removes providerID from the pool, causing subsequent Get calls to
// fail with ProviderDisabled.
func (m *Manager) Disable(providerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, providerID)
}
