// Package storage wires the operational and research backends behind the
// StorageManager contract.
package storage

import (
	"context"
	"fmt"

	"github.com/mfinch/spyglass/internal/common"
	"github.com/mfinch/spyglass/internal/interfaces"
	"github.com/mfinch/spyglass/internal/storage/memory"
	"github.com/mfinch/spyglass/internal/storage/postgres"
)

// Manager holds both stores.
type Manager struct {
	operational interfaces.OperationalStore
	research    interfaces.ResearchStore
	logger      *common.Logger
}

var _ interfaces.StorageManager = (*Manager)(nil)

// NewManager connects both stores from config. A missing database URL
// falls back to the in-memory backend, which only makes sense outside
// production.
func NewManager(ctx context.Context, config *common.Config, logger *common.Logger) (*Manager, error) {
	m := &Manager{logger: logger}

	if config.Storage.OperationalURL != "" {
		op, err := postgres.NewOperationalStore(ctx, config.Storage.OperationalURL, logger)
		if err != nil {
			return nil, fmt.Errorf("operational store: %w", err)
		}
		m.operational = op
	} else {
		if config.IsProduction() {
			return nil, fmt.Errorf("operational database URL is required in production")
		}
		logger.Warn().Msg("No operational database configured, using in-memory store")
		m.operational = memory.NewOperationalStore()
	}

	if config.Storage.ResearchURL != "" {
		rs, err := postgres.NewResearchStore(ctx, config.Storage.ResearchURL, logger)
		if err != nil {
			m.operational.Close()
			return nil, fmt.Errorf("research store: %w", err)
		}
		m.research = rs
	} else {
		if config.IsProduction() {
			m.operational.Close()
			return nil, fmt.Errorf("research database URL is required in production")
		}
		logger.Warn().Msg("No research database configured, using in-memory store")
		m.research = memory.NewResearchStore()
	}

	return m, nil
}

// Operational returns the operational store.
func (m *Manager) Operational() interfaces.OperationalStore { return m.operational }

// Research returns the research store.
func (m *Manager) Research() interfaces.ResearchStore { return m.research }

// Close closes both stores.
func (m *Manager) Close() error {
	var firstErr error
	if m.operational != nil {
		if err := m.operational.Close(); err != nil {
			firstErr = err
		}
	}
	if m.research != nil {
		if err := m.research.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
