package connector

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/config"
)

// Factory builds a Connector from its configuration block.
type Factory func(cfg config.Connector, log *zap.Logger) (Connector, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register installs a factory for an agency id. Shipped agencies register
// from their init functions; tests may register synthetic agencies.
func Register(agencyID string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[agencyID] = f
}

// New builds the connector for cfg.AgencyID. An unregistered agency is a
// ConfigurationError, caught at startup before any poller runs.
func New(cfg config.Connector, log *zap.Logger) (Connector, error) {
	registryMu.RLock()
	f, ok := registry[cfg.AgencyID]
	registryMu.RUnlock()
	if !ok {
		return nil, NewError(KindConfiguration, cfg.AgencyID,
			fmt.Errorf("no connector registered for agency %q (known: %v)", cfg.AgencyID, Registered()))
	}
	return f(cfg, log)
}

// Registered lists the known agency ids, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// requireCredentials is a shared Initialize helper: every named credential
// must be present and non-empty.
func requireCredentials(cfg config.Connector, keys ...string) error {
	for _, k := range keys {
		if cfg.Credentials[k] == "" {
			return NewError(KindConfiguration, cfg.AgencyID,
				fmt.Errorf("missing credential %q", k))
		}
	}
	return nil
}
