// Package builtin wires the backends shipped with harvest into a registry.
package builtin

import (
	"go.uber.org/zap"

	"github.com/teranos/harvest/am"
	"github.com/teranos/harvest/backend"
	"github.com/teranos/harvest/backend/cluster"
	"github.com/teranos/harvest/backend/queue"
	"github.com/teranos/harvest/jobstore"
)

// Registry returns a registry holding GWDG, HPC and LOCALQUEUE
func Registry() (*backend.Registry, error) {
	reg := backend.NewRegistry()
	for _, register := range []func(*backend.Registry) error{cluster.Register, queue.Register} {
		if err := register(reg); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// New constructs the backend named by cfg.Backend.Identifier
func New(cfg *am.Config, store *jobstore.Store, log *zap.SugaredLogger) (backend.Backend, error) {
	reg, err := Registry()
	if err != nil {
		return nil, err
	}
	return reg.New(cfg.Backend.Identifier, backend.Deps{Config: cfg, Store: store, Logger: log})
}
