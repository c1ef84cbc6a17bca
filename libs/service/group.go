package service

import (
	"context"
	"fmt"

	"github.com/tendermint/chainsync/libs/log"
)

// Group starts a set of services in order and stops them in reverse order.
type Group struct {
	*BaseService

	logger   log.Logger
	services []Service
}

// NewGroup returns a Group over services. Nil entries are skipped.
func NewGroup(logger log.Logger, name string, services ...Service) *Group {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	g := &Group{logger: logger}
	for _, srv := range services {
		if srv != nil {
			g.services = append(g.services, srv)
		}
	}
	g.BaseService = NewBaseService(logger, name, g)
	return g
}

// OnStart starts every member. On failure the members already started are
// stopped again.
func (g *Group) OnStart(ctx context.Context) error {
	for idx, srv := range g.services {
		if err := srv.Start(ctx); err != nil {
			for i := idx - 1; i >= 0; i-- {
				_ = g.services[i].Stop()
			}
			return fmt.Errorf("starting %s: %w", srv, err)
		}
	}
	return nil
}

// OnStop stops every running member.
func (g *Group) OnStop() {
	for idx := len(g.services) - 1; idx >= 0; idx-- {
		srv := g.services[idx]
		if !srv.IsRunning() {
			continue
		}
		if err := srv.Stop(); err != nil {
			g.logger.Error(
				fmt.Sprintf("problem stopping service %d of %d", idx+1, len(g.services)),
				"service", srv.String(), "err", err)
		}
	}
}
