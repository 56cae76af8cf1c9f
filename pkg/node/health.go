package node

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	HealthInterval = 30 * time.Second
	pingTimeout    = 5 * time.Second
)

// healthLoop pings the backends until the node stops, logging each
// transition between reachable and unreachable.
func (n *Node) healthLoop() {
	if len(n.checks) == 0 {
		return
	}

	ticker := time.NewTicker(n.healthInterval)
	defer ticker.Stop()

	healthy := make(map[string]bool, len(n.checks))
	n.checkBackends(healthy)

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.checkBackends(healthy)
		}
	}
}

func (n *Node) checkBackends(last map[string]bool) {
	for name, check := range n.checks {
		ctx, cancel := context.WithTimeout(n.ctx, pingTimeout)
		err := check(ctx)
		cancel()

		up := err == nil
		n.metrics.SetBackendUp(name, up)

		prev, seen := last[name]
		last[name] = up
		switch {
		case !up && (!seen || prev):
			n.logger.Warn("Backend unreachable", zap.String("backend", name), zap.Error(err))
		case up && seen && !prev:
			n.logger.Info("Backend recovered", zap.String("backend", name))
		}
	}
}
