package health

import (
	"context"
	"time"

	"github.com/glimte/mmate-netbridge/bridge"
	"github.com/glimte/mmate-netbridge/internal/reliability"
)

// Connector is the view of a network connector the checker needs.
type Connector interface {
	Name() string
	Bridge() *bridge.Bridge
	BreakerState() reliability.State
	Attempts() int64
}

// ConnectorChecker reports a connector healthy while its bridge is
// established, degraded while it is connecting and unhealthy once its
// circuit breaker opened.
type ConnectorChecker struct {
	c Connector
}

func NewConnectorChecker(c Connector) *ConnectorChecker {
	return &ConnectorChecker{c: c}
}

func (c *ConnectorChecker) Name() string { return "connector:" + c.c.Name() }

func (c *ConnectorChecker) Check(context.Context) CheckResult {
	res := CheckResult{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details: map[string]any{
			"attempts": c.c.Attempts(),
			"breaker":  c.c.BreakerState().String(),
		},
	}
	b := c.c.Bridge()
	switch {
	case b != nil && b.State() == bridge.StateEstablished:
		res.Status = StatusHealthy
		res.Message = "bridge established"
		res.Details["remoteBroker"] = b.RemoteBrokerName()
		res.Details["demandSubscriptions"] = len(b.LocalSubscriptions())
		res.Details["enqueued"] = b.EnqueueCounter()
		res.Details["dequeued"] = b.DequeueCounter()
	case c.c.BreakerState() == reliability.StateOpen:
		res.Status = StatusUnhealthy
		res.Message = "circuit breaker open"
	default:
		res.Status = StatusDegraded
		res.Message = "connecting"
		if b != nil {
			res.Details["bridgeState"] = b.State().String()
		}
	}
	return res
}
