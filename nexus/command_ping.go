package nexus

import (
	"context"
	"fmt"
	"time"
)

// pingRateLimitWindow is the per-user window for the ping operation.
// Every call site checking this operation must use this window.
const pingRateLimitWindow = 10 * time.Second

// PingPlugin replies with the observed round-trip latency of sending a
// message. Mostly useful as a liveness check.
type PingPlugin struct{}

func (PingPlugin) Name() string {
	return "ping"
}

func (PingPlugin) Commands() []string {
	return []string{"ping"}
}

func (PingPlugin) Register(_ *Nexus) error {
	return nil
}

func (PingPlugin) Handle(
	ctx context.Context,
	n *Nexus,
	event CommandEvent,
) error {
	if !n.CheckRateLimit(ctx, event.UserID, "ping", pingRateLimitWindow) {
		return n.Reply(event, n.config.Discord.CooldownMessage)
	}
	start := time.Now()
	if err := n.Reply(event, "Pong!"); err != nil {
		return err
	}
	latency := time.Since(start)
	return n.Reply(
		event,
		fmt.Sprintf("Latency: %dms", latency.Milliseconds()),
	)
}
