// Package courier provides a resilient delivery agent for an unreliable
// chat-messaging channel: it keeps one authenticated session alive,
// recovers it after disconnects and credential corruption, and pushes
// scheduled reports through a rate-limited send path.
//
// Example usage:
//
//	cfg := courier.DefaultConfig()
//	cfg.DataDir = "/var/lib/courier"
//	cfg.GatewayURL = "wss://gateway.example.com/ws"
//	c, err := courier.New(cfg, courier.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Stop()
package courier

import (
	"github.com/tallyline-io/courier/internal/app"
	"github.com/tallyline-io/courier/internal/config"
	"github.com/tallyline-io/courier/internal/domain"
	"github.com/tallyline-io/courier/pkg/log"
)

// Config holds the configuration for the courier agent.
// Use DefaultConfig() to get a Config with sensible defaults.
type Config = config.Config

// Options overrides the default component wiring, most importantly the
// report source and the inbound message handler.
type Options = app.Options

// Courier is the composed agent. Create one with New, then Start it.
type Courier = app.Courier

// Lifecycle states reported by Courier.State.
const (
	StateStopped  = app.StateStopped
	StateStarting = app.StateStarting
	StateRunning  = app.StateRunning
	StateStopping = app.StateStopping
	StateCrashed  = app.StateCrashed
)

// ConnectionStatus is the operator-facing connection snapshot.
type ConnectionStatus = domain.ConnectionStatus

// InboundMessage is one message received on the channel.
type InboundMessage = domain.InboundMessage

// Logger is the structured logging interface the agent emits through.
type Logger = log.Logger

// New validates cfg and wires the agent. Nothing runs until Start.
func New(cfg Config, opts Options) (*Courier, error) {
	return app.New(cfg, opts)
}

// DefaultConfig returns a Config with default values. At minimum, set
// DataDir and GatewayURL before calling New.
func DefaultConfig() Config {
	return config.Default()
}

// NewLogger returns the default console logger.
func NewLogger() Logger {
	return log.NewZerologAdapter()
}
