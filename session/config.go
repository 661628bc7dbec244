package session

import (
	"time"

	"github.com/gambiarra-club/arena-client/config"
)

// Config defines connection behavior. Identity is sent in the register frame.
type Config struct {
	Identity config.SessionConfig

	// MaxAttempts bounds consecutive reconnect attempts after a drop.
	MaxAttempts int
	// BaseDelay is the first reconnect delay; each attempt doubles it.
	BaseDelay time.Duration
	// QueueSize bounds the outbound queue; producers block when it is full.
	QueueSize int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
}

// DefaultConfig returns the arena defaults for identity.
func DefaultConfig(identity config.SessionConfig) Config {
	return Config{
		Identity:         identity,
		MaxAttempts:      5,
		BaseDelay:        time.Second,
		QueueSize:        256,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadLimit:        512 * 1024,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.Identity)
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = def.BaseDelay
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	return c
}
