package syncserver

import (
	"time"

	"github.com/blukai/bettertogether/internal/protocol"
)

const (
	DefaultMaxPlayers   = 10
	DefaultPollInterval = 15 * time.Millisecond
	DefaultInboundBurst = 64
)

// Config is read from the environment by cmd/server (prefix BT), tests fill
// it in directly. Zero values fall back to the defaults.
type Config struct {
	MaxPlayers   int           `envconfig:"MAX_PLAYERS" default:"10"`
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"15ms"`
	// AdminMode makes the first player to join an empty server an admin.
	AdminMode bool `envconfig:"ADMIN_MODE" default:"false"`
	// ReservedStates are global keys only the server and admins may write.
	ReservedStates []string `envconfig:"RESERVED_STATES"`
	// Banned pre-seeds the in-memory ban list with ip addresses.
	Banned       []string `envconfig:"BANNED"`
	HandshakeKey string   `envconfig:"HANDSHAKE_KEY" default:"BetterTogether"`
	// RejectReservedWrites discards reserved-key writes from non-admins
	// instead of only echoing the authoritative value back.
	RejectReservedWrites bool `envconfig:"REJECT_RESERVED_WRITES" default:"false"`
	// InboundRate limits packets per second per peer, 0 disables the limit.
	InboundRate  float64 `envconfig:"INBOUND_RATE" default:"0"`
	InboundBurst int     `envconfig:"INBOUND_BURST" default:"64"`
}

func DefaultConfig() Config {
	return Config{
		MaxPlayers:   DefaultMaxPlayers,
		PollInterval: DefaultPollInterval,
		HandshakeKey: protocol.DefaultKey,
		InboundBurst: DefaultInboundBurst,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = DefaultMaxPlayers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HandshakeKey == "" {
		c.HandshakeKey = protocol.DefaultKey
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = DefaultInboundBurst
	}
	return c
}
