package tcp

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tcp-tcp-team-pa/pkg/wrap32"
)

// Defaults applied by DefaultConfig and Validate.
const (
	DefaultCapacity        = 64000
	DefaultRTOMillis       = 1000
	DefaultMSS             = 1000 // payload bytes per segment
	DefaultMaxRetxAttempts = 8

	// MaxWindowSize is the largest window a 16-bit header field advertises.
	MaxWindowSize = 65535
)

// ErrInvalidConfig is returned by Validate and NewISNGenerator.
var ErrInvalidConfig = errors.New("tcp: invalid config")

// ISNMode selects how a connection picks its initial sequence number.
type ISNMode int

const (
	ISNRandom ISNMode = iota // uniformly random
	ISNFixed                 // ISNPolicy.Value
	ISNHashed                // RFC 6528 clock plus keyed hash, see ISNGenerator
)

// ISNPolicy describes the initial sequence number choice.
type ISNPolicy struct {
	Mode  ISNMode
	Value wrap32.Wrap32 // used by ISNFixed
}

// Config holds the construction parameters for a Sender, Receiver or Peer.
type Config struct {
	Capacity        uint64      // bytes per direction
	RTOMillis       uint64      // initial retransmission timeout
	MSS             uint64      // maximum payload per segment
	MaxRetxAttempts uint64      // consecutive retransmissions before a Peer gives up
	ISN             ISNPolicy   // initial sequence number policy
	Logger          *zap.Logger // nil means no logging
}

// DefaultConfig returns the default connection configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:        DefaultCapacity,
		RTOMillis:       DefaultRTOMillis,
		MSS:             DefaultMSS,
		MaxRetxAttempts: DefaultMaxRetxAttempts,
		ISN:             ISNPolicy{Mode: ISNRandom},
	}
}

// Validate checks the configuration and fills in defaults for zero values.
func (c *Config) Validate() error {
	if c.RTOMillis == 0 {
		c.RTOMillis = DefaultRTOMillis
	}
	if c.MSS == 0 {
		c.MSS = DefaultMSS
	}
	if c.MaxRetxAttempts == 0 {
		c.MaxRetxAttempts = DefaultMaxRetxAttempts
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	switch c.ISN.Mode {
	case ISNRandom, ISNFixed, ISNHashed:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown isn mode %d", c.ISN.Mode)
	}
	if c.Capacity == 0 {
		return errors.Wrap(ErrInvalidConfig, "capacity must be positive")
	}
	return nil
}

func (c Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// PickISN returns an initial sequence number according to the policy.
// ISNHashed needs connection identity and a clock, so callers that use it
// must go through an ISNGenerator instead; here it degrades to random.
func (p ISNPolicy) PickISN() wrap32.Wrap32 {
	if p.Mode == ISNFixed {
		return p.Value
	}
	return wrap32.Wrap32(rand.Uint32())
}
