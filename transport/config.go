package transport

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Default configuration values.
const (
	DefaultRetryInterval        = 5 * time.Second
	DefaultRetriesBeforeBackoff = 5
	DefaultChainID              = 1

	// joinRetries bounds every join/create retry loop.
	joinRetries = 5

	// roomJoinRetryInterval seeds the wait for an invited peer to join.
	roomJoinRetryInterval           = 100 * time.Millisecond
	roomJoinRetryIntervalMultiplier = 1.55
)

// Well-known global room suffixes.
const (
	DiscoveryRoom   = "discovery"
	MonitoringRoom  = "monitoring"
	PathFindingRoom = "path_finding"
)

// ErrInvalidServer is returned for a server value that is neither "auto"
// nor an http(s) URL.
var ErrInvalidServer = errors.New(`invalid server specified (valid values: "auto" or a URL)`)

// Config is the transport configuration surface.
type Config struct {
	// Server is either an http(s) homeserver URL or "auto", in which case
	// AvailableServers is consulted.
	Server string

	// AvailableServers is the known server pool, used with Server "auto"
	// and as fallbacks when locating global rooms.
	AvailableServers []string

	// RetryInterval is the per-peer worker poll interval and the base
	// resend backoff interval.
	RetryInterval time.Duration

	// RetriesBeforeBackoff is how many sends happen at RetryInterval
	// spacing before the backoff starts doubling.
	RetriesBeforeBackoff int

	// GlobalRooms lists the well-known room suffixes joined at startup,
	// e.g. "discovery".
	GlobalRooms []string

	// PrivateRooms makes the transport create invite-only rooms for peers
	// instead of canonically named public ones.
	PrivateRooms bool

	// ChainID scopes room aliases to one network, e.g.
	// raiden_1_discovery.
	ChainID int64
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.RetriesBeforeBackoff <= 0 {
		c.RetriesBeforeBackoff = DefaultRetriesBeforeBackoff
	}
	if c.ChainID == 0 {
		c.ChainID = DefaultChainID
	}
	return c
}

// availableServers resolves the server pool for the configured mode.
func (c Config) availableServers() ([]string, error) {
	if c.Server == "auto" {
		if len(c.AvailableServers) == 0 {
			return nil, fmt.Errorf("%w: no available servers for \"auto\"", ErrInvalidServer)
		}
		return c.AvailableServers, nil
	}
	parsed, err := url.Parse(c.Server)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, ErrInvalidServer
	}
	return []string{c.Server}, nil
}

// isGlobalRoomSuffix reports whether the suffix names a configured global
// room.
func (c Config) isGlobalRoomSuffix(suffix string) bool {
	for _, s := range c.GlobalRooms {
		if s == suffix {
			return true
		}
	}
	return false
}
