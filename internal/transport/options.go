package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Option keys owned by the transport. Everything else belongs to the core.
const (
	KeyAppspace          = "appspace"
	KeySocketRoot        = "socket_root"
	KeyNetwork           = "network"
	KeyNetworkHost       = "network_host"
	KeyNetworkPort       = "network_port"
	KeyMaxConnections    = "max_connections"
	KeyRetry             = "retry"
	KeyMaxRetries        = "max_retries"
	KeyStopRetrying      = "stop_retrying"
	KeyUnlink            = "unlink"
	KeyConnectTimeout    = "connect_timeout"
	KeyWriteTimeout      = "write_timeout"
	KeyBackoffMultiplier = "backoff_multiplier"
	KeyBackoffMax        = "backoff_max"
	KeyBackoffJitter     = "backoff_jitter"
)

var keys = map[string]struct{}{
	KeyAppspace: {}, KeySocketRoot: {}, KeyNetwork: {}, KeyNetworkHost: {},
	KeyNetworkPort: {}, KeyMaxConnections: {}, KeyRetry: {}, KeyMaxRetries: {},
	KeyStopRetrying: {}, KeyUnlink: {}, KeyConnectTimeout: {}, KeyWriteTimeout: {},
	KeyBackoffMultiplier: {}, KeyBackoffMax: {}, KeyBackoffJitter: {},
}

// IsKey reports whether key is a transport option.
func IsKey(key string) bool {
	_, ok := keys[key]
	return ok
}

const (
	NetworkUnix = "unix"
	NetworkTCP  = "tcp"
)

var (
	ErrIDRequired     = errors.New("transport: endpoint id required")
	ErrPortRequired   = errors.New("transport: network_port required for tcp")
	ErrUnknownNetwork = errors.New("transport: unknown network")
)

// Options configures where an endpoint lives and how connections behave.
type Options struct {
	ID             string
	Appspace       string
	SocketRoot     string
	Network        string
	Host           string
	Port           int
	MaxConnections int
	// MaxRetries bounds consecutive failed dials; 0 retries forever.
	MaxRetries     int
	StopRetrying   bool
	Unlink         bool
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Backoff        BackoffConfig
}

func DefaultOptions() Options {
	return Options{
		Appspace:       "app.",
		SocketRoot:     os.TempDir() + string(os.PathSeparator),
		Network:        NetworkUnix,
		Host:           "127.0.0.1",
		MaxConnections: 100,
		Unlink:         true,
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   15 * time.Second,
		Backoff: BackoffConfig{
			InitialDelay: 500 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultOptions.
func (o Options) WithDefaults() Options {
	def := DefaultOptions()
	if o.SocketRoot == "" {
		o.SocketRoot = def.SocketRoot
	}
	if o.Network == "" {
		o.Network = def.Network
	}
	if o.Host == "" {
		o.Host = def.Host
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = def.MaxConnections
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.Backoff.InitialDelay <= 0 {
		o.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if o.Backoff.Multiplier <= 0 {
		o.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if o.Backoff.MaxDelay <= 0 {
		o.Backoff.MaxDelay = def.Backoff.MaxDelay
	}
	return o
}

// Address returns the network and address derived from the options. A unix
// endpoint lives at SocketRoot+Appspace+ID.
func (o Options) Address() (string, string, error) {
	switch strings.ToLower(strings.TrimSpace(o.Network)) {
	case NetworkUnix, "":
		if strings.TrimSpace(o.ID) == "" {
			return "", "", ErrIDRequired
		}
		return NetworkUnix, o.SocketRoot + o.Appspace + o.ID, nil
	case NetworkTCP:
		if o.Port <= 0 {
			return "", "", ErrPortRequired
		}
		return NetworkTCP, net.JoinHostPort(o.Host, strconv.Itoa(o.Port)), nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnknownNetwork, o.Network)
	}
}

func (o Options) Validate() error {
	_, _, err := o.Address()
	return err
}
