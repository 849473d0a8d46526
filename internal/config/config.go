// Package config loads endpoint TOML files into a flat option map and splits
// it between the transport and the core.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgeipc/internal/engine"
	"github.com/danmuck/edgeipc/internal/ipc"
	"github.com/danmuck/edgeipc/internal/transport"
)

// Core option keys.
const (
	KeyID        = "id"
	KeyTimeout   = "timeout"
	KeyTimeoutMS = "timeout_ms"
	KeyAdminAddr = "admin_addr"
	KeyAdminCORS = "admin_cors_origins"
)

// Options is a flat key -> value option set.
type Options map[string]any

// fileConfig maps endpoint.toml keys. Durations are Go duration strings.
type fileConfig struct {
	ID        string   `toml:"id"`
	Timeout   string   `toml:"timeout,omitempty"`
	TimeoutMS *int64   `toml:"timeout_ms,omitempty"`
	AdminAddr string   `toml:"admin_addr"`
	AdminCORS []string `toml:"admin_cors_origins"`

	Appspace          string  `toml:"appspace"`
	SocketRoot        string  `toml:"socket_root"`
	Network           string  `toml:"network"`
	NetworkHost       string  `toml:"network_host"`
	NetworkPort       int     `toml:"network_port"`
	MaxConnections    int     `toml:"max_connections"`
	Retry             string  `toml:"retry"`
	MaxRetries        int     `toml:"max_retries"`
	StopRetrying      bool    `toml:"stop_retrying"`
	Unlink            bool    `toml:"unlink"`
	ConnectTimeout    string  `toml:"connect_timeout"`
	WriteTimeout      string  `toml:"write_timeout"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffMax        string  `toml:"backoff_max"`
	BackoffJitter     bool    `toml:"backoff_jitter"`
}

func (f fileConfig) values() map[string]any {
	out := map[string]any{
		KeyID:                          f.ID,
		KeyTimeout:                     f.Timeout,
		KeyAdminAddr:                   f.AdminAddr,
		KeyAdminCORS:                   f.AdminCORS,
		transport.KeyAppspace:          f.Appspace,
		transport.KeySocketRoot:        f.SocketRoot,
		transport.KeyNetwork:           f.Network,
		transport.KeyNetworkHost:       f.NetworkHost,
		transport.KeyNetworkPort:       f.NetworkPort,
		transport.KeyMaxConnections:    f.MaxConnections,
		transport.KeyRetry:             f.Retry,
		transport.KeyMaxRetries:        f.MaxRetries,
		transport.KeyStopRetrying:      f.StopRetrying,
		transport.KeyUnlink:            f.Unlink,
		transport.KeyConnectTimeout:    f.ConnectTimeout,
		transport.KeyWriteTimeout:      f.WriteTimeout,
		transport.KeyBackoffMultiplier: f.BackoffMultiplier,
		transport.KeyBackoffMax:        f.BackoffMax,
		transport.KeyBackoffJitter:     f.BackoffJitter,
	}
	if f.TimeoutMS != nil {
		out[KeyTimeoutMS] = *f.TimeoutMS
	}
	return out
}

// Load decodes path and returns only the keys the file defines.
func Load(path string) (Options, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}

	values := raw.values()
	out := make(Options)
	for key, v := range values {
		if meta.IsDefined(key) {
			out[key] = v
		}
	}
	return out, nil
}

// Partition splits opts into transport keys and everything else.
func Partition(opts Options) (transportOpts, core Options) {
	transportOpts, core = make(Options), make(Options)
	for k, v := range opts {
		if transport.IsKey(k) {
			transportOpts[k] = v
		} else {
			core[k] = v
		}
	}
	return transportOpts, core
}

// Endpoint is a fully resolved endpoint definition.
type Endpoint struct {
	ID        string
	Timeout   time.Duration
	AdminAddr string
	AdminCORS []string
	Transport transport.Options
}

// IPC returns the role configuration for e.
func (e Endpoint) IPC() ipc.Config {
	cfg := ipc.DefaultConfig(e.ID)
	cfg.Transport = e.Transport
	cfg.Transport.ID = e.ID
	cfg.Timeout = e.Timeout
	return cfg
}

// Resolve applies opts over the defaults.
func Resolve(opts Options) (Endpoint, error) {
	transportOpts, core := Partition(opts)
	ep := Endpoint{
		ID:        "edgeipc",
		Timeout:   engine.DefaultTimeout,
		Transport: transport.DefaultOptions(),
	}
	if err := applyCore(&ep, core); err != nil {
		return Endpoint{}, err
	}
	t, err := ApplyTransport(ep.Transport, transportOpts)
	if err != nil {
		return Endpoint{}, err
	}
	t.ID = ep.ID
	ep.Transport = t
	if err := ep.Transport.Validate(); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// LoadEndpoint loads and resolves path.
func LoadEndpoint(path string) (Endpoint, error) {
	opts, err := Load(path)
	if err != nil {
		return Endpoint{}, err
	}
	ep, err := Resolve(opts)
	if err != nil {
		return Endpoint{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return ep, nil
}

func applyCore(ep *Endpoint, core Options) error {
	keys := sortedKeys(core)
	for _, k := range keys {
		v := core[k]
		switch k {
		case KeyID:
			s, err := asString(k, v)
			if err != nil {
				return err
			}
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("config missing id")
			}
			ep.ID = strings.TrimSpace(s)
		case KeyTimeout:
			d, err := asDuration(k, v)
			if err != nil {
				return err
			}
			ep.Timeout = d
		case KeyAdminAddr:
			s, err := asString(k, v)
			if err != nil {
				return err
			}
			ep.AdminAddr = strings.TrimSpace(s)
		case KeyAdminCORS:
			origins, err := asStrings(k, v)
			if err != nil {
				return err
			}
			ep.AdminCORS = origins
		case KeyTimeoutMS:
		default:
			return fmt.Errorf("unknown option %q", k)
		}
	}
	// timeout_ms wins over timeout when both are set.
	if v, ok := core[KeyTimeoutMS]; ok {
		ms, err := asInt(KeyTimeoutMS, v)
		if err != nil {
			return err
		}
		if ms < 0 {
			return fmt.Errorf("%s must not be negative", KeyTimeoutMS)
		}
		ep.Timeout = time.Duration(ms) * time.Millisecond
	}
	return nil
}

// ApplyTransport overlays transport keys onto base.
func ApplyTransport(base transport.Options, opts Options) (transport.Options, error) {
	out := base
	for _, k := range sortedKeys(opts) {
		v := opts[k]
		var err error
		switch k {
		case transport.KeyAppspace:
			out.Appspace, err = asString(k, v)
		case transport.KeySocketRoot:
			out.SocketRoot, err = asString(k, v)
		case transport.KeyNetwork:
			out.Network, err = asString(k, v)
		case transport.KeyNetworkHost:
			out.Host, err = asString(k, v)
		case transport.KeyNetworkPort:
			out.Port, err = asInt(k, v)
		case transport.KeyMaxConnections:
			out.MaxConnections, err = asInt(k, v)
		case transport.KeyRetry:
			out.Backoff.InitialDelay, err = asDuration(k, v)
		case transport.KeyMaxRetries:
			out.MaxRetries, err = asInt(k, v)
		case transport.KeyStopRetrying:
			out.StopRetrying, err = asBool(k, v)
		case transport.KeyUnlink:
			out.Unlink, err = asBool(k, v)
		case transport.KeyConnectTimeout:
			out.ConnectTimeout, err = asDuration(k, v)
		case transport.KeyWriteTimeout:
			out.WriteTimeout, err = asDuration(k, v)
		case transport.KeyBackoffMultiplier:
			out.Backoff.Multiplier, err = asFloat(k, v)
		case transport.KeyBackoffMax:
			out.Backoff.MaxDelay, err = asDuration(k, v)
		case transport.KeyBackoffJitter:
			out.Backoff.Jitter, err = asBool(k, v)
		default:
			err = fmt.Errorf("unknown transport option %q", k)
		}
		if err != nil {
			return transport.Options{}, err
		}
	}
	return out, nil
}

func sortedKeys(opts Options) []string {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func asString(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

func asStrings(key string, v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s must be a list of strings, got %T", key, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s must be a list of strings, got %T", key, v)
	}
}

func asBool(key string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a bool, got %T", key, v)
	}
	return b, nil
}

func asInt(key string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%s must be an integer, got %v", key, n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("%s must be an integer, got %T", key, v)
	}
}

func asFloat(key string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("%s must be a number, got %T", key, v)
	}
}

// asDuration accepts Go duration strings or integer milliseconds. An empty
// string or zero disables the value.
func asDuration(key string, v any) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case string:
		if strings.TrimSpace(d) == "" {
			return 0, nil
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return parsed, nil
	default:
		ms, err := asInt(key, v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration string or milliseconds, got %T", key, v)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
}

// Validate loads path and reports the first problem found.
func Validate(path string) error {
	_, err := LoadEndpoint(path)
	return err
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
