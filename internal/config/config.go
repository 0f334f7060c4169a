/*
   Copyright 2026 Cok authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package config loads the environment-variable configuration for
// both cok binaries. Flags set on the cobra commands in cmd/ take
// precedence over the environment; the environment is the fallback a
// container deployment relies on.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MinSecretBytes is the minimum length accepted for API_KEY_SECRET.
// A secret shorter than this makes the HMAC path brute-forceable.
const MinSecretBytes = 32

// ServerConfig configures cok-server.
type ServerConfig struct {
	HTTPPort         int
	TCPPort          int
	MetricsPort      int
	BaseDomain       string
	MaxTunnels       int
	APIKeySecret     []byte
	AllowedHosts     []string
	HealthCheckPaths []string
	DenyListFile     string
	RequestTimeout   time.Duration
	PingInterval     time.Duration
	TunnelTTL        time.Duration
}

// ServerDefaults returns the baseline a fresh ServerConfig starts
// from before environment overrides are applied.
func ServerDefaults() ServerConfig {
	return ServerConfig{
		HTTPPort:         8080,
		TCPPort:          5000,
		MetricsPort:      9090,
		MaxTunnels:       1000,
		HealthCheckPaths: []string{"/health", "/health/live", "/health/ready"},
		RequestTimeout:   30 * time.Second,
		PingInterval:     30 * time.Second,
		TunnelTTL:        24 * time.Hour,
	}
}

// LoadServerConfig reads a ServerConfig from the environment, starting
// from ServerDefaults and overriding any variable that is set.
func LoadServerConfig() (ServerConfig, error) {
	cfg := ServerDefaults()

	if v, ok := os.LookupEnv("HTTP_PORT"); ok {
		p, err := parsePort("HTTP_PORT", v)
		if err != nil {
			return cfg, err
		}
		cfg.HTTPPort = p
	}
	if v, ok := os.LookupEnv("TCP_PORT"); ok {
		p, err := parsePort("TCP_PORT", v)
		if err != nil {
			return cfg, err
		}
		cfg.TCPPort = p
	}
	if v, ok := os.LookupEnv("METRICS_PORT"); ok {
		p, err := parsePort("METRICS_PORT", v)
		if err != nil {
			return cfg, err
		}
		cfg.MetricsPort = p
	}
	cfg.BaseDomain = os.Getenv("BASE_DOMAIN")
	if cfg.BaseDomain == "" {
		return cfg, errors.New("BASE_DOMAIN is required")
	}
	if v, ok := os.LookupEnv("MAX_TUNNELS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, errors.Errorf("MAX_TUNNELS must be a positive integer, got %q", v)
		}
		cfg.MaxTunnels = n
	}

	secret := os.Getenv("API_KEY_SECRET")
	if len(secret) < MinSecretBytes {
		return cfg, errors.Errorf("API_KEY_SECRET must be at least %d bytes, got %d", MinSecretBytes, len(secret))
	}
	cfg.APIKeySecret = []byte(secret)

	if v := os.Getenv("ALLOWED_HOSTS"); v != "" {
		cfg.AllowedHosts = splitCSV(v)
	}
	if v := os.Getenv("HEALTH_CHECK_PATHS"); v != "" {
		cfg.HealthCheckPaths = splitCSV(v)
	}
	cfg.DenyListFile = os.Getenv("DENY_LIST_FILE")

	if v, ok := os.LookupEnv("REQUEST_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, errors.Wrap(err, "parsing REQUEST_TIMEOUT")
		}
		cfg.RequestTimeout = d
	}
	if v, ok := os.LookupEnv("PING_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, errors.Wrap(err, "parsing PING_INTERVAL")
		}
		cfg.PingInterval = d
	}
	if v, ok := os.LookupEnv("TUNNEL_TTL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, errors.Wrap(err, "parsing TUNNEL_TTL")
		}
		cfg.TunnelTTL = d
	}

	return cfg, nil
}

// ClientConfig configures the cok CLI.
type ClientConfig struct {
	ServerAddr         string
	APIKey             string
	RequestedSubdomain string
	LocalOrigin        string
	Verbose            bool
	MetricsPort        int
}

// LoadClientConfig reads a ClientConfig from the environment. cmd/cok
// applies its --server, --api-key and --subdomain flags on top of this
// result, so a non-empty flag wins; --verbose and COK_VERBOSE each turn
// debug logging on. cmd/cok takes the local origin from its positional
// argument, so LocalOrigin is not read there, and MetricsPort has no
// flag.
func LoadClientConfig() (ClientConfig, error) {
	cfg := ClientConfig{
		ServerAddr:  os.Getenv("COK_SERVER_ADDR"),
		APIKey:      os.Getenv("COK_API_KEY"),
		MetricsPort: 9091,
	}
	cfg.RequestedSubdomain = os.Getenv("COK_SUBDOMAIN")
	cfg.LocalOrigin = os.Getenv("COK_LOCAL_ORIGIN")
	if v := os.Getenv("COK_VERBOSE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, errors.Wrap(err, "parsing COK_VERBOSE")
		}
		cfg.Verbose = b
	}
	if v, ok := os.LookupEnv("COK_METRICS_PORT"); ok {
		p, err := parsePort("COK_METRICS_PORT", v)
		if err != nil {
			return cfg, err
		}
		cfg.MetricsPort = p
	}
	return cfg, nil
}

func parsePort(name, v string) (int, error) {
	p, err := strconv.Atoi(v)
	if err != nil || p <= 0 || p > 65535 {
		return 0, errors.Errorf("%s must be a valid TCP port, got %q", name, v)
	}
	return p, nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
