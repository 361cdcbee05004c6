package config

import (
	"time"

	"dns-resolver/internal/cachebackend"
	"dns-resolver/internal/cachecore"
)

// Config holds the configuration for the DNS resolver.
type Config struct {
	ListenAddr           string
	MetricsAddr          string
	PrometheusEnabled    bool
	PrometheusNamespace  string
	UpstreamTimeout      time.Duration
	RequestTimeout       time.Duration
	MaxWorkers           int
	CacheSize            int
	MessageCacheSize     int
	RRsetCacheSize       int
	CacheMaxTTL          time.Duration
	CacheMinTTL          time.Duration
	StaleWhileRevalidate time.Duration
	LMDBPath             string
	ResolverType         string // "unbound" or "knot"

	// CacheVersion lets operators force a purge on next start without
	// touching the on-disk layout (e.g. after a config change that
	// invalidates stashed answers). CacheOptions passes it through as
	// cachecore.Options.ConfigVersion, which Open compares alongside
	// the fixed layout version (cachecore.CacheVersion).
	CacheVersion uint16
	// NSECAggressiveCache enables synthesizing NXDOMAIN/NODATA answers
	// from cached NSEC coverage instead of forwarding every query for a
	// name already known not to exist. CacheOptions inverts it into
	// cachecore.Options.DisableNegativeProof.
	NSECAggressiveCache bool
}

// CacheOptions builds the cachecore.Options this config describes, ready to
// pass to cachecore.Open (or dnsresolver.Open) against backend.
func (c *Config) CacheOptions(backend cachebackend.Backend) cachecore.Options {
	return cachecore.Options{
		Backend:              backend,
		TTLMin:               c.CacheMinTTL,
		TTLMax:               c.CacheMaxTTL,
		ConfigVersion:        c.CacheVersion,
		DisableNegativeProof: !c.NSECAggressiveCache,
	}
}

// NewConfig returns a new Config with default values.
func NewConfig() *Config {
	return &Config{
		ListenAddr:           "0.0.0.0:5053",
		MetricsAddr:          "0.0.0.0:9090",
		PrometheusEnabled:    false,
		PrometheusNamespace:  "dns_resolver",
		UpstreamTimeout:      5 * time.Second,
		RequestTimeout:       5 * time.Second,
		MaxWorkers:           10,
		CacheSize:            5000,
		MessageCacheSize:     5000,
		RRsetCacheSize:       5000,
		CacheMaxTTL:          3600 * time.Second,
		CacheMinTTL:          60 * time.Second,
		StaleWhileRevalidate: 1 * time.Minute,
		LMDBPath:             "/tmp/dns_cache.lmdb",
		ResolverType:         "knot", // Default to Knot resolver
		CacheVersion:         1,
		NSECAggressiveCache:  true,
	}
}
