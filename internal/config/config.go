// Package config implements the dkim-verify configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"blitiri.com.ar/go/log"
	"gopkg.in/yaml.v2"
)

// Config for DKIM verification.
type Config struct {
	// Resolver to use for key lookups: "dns" queries the nameservers
	// directly, "system" uses the Go resolver.
	Resolver string `yaml:"resolver"`

	// Nameservers for the "dns" resolver, in host:port form. If empty, the
	// ones in /etc/resolv.conf are used.
	Nameservers []string `yaml:"nameservers"`

	// Timeout for each DNS query, as a Go duration string.
	DNSTimeout string `yaml:"dns_timeout"`

	// Retries for failed DNS queries.
	DNSRetries *int `yaml:"dns_retries"`

	// Reject signatures whose d= is a public suffix.
	RejectPublicSuffix *bool `yaml:"reject_public_suffix"`
}

func intPtr(i int) *int { return &i }
func boolPtr(b bool) *bool { return &b }

var defaultConfig = Config{
	Resolver:           "dns",
	DNSTimeout:         "5s",
	DNSRetries:         intPtr(2),
	RejectPublicSuffix: boolPtr(false),
}

// Load the config from the given file, with the given overrides. Both are
// in YAML; an empty path means only the defaults and overrides are used.
func Load(path, overrides string) (*Config, error) {
	// Start with a copy of the default config.
	c := defaultConfig
	c.Nameservers = nil

	// Load from the path.
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
		}

		fromFile := &Config{}
		err = yaml.UnmarshalStrict(buf, fromFile)
		if err != nil {
			return nil, fmt.Errorf("parsing config: %v", err)
		}
		override(&c, fromFile)
	}

	// Handle command line overrides.
	fromOverrides := &Config{}
	err := yaml.UnmarshalStrict([]byte(overrides), fromOverrides)
	if err != nil {
		return nil, fmt.Errorf("parsing override: %v", err)
	}
	override(&c, fromOverrides)

	if c.Resolver != "dns" && c.Resolver != "system" {
		return nil, fmt.Errorf("invalid resolver %q", c.Resolver)
	}
	if _, err := time.ParseDuration(c.DNSTimeout); err != nil {
		return nil, fmt.Errorf(
			"invalid dns_timeout value %q: %v", c.DNSTimeout, err)
	}
	if *c.DNSRetries < 0 {
		return nil, fmt.Errorf("invalid dns_retries value %d", *c.DNSRetries)
	}

	return &c, nil
}

// Override fields in `c` that are set in `o`.
func override(c, o *Config) {
	if o.Resolver != "" {
		c.Resolver = o.Resolver
	}
	if len(o.Nameservers) > 0 {
		c.Nameservers = o.Nameservers
	}
	if o.DNSTimeout != "" {
		c.DNSTimeout = o.DNSTimeout
	}
	if o.DNSRetries != nil {
		c.DNSRetries = o.DNSRetries
	}
	if o.RejectPublicSuffix != nil {
		c.RejectPublicSuffix = o.RejectPublicSuffix
	}
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Resolver: %q", c.Resolver)
	log.Infof("  Nameservers: %q", c.Nameservers)
	log.Infof("  DNS timeout: %s", c.DNSTimeoutDuration())
	log.Infof("  DNS retries: %d", *c.DNSRetries)
	log.Infof("  Reject public suffix: %v", *c.RejectPublicSuffix)
}

// DNSTimeoutDuration returns the DNS timeout as a time.Duration.
func (c *Config) DNSTimeoutDuration() time.Duration {
	// We validate the string value at config load time, so we know it is well
	// formed.
	d, _ := time.ParseDuration(c.DNSTimeout)
	return d
}
