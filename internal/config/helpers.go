package config

import (
	"fmt"
)

// GossipAddress returns the bind address for the gossip listener
func (c *Config) GossipAddress() string {
	return fmt.Sprintf("%s:%d", c.Node.Host, c.Node.GossipPort)
}

// DataAddress returns the bind address for the data-plane listener
func (c *Config) DataAddress() string {
	return fmt.Sprintf("%s:%d", c.Node.Host, c.Node.DataPort)
}

// AdvertiseGossipAddress returns the gossip address peers should dial
func (c *Config) AdvertiseGossipAddress() string {
	return fmt.Sprintf("%s:%d", c.advertiseHost(), c.Node.GossipPort)
}

// AdvertiseDataAddress returns the data address peers should dial
func (c *Config) AdvertiseDataAddress() string {
	return fmt.Sprintf("%s:%d", c.advertiseHost(), c.Node.DataPort)
}

// AdminAddress returns the admin HTTP listen address
func (c *Config) AdminAddress() string {
	return c.Admin.Address()
}

// MetricsAddress returns the Prometheus listen address
func (c *Config) MetricsAddress() string {
	return c.Metrics.Address()
}

// Address returns the admin listen address
func (a AdminConfig) Address() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Address returns the Prometheus listen address
func (m MetricsConfig) Address() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

func (c *Config) advertiseHost() string {
	if c.Node.AdvertiseHost != "" {
		return c.Node.AdvertiseHost
	}
	if c.Node.Host == "0.0.0.0" || c.Node.Host == "" {
		return "127.0.0.1"
	}
	return c.Node.Host
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Logging.Level == "debug" && c.Logging.Format == "console"
}
