package redisbridge

import (
	"fmt"
	"time"
)

// Config for the Redis Pub/Sub bridge.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Prefix namespaces every bridge key (default: "xlink").
	Prefix string
	// EndpointID names this endpoint's inbox; required on the endpoint side.
	EndpointID string
	// PublishTimeout bounds each outbound publish (default: 5s).
	PublishTimeout time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		Addr:           "127.0.0.1:6379",
		Prefix:         "xlink",
		PublishTimeout: 5 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Prefix == "" {
		return fmt.Errorf("config: prefix required")
	}
	if c.PublishTimeout <= 0 {
		return fmt.Errorf("config: publish_timeout must be > 0, got %v", c.PublishTimeout)
	}
	return nil
}

// ConfigFromMap safely converts a generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["db"].(int); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["prefix"].(string); ok && v != "" {
		c.Prefix = v
	}
	if v, ok := m["endpoint_id"].(string); ok {
		c.EndpointID = v
	}
	if v, ok := m["publish_timeout"].(time.Duration); ok && v > 0 {
		c.PublishTimeout = v
	}

	return c
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":            c.Addr,
		"username":        c.Username,
		"password":        c.Password,
		"db":              c.DB,
		"tls":             c.TLS,
		"tls_server_name": c.TLSServerName,
		"prefix":          c.Prefix,
		"endpoint_id":     c.EndpointID,
		"publish_timeout": c.PublishTimeout,
	}
}

func (c Config) inboxKey(id string) string { return c.Prefix + ":inbox:" + id }
func (c Config) hubKey() string            { return c.Prefix + ":hub" }
func (c Config) inboxPattern() string      { return c.Prefix + ":inbox:*" }
