// Package config is the L-ambient configuration surface for veddbd. It
// generalizes the teacher's config/config.go (env-var loader with
// MustGet*-style fail-fast helpers) and cli/root.go (viper binding) into a
// single Config struct mirroring spec.md §6's table, loaded via viper from
// environment variables and an optional YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ReplicationConfig mirrors spec.md §6's replication row. ListenAddr is an
// addition outside spec.md §6's table: a master needs its own address for
// slaves to dial that is distinct from the client-facing BindAddr, since
// replication uses its own length-prefixed JSON framing (see DESIGN.md's
// internal/replication entry), not the client wire protocol.
type ReplicationConfig struct {
	Role       string `mapstructure:"role"`
	MasterAddr string `mapstructure:"master_addr"`
	ListenAddr string `mapstructure:"listen_addr"`
	MaxSlaves  int    `mapstructure:"max_slaves"`
}

// EncryptionConfig mirrors spec.md §6's encryption row.
type EncryptionConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	MasterKey       string `mapstructure:"master_key"`
	KeyRotationDays int    `mapstructure:"key_rotation_days"`
}

// CacheConfig mirrors spec.md §6's cache row. RedisAddr is an addition
// outside spec.md §6's table: the cache layer is go-redis-backed (per
// DESIGN.md's grounding on the teacher's queue/redis client), so a
// deployment needs somewhere to point it — left empty, veddbd starts an
// in-process miniredis instead of requiring an external Redis deployment.
type CacheConfig struct {
	MaxBytes   int64  `mapstructure:"max_bytes"`
	MaxEntries int    `mapstructure:"max_entries"`
	RedisAddr  string `mapstructure:"redis_addr"`
}

// SessionConfig mirrors spec.md §6's session row.
type SessionConfig struct {
	TimeoutSecs int `mapstructure:"timeout_secs"`
}

// TLSConfig mirrors spec.md §6's tls row.
type TLSConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	CertFile          string `mapstructure:"cert_file"`
	KeyFile           string `mapstructure:"key_file"`
	CAFile            string `mapstructure:"ca_file"`
	RequireClientCert bool   `mapstructure:"require_client_cert"`
}

// Config is the whole engine configuration surface, spec.md §6 verbatim.
type Config struct {
	DataDir     string            `mapstructure:"data_dir"`
	BackupDir   string            `mapstructure:"backup_dir"`
	BindAddr    string            `mapstructure:"bind_addr"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Encryption  EncryptionConfig  `mapstructure:"encryption"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Session     SessionConfig     `mapstructure:"session"`
	TLS         TLSConfig         `mapstructure:"tls"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("backup_dir", "./backups")
	v.SetDefault("bind_addr", "0.0.0.0:6543")
	v.SetDefault("replication.role", "master")
	v.SetDefault("replication.listen_addr", "0.0.0.0:6544")
	v.SetDefault("replication.max_slaves", 8)
	v.SetDefault("encryption.enabled", false)
	v.SetDefault("encryption.key_rotation_days", 90)
	v.SetDefault("cache.max_bytes", int64(256*1024*1024))
	v.SetDefault("cache.max_entries", 100000)
	v.SetDefault("session.timeout_secs", 1800)
	v.SetDefault("tls.enabled", false)
}

// Load reads configuration from an optional YAML file at path (skipped when
// path is empty) layered under VEDDB_-prefixed environment variables, and
// validates the result. Env vars win over the file; the file wins over
// defaults — the same precedence the teacher's ConfigLoader applies.
func Load(path string) (*Config, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("VEDDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs the teacher's fail-fast-required-field style of check:
// every invalid combination is collected before returning a single error.
func (c *Config) Validate() error {
	var errs []string

	requireString("data_dir", c.DataDir, &errs)
	requireString("bind_addr", c.BindAddr, &errs)
	requireOneOf("replication.role", c.Replication.Role, []string{"master", "slave"}, &errs)
	if c.Replication.Role == "slave" {
		requireString("replication.master_addr", c.Replication.MasterAddr, &errs)
	}
	if c.Replication.MaxSlaves < 0 {
		errs = append(errs, "replication.max_slaves must not be negative")
	}

	if c.Encryption.Enabled {
		requireString("encryption.master_key", c.Encryption.MasterKey, &errs)
		if len(c.Encryption.MasterKey) < 16 {
			errs = append(errs, "encryption.master_key must be at least 16 bytes")
		}
		if c.Encryption.KeyRotationDays <= 0 {
			errs = append(errs, "encryption.key_rotation_days must be positive")
		}
	}

	if c.Cache.MaxBytes < 0 || c.Cache.MaxEntries < 0 {
		errs = append(errs, "cache.max_bytes and cache.max_entries must not be negative")
	}
	if c.Session.TimeoutSecs <= 0 {
		errs = append(errs, "session.timeout_secs must be positive")
	}

	if c.TLS.Enabled {
		requireString("tls.cert_file", c.TLS.CertFile, &errs)
		requireString("tls.key_file", c.TLS.KeyFile, &errs)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SessionTimeout returns the session idle timeout as a time.Duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutSecs) * time.Second
}

func requireString(field, value string, errs *[]string) {
	if value == "" {
		*errs = append(*errs, fmt.Sprintf("%s is required", field))
	}
}

func requireOneOf(field, value string, allowed []string, errs *[]string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	*errs = append(*errs, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}
