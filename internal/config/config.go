package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"wealthportal.io/internal/identity"
	"wealthportal.io/internal/store/pg"
)

// EnvPrefix prefixes every environment override, e.g. PORTAL_HTTP_ADDR.
const EnvPrefix = "PORTAL"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// App identifies the running service.
type App struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
	Env     string `mapstructure:"env"`
}

// RateLimit is a per-client token bucket. RPS <= 0 disables it.
type RateLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// HTTP configures the API listener.
type HTTP struct {
	Addr              string        `mapstructure:"addr"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	RateLimit         RateLimit     `mapstructure:"rate_limit"`
}

// LogFile enables a rotated log file in addition to stdout.
type LogFile struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type Log struct {
	Level string  `mapstructure:"level"`
	JSON  bool    `mapstructure:"json"`
	File  LogFile `mapstructure:"file"`
}

// DB configures the Postgres pool.
type DB struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

// PoolOptions converts the pool settings for pg.Open.
func (d DB) PoolOptions() pg.PoolOptions {
	return pg.PoolOptions{
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ConnMaxIdleTime: d.ConnMaxIdleTime,
	}
}

type Store struct {
	Driver string `mapstructure:"driver"`
}

// Claims names the token claims read by the verifier.
type Claims struct {
	LoginName string `mapstructure:"login_name"`
	Email     string `mapstructure:"email"`
	Name      string `mapstructure:"name"`
	Phone     string `mapstructure:"phone"`
	Groups    string `mapstructure:"groups"`
	Role      string `mapstructure:"role"`
	UserType  string `mapstructure:"user_type"`
}

// IdP configures bearer token verification. Exactly one of HS256Secret and
// RS256PublicKeyPath must be set.
type IdP struct {
	Issuer             string        `mapstructure:"issuer"`
	Audience           string        `mapstructure:"audience"`
	HS256Secret        string        `mapstructure:"hs256_secret"`
	RS256PublicKeyPath string        `mapstructure:"rs256_public_key_path"`
	Leeway             time.Duration `mapstructure:"leeway"`
	Claims             Claims        `mapstructure:"claims"`
}

// Identity configures role derivation.
type Identity struct {
	GroupRoles        []identity.GroupRole `mapstructure:"group_roles"`
	StaffEmailDomains []string             `mapstructure:"staff_email_domains"`
}

// RoleMapping returns the configured group table, or the default one when
// none is configured.
func (i Identity) RoleMapping() (identity.RoleMapping, error) {
	if len(i.GroupRoles) == 0 {
		return identity.DefaultGroupRoles(), nil
	}
	return identity.NewRoleMapping(i.GroupRoles)
}

type Kafka struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// Audit configures audit sinks beyond the structured log.
type Audit struct {
	Postgres bool  `mapstructure:"postgres"`
	Kafka    Kafka `mapstructure:"kafka"`
}

type Config struct {
	App      App      `mapstructure:"app"`
	HTTP     HTTP     `mapstructure:"http"`
	Log      Log      `mapstructure:"log"`
	DB       DB       `mapstructure:"db"`
	Store    Store    `mapstructure:"store"`
	IdP      IdP      `mapstructure:"idp"`
	Identity Identity `mapstructure:"identity"`
	Audit    Audit    `mapstructure:"audit"`
}

func setDefaults(v *viper.Viper) {
	pool := pg.DefaultPoolOptions()

	v.SetDefault("app.name", "wealth-portal")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.env", "local")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("http.request_timeout", 20*time.Second)
	v.SetDefault("http.max_body_bytes", 4<<20)
	v.SetDefault("http.rate_limit.rps", 20.0)
	v.SetDefault("http.rate_limit.burst", 40)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
	v.SetDefault("log.file.enable", false)
	v.SetDefault("log.file.filename", "logs/portal.log")
	v.SetDefault("log.file.max_size_mb", 100)
	v.SetDefault("log.file.max_backups", 7)
	v.SetDefault("log.file.max_age_days", 14)
	v.SetDefault("log.file.compress", true)

	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_open_conns", pool.MaxOpenConns)
	v.SetDefault("db.max_idle_conns", pool.MaxIdleConns)
	v.SetDefault("db.conn_max_lifetime", pool.ConnMaxLifetime)
	v.SetDefault("db.conn_max_idle_time", pool.ConnMaxIdleTime)
	v.SetDefault("db.ping_timeout", 3*time.Second)

	v.SetDefault("store.driver", DriverMemory)

	v.SetDefault("idp.issuer", "")
	v.SetDefault("idp.audience", "")
	v.SetDefault("idp.hs256_secret", "")
	v.SetDefault("idp.rs256_public_key_path", "")
	v.SetDefault("idp.leeway", 30*time.Second)
	v.SetDefault("idp.claims.login_name", "preferred_username")
	v.SetDefault("idp.claims.email", "email")
	v.SetDefault("idp.claims.name", "name")
	v.SetDefault("idp.claims.phone", "phone_number")
	v.SetDefault("idp.claims.groups", "groups")
	v.SetDefault("idp.claims.role", "portal_role")
	v.SetDefault("idp.claims.user_type", "user_type")

	v.SetDefault("identity.staff_email_domains", []string{})

	v.SetDefault("audit.postgres", true)
	v.SetDefault("audit.kafka.brokers", []string{})
	v.SetDefault("audit.kafka.topic", "portal.audit")
}

// Load reads configuration from an optional YAML file at path, then applies
// PORTAL_* environment overrides on top of defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	c.Audit.Kafka.Brokers = splitList(c.Audit.Kafka.Brokers)
	c.Identity.StaffEmailDomains = splitList(c.Identity.StaffEmailDomains)
	// The audit table only exists alongside the postgres store.
	if c.Store.Driver != DriverPostgres {
		c.Audit.Postgres = false
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if strings.TrimSpace(c.DB.DSN) == "" {
			errs = append(errs, errors.New("db.dsn is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, postgres", c.Store.Driver))
	}
	if strings.TrimSpace(c.IdP.Issuer) == "" {
		errs = append(errs, errors.New("idp.issuer is required"))
	}
	hasSecret := c.IdP.HS256Secret != ""
	hasKey := c.IdP.RS256PublicKeyPath != ""
	if hasSecret == hasKey {
		errs = append(errs, errors.New("exactly one of idp.hs256_secret and idp.rs256_public_key_path is required"))
	}
	if c.IdP.Claims.LoginName == "" {
		errs = append(errs, errors.New("idp.claims.login_name is required"))
	}

	if _, err := c.Identity.RoleMapping(); err != nil {
		errs = append(errs, fmt.Errorf("identity.group_roles: %w", err))
	}
	if len(c.Audit.Kafka.Brokers) > 0 && c.Audit.Kafka.Topic == "" {
		errs = append(errs, errors.New("audit.kafka.topic is required when brokers are set"))
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("http.max_body_bytes must be positive"))
	}
	return errors.Join(errs...)
}

// splitList flattens comma separated entries, which is how list values
// arrive from the environment.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
