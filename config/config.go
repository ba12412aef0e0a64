// Package config - node configuration, read from YAML and SECURESYNC_ environment variables
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alwitt/securesync/models"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefix of environment variable overrides, e.g. SECURESYNC_SYNC_HOST
const EnvPrefix = "SECURESYNC"

// NodeConfig identity of this node
type NodeConfig struct {
	// Role "AGGREGATOR" or "DISTRIBUTED"
	Role models.NodeRoleENUMType `mapstructure:"role" json:"role" validate:"required,node_role"`
	// Name display name of the own device
	Name string `mapstructure:"name" json:"name" validate:"required"`
	// Description description of the own device
	Description string `mapstructure:"description" json:"description,omitempty"`
}

// DatabaseConfig persistence settings
type DatabaseConfig struct {
	// Driver "sqlite" or "postgres"
	Driver string `mapstructure:"driver" json:"driver" validate:"required,oneof=sqlite postgres"`
	// DSN sqlite DB file, or PostgreSQL connection string
	DSN string `mapstructure:"dsn" json:"dsn" validate:"required"`
}

// CryptoConfig key material sealing the device private key at rest
type CryptoConfig struct {
	// RSACertFile primary RSA certificate PEM
	RSACertFile string `mapstructure:"rsaCertFile" json:"rsaCertFile" validate:"required"`
	// RSAKeyFile primary RSA private key PEM
	RSAKeyFile string `mapstructure:"rsaKeyFile" json:"rsaKeyFile" validate:"required"`
}

// SyncConfig client side exchange settings
type SyncConfig struct {
	// Protocol "http" or "https"
	Protocol string `mapstructure:"protocol" json:"protocol" validate:"required,oneof=http https"`
	// Host aggregator host, with optional port
	Host string `mapstructure:"host" json:"host" validate:"required"`
	// MaxRecordsPerRequest max records per upload batch or download page
	MaxRecordsPerRequest int `mapstructure:"maxRecordsPerRequest" json:"maxRecordsPerRequest" validate:"gte=1"`
	// RequestTimeout bound on one request
	RequestTimeout time.Duration `mapstructure:"requestTimeout" json:"requestTimeout" validate:"gt=0"`
	// ExchangeTimeout bound on one whole exchange
	ExchangeTimeout time.Duration `mapstructure:"exchangeTimeout" json:"exchangeTimeout" validate:"gt=0"`
	// Retries retry attempts on connection failures
	Retries int `mapstructure:"retries" json:"retries" validate:"gte=0"`
	// SessionRetention how long ended sessions are kept
	SessionRetention time.Duration `mapstructure:"sessionRetention" json:"sessionRetention" validate:"gt=0"`
}

// PeerURL base URL of the aggregator
func (c SyncConfig) PeerURL() string {
	return fmt.Sprintf("%s://%s", c.Protocol, c.Host)
}

// ServerConfig aggregator API server settings
type ServerConfig struct {
	// ListenOn host:port to listen on
	ListenOn string `mapstructure:"listenOn" json:"listenOn" validate:"required"`
	// ReadTimeout HTTP server read timeout
	ReadTimeout time.Duration `mapstructure:"readTimeout" json:"readTimeout" validate:"gt=0"`
	// WriteTimeout HTTP server write timeout
	WriteTimeout time.Duration `mapstructure:"writeTimeout" json:"writeTimeout" validate:"gt=0"`
	// IdleTimeout HTTP server keep-alive timeout
	IdleTimeout time.Duration `mapstructure:"idleTimeout" json:"idleTimeout" validate:"gt=0"`
	// TokenSecret HMAC secret of session tokens
	TokenSecret string `mapstructure:"tokenSecret" json:"-" validate:"required,min=16"`
	// TokenTTL session token lifetime
	TokenTTL time.Duration `mapstructure:"tokenTTL" json:"tokenTTL" validate:"gt=0"`
	// HandshakeTimeout time allowed between connect and verify
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout" json:"handshakeTimeout" validate:"gt=0"`
	// SessionIdleTimeout idle time before an active session is closed
	SessionIdleTimeout time.Duration `mapstructure:"sessionIdleTimeout" json:"sessionIdleTimeout" validate:"gt=0"`
	// MaxRecordsPerRequest max records accepted or returned per batch
	MaxRecordsPerRequest int `mapstructure:"maxRecordsPerRequest" json:"maxRecordsPerRequest" validate:"gte=1"`
}

// Config complete node configuration
type Config struct {
	Node     NodeConfig     `mapstructure:"node" json:"node" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" json:"database" validate:"required"`
	Crypto   CryptoConfig   `mapstructure:"crypto" json:"crypto" validate:"required"`
	// Sync used by distributed nodes
	Sync SyncConfig `mapstructure:"sync" json:"sync" validate:"-"`
	// Server used by the aggregator
	Server ServerConfig `mapstructure:"server" json:"server" validate:"-"`
}

// InstallDefaultConfigValues install default config parameters in viper
func InstallDefaultConfigValues(v *viper.Viper) {
	v.SetDefault("node.role", string(models.NodeRoleDistributed))
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "securesync.db")

	v.SetDefault("sync.protocol", "https")
	v.SetDefault("sync.maxRecordsPerRequest", 100)
	v.SetDefault("sync.requestTimeout", time.Second*30)
	v.SetDefault("sync.exchangeTimeout", time.Minute*10)
	v.SetDefault("sync.retries", 3)
	v.SetDefault("sync.sessionRetention", time.Hour*24*30)

	v.SetDefault("server.listenOn", "0.0.0.0:8443")
	v.SetDefault("server.readTimeout", time.Second*30)
	v.SetDefault("server.writeTimeout", time.Second*60)
	v.SetDefault("server.idleTimeout", time.Second*120)
	v.SetDefault("server.tokenTTL", time.Hour)
	v.SetDefault("server.handshakeTimeout", time.Second*30)
	v.SetDefault("server.sessionIdleTimeout", time.Minute*5)
	v.SetDefault("server.maxRecordsPerRequest", 500)
}

/*
LoadConfig read the node configuration. Values come from the defaults, then the YAML
file, then SECURESYNC_ prefixed environment variables.

	@param configFile string - YAML config file, empty to skip
	@returns the validated configuration
*/
func LoadConfig(configFile string) (Config, error) {
	v := viper.New()
	InstallDefaultConfigValues(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// AutomaticEnv only covers keys viper already knows
	for _, key := range []string{
		"node.name", "node.description", "crypto.rsaCertFile", "crypto.rsaKeyFile",
		"sync.host", "server.tokenSecret",
	} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("failed to bind env for '%s' [%w]", key, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config file '%s' not found [%w]", configFile, err)
			}
			return Config{}, fmt.Errorf("failed to read config file '%s' [%w]", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config [%w]", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate check the configuration, including the section the node role needs
func (c *Config) Validate() error {
	validate := validator.New()
	if err := models.RegisterWithValidator(validate); err != nil {
		return fmt.Errorf("failed to install custom validation macros [%w]", err)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config [%w]", err)
	}
	switch c.Node.Role {
	case models.NodeRoleAggregator:
		if err := validate.Struct(&c.Server); err != nil {
			return fmt.Errorf("invalid server config [%w]", err)
		}
	case models.NodeRoleDistributed:
		if err := validate.Struct(&c.Sync); err != nil {
			return fmt.Errorf("invalid sync config [%w]", err)
		}
	}
	return nil
}
