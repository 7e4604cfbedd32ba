package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Host      string `mapstructure:"host"`
		Port      int64  `mapstructure:"port"`
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"server"`

	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Redis struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	Datadog struct {
		Host string `mapstructure:"host"`
		Port string `mapstructure:"port"`
	} `mapstructure:"datadog"`

	Encryption struct {
		Password string `mapstructure:"password"`
	} `mapstructure:"encryption"`

	AWS struct {
		Region          string `mapstructure:"region"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
	} `mapstructure:"aws"`

	GCP struct {
		CredentialsFile string `mapstructure:"credentials_file"`
	} `mapstructure:"gcp"`

	Chains []ChainConfig `mapstructure:"chains"`

	Worker WorkerConfig `mapstructure:"worker"`

	Relayer RelayerConfig `mapstructure:"relayer"`

	Webhooks []string `mapstructure:"webhooks"`
}

type ChainConfig struct {
	ChainID   int64   `mapstructure:"chain_id"`
	RPC       string  `mapstructure:"rpc"`
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
	TxType    string  `mapstructure:"tx_type"`
}

type WorkerConfig struct {
	DispatchInterval    time.Duration `mapstructure:"dispatch_interval"`
	ReconcileInterval   time.Duration `mapstructure:"reconcile_interval"`
	RecoveryInterval    time.Duration `mapstructure:"recovery_interval"`
	NonceResyncInterval time.Duration `mapstructure:"nonce_resync_interval"`
	DispatchBatchSize   int           `mapstructure:"dispatch_batch_size"`
	ReconcileBatchSize  int           `mapstructure:"reconcile_batch_size"`
	Concurrency         int           `mapstructure:"concurrency"`
	ProcessedTimeout    time.Duration `mapstructure:"processed_timeout"`
	StuckAfterChecks    int           `mapstructure:"stuck_after_checks"`
}

type RelayerConfig struct {
	DefaultWallet          string        `mapstructure:"default_wallet"`
	MaxRetries             int           `mapstructure:"max_retries"`
	ReplacementBumpPercent int64         `mapstructure:"replacement_bump_percent"`
	CancelReceiptChecks    int           `mapstructure:"cancel_receipt_checks"`
	CancelCheckInterval    time.Duration `mapstructure:"cancel_check_interval"`
	GasLimitBufferPercent  int64         `mapstructure:"gas_limit_buffer_percent"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3005)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("datadog.host", "localhost")
	v.SetDefault("datadog.port", "8125")

	v.SetDefault("worker.dispatch_interval", 2*time.Second)
	v.SetDefault("worker.reconcile_interval", 5*time.Second)
	v.SetDefault("worker.recovery_interval", 30*time.Second)
	v.SetDefault("worker.nonce_resync_interval", 5*time.Minute)
	v.SetDefault("worker.dispatch_batch_size", 50)
	v.SetDefault("worker.reconcile_batch_size", 100)
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.processed_timeout", 5*time.Minute)
	v.SetDefault("worker.stuck_after_checks", 60)

	v.SetDefault("relayer.max_retries", 10)
	v.SetDefault("relayer.replacement_bump_percent", 10)
	v.SetDefault("relayer.cancel_receipt_checks", 0)
	v.SetDefault("relayer.cancel_check_interval", 3*time.Second)
	v.SetDefault("relayer.gas_limit_buffer_percent", 20)
}

// ReadConfig loads <name>.yaml from the working directory, overridden by environment
// variables such as SERVER_JWT_SECRET.
func ReadConfig(name string) (*Config, error) {
	return readConfig(name, ".")
}

func readConfig(name string, paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(name)
	for _, path := range paths {
		v.AddConfigPath(path)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("fail to read config file, %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct, %w", err)
	}
	return &cfg, nil
}

// Chain returns the configuration of chainID.
func (c *Config) Chain(chainID int64) (ChainConfig, bool) {
	for _, chain := range c.Chains {
		if chain.ChainID == chainID {
			return chain, true
		}
	}
	return ChainConfig{}, false
}
