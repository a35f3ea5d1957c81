package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// envConfig is the flat environment surface, unmarshalled by viper and
// validated before any derived values are computed.
type envConfig struct {
	Env                   string `mapstructure:"ENV" validate:"oneof=development production"`
	HTTPPort              int    `mapstructure:"HTTP_PORT" validate:"min=0,max=65535"`
	HMACSecret            string `mapstructure:"HMAC_SECRET"`
	HMACClockSkewSecs     int    `mapstructure:"HMAC_CLOCK_SKEW_SECONDS" validate:"min=1"`
	IdempotencyWindowSecs int    `mapstructure:"IDEMPOTENCY_WINDOW_SECONDS" validate:"min=1"`
	PostgresDSN           string `mapstructure:"POSTGRES_DSN"`
	ChainRPCURL           string `mapstructure:"CHAIN_RPC_URL"`
	ChainPrivateKey       string `mapstructure:"CHAIN_PRIVATE_KEY"`
	SettlementContract    string `mapstructure:"SETTLEMENT_CONTRACT"`
	RewardRateBps         int64  `mapstructure:"REWARD_RATE_BPS" validate:"min=0,max=10000"`
	MintRetryMaxAttempts  int    `mapstructure:"MINT_RETRY_MAX_ATTEMPTS" validate:"min=1"`
	MintRetryBackoffMs    int    `mapstructure:"MINT_RETRY_BACKOFF_MS" validate:"min=1"`
	MintRetryMaxBackoffMs int    `mapstructure:"MINT_RETRY_MAX_BACKOFF_MS" validate:"min=1"`
	DLQPath               string `mapstructure:"DLQ_PATH"`
}

// AppConfig groups the validated configuration by concern.
type AppConfig struct {
	Env     string
	Service ServiceConfig
	Chain   ChainConfig
	Policy  PolicyConfig
	Retry   RetryConfig
}

type ServiceConfig struct {
	HTTPPort          int
	HMACSecret        string
	HMACClockSkew     time.Duration
	IdempotencyWindow time.Duration
	PostgresDSN       string
	DLQPath           string
}

type ChainConfig struct {
	RPCURL             string
	PrivateKey         string
	SettlementContract string
}

// PolicyConfig fixes the reward proportionality. RewardRateBps is documented
// policy, not a tunable per call: the same order amount always derives the
// same reward.
type PolicyConfig struct {
	RewardRateBps int64
}

type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Load reads configuration from the environment (prefix HP_) with defaults,
// and validates it.
func Load(log *zap.Logger) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("hp")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("HTTP_PORT", 3000)
	v.SetDefault("HMAC_CLOCK_SKEW_SECONDS", 60)
	v.SetDefault("IDEMPOTENCY_WINDOW_SECONDS", 300)
	v.SetDefault("REWARD_RATE_BPS", 1000)
	v.SetDefault("MINT_RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("MINT_RETRY_BACKOFF_MS", 200)
	v.SetDefault("MINT_RETRY_MAX_BACKOFF_MS", 2000)
	v.SetDefault("DLQ_PATH", "")

	// Bind explicitly: AutomaticEnv alone does not populate Unmarshal.
	for _, key := range []string{
		"ENV", "HTTP_PORT", "HMAC_SECRET", "HMAC_CLOCK_SKEW_SECONDS",
		"IDEMPOTENCY_WINDOW_SECONDS", "POSTGRES_DSN", "CHAIN_RPC_URL",
		"CHAIN_PRIVATE_KEY", "SETTLEMENT_CONTRACT", "REWARD_RATE_BPS",
		"MINT_RETRY_MAX_ATTEMPTS", "MINT_RETRY_BACKOFF_MS",
		"MINT_RETRY_MAX_BACKOFF_MS", "DLQ_PATH",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	var raw envConfig
	if err := v.Unmarshal(&raw); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(&raw); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	if raw.HMACSecret == "" {
		log.Warn("HP_HMAC_SECRET is empty, request authentication is disabled")
	}
	if raw.PostgresDSN == "" {
		log.Warn("HP_POSTGRES_DSN is empty, using in-memory stores")
	}

	return &AppConfig{
		Env: raw.Env,
		Service: ServiceConfig{
			HTTPPort:          raw.HTTPPort,
			HMACSecret:        raw.HMACSecret,
			HMACClockSkew:     time.Duration(raw.HMACClockSkewSecs) * time.Second,
			IdempotencyWindow: time.Duration(raw.IdempotencyWindowSecs) * time.Second,
			PostgresDSN:       raw.PostgresDSN,
			DLQPath:           raw.DLQPath,
		},
		Chain: ChainConfig{
			RPCURL:             raw.ChainRPCURL,
			PrivateKey:         raw.ChainPrivateKey,
			SettlementContract: raw.SettlementContract,
		},
		Policy: PolicyConfig{
			RewardRateBps: raw.RewardRateBps,
		},
		Retry: RetryConfig{
			MaxAttempts:    raw.MintRetryMaxAttempts,
			InitialBackoff: time.Duration(raw.MintRetryBackoffMs) * time.Millisecond,
			MaxBackoff:     time.Duration(raw.MintRetryMaxBackoffMs) * time.Millisecond,
		},
	}, nil
}
