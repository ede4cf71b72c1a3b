/**
 * @description
 * This package handles the configuration management for the crowdfunding-service. It uses
 * Viper to read configuration from environment variables and an optional .env file.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	defaultRateLimitPrefix = "crowdfunding:rate_limit"
	defaultOutcomeSchedule = "@every 1m"
	maxCurrencyExponent    = 18
)

// Config holds all the configuration variables for the crowdfunding-service.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	EventExchange              string `mapstructure:"EVENT_EXCHANGE"`
	ActivityQueue              string `mapstructure:"ACTIVITY_QUEUE"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	DonationRateLimitPerMinute int    `mapstructure:"DONATION_RATE_LIMIT_PER_MINUTE"`
	JWKSURL                    string `mapstructure:"JWKS_URL"`
	JWTHMACSecret              string `mapstructure:"JWT_HMAC_SECRET"`
	JWTIssuer                  string `mapstructure:"JWT_ISSUER"`
	JWTAudience                string `mapstructure:"JWT_AUDIENCE"`
	InternalAPIKey             string `mapstructure:"INTERNAL_API_KEY"`
	ReserveRatePerByte         int64  `mapstructure:"RESERVE_RATE_PER_BYTE"`
	CurrencyExponent           int32  `mapstructure:"CURRENCY_EXPONENT"`
	OutcomeJobSchedule         string `mapstructure:"OUTCOME_JOB_SCHEDULE"`
	CORSAllowedOrigins         string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// LoadConfig reads configuration from environment variables and the optional
// .env file found at path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("EVENT_EXCHANGE", "crowdfunding.events")
	viper.SetDefault("ACTIVITY_QUEUE", "crowdfunding_service.activity")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("DONATION_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("RESERVE_RATE_PER_BYTE", 3480)
	viper.SetDefault("CURRENCY_EXPONENT", 2)
	viper.SetDefault("OUTCOME_JOB_SCHEDULE", defaultOutcomeSchedule)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("ACTIVITY_QUEUE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CROWDFUNDING_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("DONATION_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("JWT_HMAC_SECRET")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CROWDFUNDING_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("RESERVE_RATE_PER_BYTE")
	_ = viper.BindEnv("CURRENCY_EXPONENT")
	_ = viper.BindEnv("OUTCOME_JOB_SCHEDULE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.JWKSURL = strings.TrimSpace(config.JWKSURL)

	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	if strings.TrimSpace(config.EventExchange) == "" {
		config.EventExchange = "crowdfunding.events"
	}
	if strings.TrimSpace(config.OutcomeJobSchedule) == "" {
		config.OutcomeJobSchedule = defaultOutcomeSchedule
	}

	if config.DonationRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"invalid DONATION_RATE_LIMIT_PER_MINUTE; disabling donation rate limit\" value=%d", config.DonationRateLimitPerMinute)
		config.DonationRateLimitPerMinute = 0
	}
	if config.ReserveRatePerByte < 0 {
		log.Printf("level=warn component=config msg=\"invalid RESERVE_RATE_PER_BYTE; using 0\" value=%d", config.ReserveRatePerByte)
		config.ReserveRatePerByte = 0
	}
	if config.CurrencyExponent < 0 || config.CurrencyExponent > maxCurrencyExponent {
		log.Printf("level=warn component=config msg=\"invalid CURRENCY_EXPONENT; using 2\" value=%d", config.CurrencyExponent)
		config.CurrencyExponent = 2
	}
	if config.JWKSURL == "" && strings.TrimSpace(config.JWTHMACSecret) == "" {
		log.Printf("level=warn component=config msg=\"neither JWKS_URL nor JWT_HMAC_SECRET is set; authenticated routes will reject every request\"")
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
