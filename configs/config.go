package configs

import (
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/securefin/ledger-core/pkg/utils"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type Config struct {
	Port string `mapstructure:"PORT" validate:"required"`

	// Storage. With no DB_ADDR the service runs on the in-memory store.
	DbAddr    string `mapstructure:"DB_ADDR"`
	MaxDbCons int32  `mapstructure:"MAX_DB_CONNECTIONS" validate:"min=1"`
	MinDbCons int32  `mapstructure:"MIN_DB_CONNECTIONS" validate:"min=1"`

	// Redis: change notification fan-out plus rate limiting. Optional.
	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	// Kafka record stream. Optional; empty brokers disable publishing.
	KafkaBrokers   string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic     string `mapstructure:"KAFKA_TOPIC" validate:"required"`
	KafkaPartition int    `mapstructure:"KAFKA_PARTITION" validate:"min=1"`

	// Identity provider token verification.
	JwtSecret string `mapstructure:"JWT_SECRET" validate:"required"`
	JwtIssuer string `mapstructure:"JWT_ISSUER" validate:"required"`

	// Money-movement operations allowed per identity per minute; 0 means
	// unlimited.
	OpRateLimit int `mapstructure:"OP_RATE_LIMIT" validate:"min=0"`
	OpRateBurst int `mapstructure:"OP_RATE_BURST" validate:"min=1"`
}

func Load(logger *zap.Logger) (*Config, error) {
	viper.SetEnvPrefix("app") // Prefix for env vars
	viper.AutomaticEnv()

	// Default values
	viper.SetDefault("PORT", "8080")
	viper.SetDefault("MAX_DB_CONNECTIONS", "10")
	viper.SetDefault("MIN_DB_CONNECTIONS", "2")
	viper.SetDefault("KAFKA_TOPIC", "ledger.records")
	viper.SetDefault("KAFKA_PARTITION", "4")
	viper.SetDefault("JWT_ISSUER", "ledger-core")
	viper.SetDefault("OP_RATE_LIMIT", "0")
	viper.SetDefault("OP_RATE_BURST", "10")

	// Optional: Read from config.yaml if exists
	if gin.ReleaseMode == gin.Mode() {
		viper.SetConfigName("config.prod")
	} else if gin.TestMode == gin.Mode() {
		logger.Warn("running in test mode")
		viper.SetConfigName("config.test")
	} else {
		logger.Warn("running in development mode")
		viper.SetConfigName("config.dev")
	}
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	_ = viper.ReadInConfig() // Ignore if no file

	var cfg Config
	if err := utils.ParseStructEnv(&cfg); err != nil {
		return nil, err
	}
	// Validate after unmarshal
	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, utils.FormatConfigErrors(logger, err, cfg)
	}
	return &cfg, nil
}
