package config

import (
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	ServerPort string
	JWTSecret  string
	DBPath     string
	TestMode   bool

	// 备份执行
	TransferConcurrency     int
	ConnectTimeout          time.Duration
	TransferTimeout         time.Duration
	CommandTimeout          time.Duration
	RunPostCommandsOnCancel bool

	// 保留策略清理
	RetentionCron   string
	ImpactPathLimit int

	LogLevel string
	LogJSON  bool
}

var (
	config     *Config
	configOnce sync.Once
	env        *viper.Viper
	envOnce    sync.Once
)

// GetConfig 获取配置
func GetConfig() *Config {
	configOnce.Do(func() {
		config = Load()

		log.Info().
			Str("port", config.ServerPort).
			Str("db", config.DBPath).
			Bool("test_mode", config.TestMode).
			Msg("Config loaded")
	})
	return config
}

// Load 从环境变量（以及可选的 .env 文件）读取配置
func Load() *Config {
	v := environment()
	return &Config{
		ServerPort: v.GetString("SERVER_PORT"),
		JWTSecret:  v.GetString("JWT_SECRET"),
		// 使用绝对路径，方便 Docker 挂载
		DBPath:   v.GetString("DB_PATH"),
		TestMode: v.GetBool("TEST_MODE"),

		TransferConcurrency:     positive(v.GetInt("TRANSFER_CONCURRENCY"), 4),
		ConnectTimeout:          v.GetDuration("SSH_CONNECT_TIMEOUT"),
		TransferTimeout:         v.GetDuration("TRANSFER_TIMEOUT"),
		CommandTimeout:          v.GetDuration("COMMAND_TIMEOUT"),
		RunPostCommandsOnCancel: v.GetBool("RUN_POST_COMMANDS_ON_CANCEL"),

		RetentionCron:   v.GetString("RETENTION_CRON"),
		ImpactPathLimit: positive(v.GetInt("IMPACT_PATH_LIMIT"), 100),

		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		LogJSON:  v.GetBool("LOG_JSON"),
	}
}

func environment() *viper.Viper {
	envOnce.Do(func() {
		// .env 不存在时忽略
		_ = godotenv.Load()

		env = viper.New()
		env.AutomaticEnv()

		env.SetDefault("SERVER_PORT", "3001")
		env.SetDefault("JWT_SECRET", "")
		env.SetDefault("DB_PATH", "/app/data/backapp.db")
		env.SetDefault("TEST_MODE", false)
		env.SetDefault("TRANSFER_CONCURRENCY", 4)
		env.SetDefault("SSH_CONNECT_TIMEOUT", "10s")
		env.SetDefault("TRANSFER_TIMEOUT", "30m")
		env.SetDefault("COMMAND_TIMEOUT", "10m")
		env.SetDefault("RUN_POST_COMMANDS_ON_CANCEL", false)
		env.SetDefault("RETENTION_CRON", "0 0 * * * *") // 每小时整点
		env.SetDefault("IMPACT_PATH_LIMIT", 100)
		env.SetDefault("LOG_LEVEL", "info")
		env.SetDefault("LOG_JSON", false)

		env.SetDefault("LOG_STORAGE_TYPE", "sqlite")
		env.SetDefault("CLICKHOUSE_HOST", "localhost")
		env.SetDefault("CLICKHOUSE_PORT", 9000)
		env.SetDefault("CLICKHOUSE_DB", "backapp_logs")
		env.SetDefault("CLICKHOUSE_USER", "backapp")
		env.SetDefault("CLICKHOUSE_PASSWORD", "backapp")

		env.SetDefault("BACKUP_REPLICA_TYPE", "none")
		env.SetDefault("S3_REGION", "us-east-1")
	})
	return env
}

func getEnv(key string) string {
	return environment().GetString(key)
}

func positive(value, defaultValue int) int {
	if value <= 0 {
		log.Warn().Msgf("Warning: invalid value %d, using default %d", value, defaultValue)
		return defaultValue
	}
	return value
}
