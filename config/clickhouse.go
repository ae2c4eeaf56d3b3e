package config

import (
	"strings"
)

type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

// GetClickHouseConfig 执行日志存储到 ClickHouse 时的连接配置
func GetClickHouseConfig() *ClickHouseConfig {
	logStorageType := strings.ToLower(getEnv("LOG_STORAGE_TYPE"))
	return &ClickHouseConfig{
		Enabled:  logStorageType == "clickhouse",
		Host:     getEnv("CLICKHOUSE_HOST"),
		Port:     environment().GetInt("CLICKHOUSE_PORT"),
		Database: getEnv("CLICKHOUSE_DB"),
		Username: getEnv("CLICKHOUSE_USER"),
		Password: getEnv("CLICKHOUSE_PASSWORD"),
	}
}

// IsClickHouseEnabled 是否启用 ClickHouse
func IsClickHouseEnabled() bool {
	return GetClickHouseConfig().Enabled
}
