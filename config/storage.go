// config/storage.go
package config

import (
	"fmt"
	"strings"
)

// ReplicaConfig 异地副本配置
type ReplicaConfig struct {
	Type        string // none 或 s3
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3Bucket    string
	S3Endpoint  string // 可选，支持MinIO
	S3Prefix    string
}

// LoadReplicaConfig 从环境变量加载副本配置
func LoadReplicaConfig() *ReplicaConfig {
	return &ReplicaConfig{
		Type:        strings.ToLower(getEnv("BACKUP_REPLICA_TYPE")),
		S3AccessKey: getEnv("S3_ACCESS_KEY"),
		S3SecretKey: getEnv("S3_SECRET_KEY"),
		S3Region:    getEnv("S3_REGION"),
		S3Bucket:    getEnv("S3_BUCKET"),
		S3Endpoint:  getEnv("S3_ENDPOINT"), // 支持MinIO等
		S3Prefix:    getEnv("S3_PREFIX"),
	}
}

// Validate 验证配置
func (c *ReplicaConfig) Validate() error {
	if c.IsS3Enabled() {
		if c.S3AccessKey == "" {
			return fmt.Errorf("S3_ACCESS_KEY 未设置")
		}
		if c.S3SecretKey == "" {
			return fmt.Errorf("S3_SECRET_KEY 未设置")
		}
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET 未设置")
		}
	}
	return nil
}

// IsS3Enabled 是否启用S3副本
func (c *ReplicaConfig) IsS3Enabled() bool {
	return c.Type == "s3"
}
