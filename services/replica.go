package services

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	appConfig "backapp-server/config"
)

// Replica 异地副本存储，本地文件落盘后再上传一份
type Replica interface {
	Upload(ctx context.Context, key, localPath string) error
	Delete(ctx context.Context, key string) error
	GetStorageType() string
}

// NewReplica 根据配置创建副本存储，未启用时返回 nil
func NewReplica(cfg *appConfig.ReplicaConfig) (Replica, error) {
	if !cfg.IsS3Enabled() {
		return nil, nil
	}
	replica, err := NewS3Replica(cfg)
	if err != nil {
		return nil, err
	}
	return replica, nil
}

// ReplicaKey 副本对象键：<存储位置名>/<相对存储根目录的路径>，迁移存储位置后保持不变
func ReplicaKey(locationName, basePath, localPath string) (string, error) {
	rel, err := filepath.Rel(basePath, localPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", &PathEscapeError{Path: localPath}
	}
	return path.Join(sanitizeSegment(locationName), filepath.ToSlash(rel)), nil
}

// ═══════════════════════════════════════════════════════════════
// S3副本实现
// ═══════════════════════════════════════════════════════════════

type S3Replica struct {
	client *s3.Client
	bucket string
	prefix string
}

func NewS3Replica(cfg *appConfig.ReplicaConfig) (*S3Replica, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKey,
				cfg.S3SecretKey,
				"",
			),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("加载AWS配置失败: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// 自定义endpoint（支持MinIO等）
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	log.Info().Msgf("✅ S3 副本已启用: bucket=%s", cfg.S3Bucket)
	return &S3Replica{
		client: client,
		bucket: cfg.S3Bucket,
		prefix: strings.Trim(cfg.S3Prefix, "/"),
	}, nil
}

func (s *S3Replica) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3Replica) Upload(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	s3Key := s.objectKey(key)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s3Key),
		Body:          f,
		ContentType:   aws.String("application/octet-stream"),
		ContentLength: aws.Int64(info.Size()),
		Metadata: map[string]string{
			"original-filename": filepath.Base(localPath),
			"upload-time":       time.Now().Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("上传到S3失败 [bucket=%s, key=%s]: %w", s.bucket, s3Key, err)
	}
	return nil
}

func (s *S3Replica) Delete(ctx context.Context, key string) error {
	s3Key := s.objectKey(key)
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		return fmt.Errorf("从S3删除失败 [bucket=%s, key=%s]: %w", s.bucket, s3Key, err)
	}
	return nil
}

func (s *S3Replica) GetStorageType() string { return "s3" }
