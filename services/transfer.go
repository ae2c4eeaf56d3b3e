package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"backapp-server/models"
)

// TransferStats 文件传输统计
type TransferStats struct {
	Attempted int
	Succeeded int
	Failed    int
	Bytes     int64
}

func (s *TransferStats) add(o TransferStats) {
	s.Attempted += o.Attempted
	s.Succeeded += o.Succeeded
	s.Failed += o.Failed
	s.Bytes += o.Bytes
}

// TransferEngine 把远程文件复制到存储位置并记录 BackupFile
type TransferEngine struct {
	db          *gorm.DB
	session     RemoteSession
	resolver    *NamingResolver
	location    *models.StorageLocation
	runID       uint
	concurrency int
	timeout     time.Duration
	replica     Replica
	logger      *RunLogger

	mu      sync.Mutex
	claimed map[string]bool
}

// TransferOptions 传输参数
type TransferOptions struct {
	Concurrency int
	Timeout     time.Duration
	Replica     Replica
}

// NewTransferEngine 创建一次执行的传输引擎
func NewTransferEngine(db *gorm.DB, session RemoteSession, resolver *NamingResolver, location *models.StorageLocation, runID uint, opts TransferOptions, logger *RunLogger) *TransferEngine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &TransferEngine{
		db:          db,
		session:     session,
		resolver:    resolver,
		location:    location,
		runID:       runID,
		concurrency: opts.Concurrency,
		timeout:     opts.Timeout,
		replica:     opts.Replica,
		logger:      logger,
		claimed:     make(map[string]bool),
	}
}

// TransferRule 枚举并传输一条文件规则，单个文件失败不会中止其余文件；
// 只有 ctx 被取消或枚举根路径失败时返回错误
func (e *TransferEngine) TransferRule(ctx context.Context, rule models.FileRule) (TransferStats, error) {
	var (
		stats   TransferStats
		statsMu sync.Mutex
	)
	record := func(s TransferStats) {
		statsMu.Lock()
		stats.add(s)
		statsMu.Unlock()
	}

	sem := semaphore.NewWeighted(int64(e.concurrency))
	g, gctx := errgroup.WithContext(ctx)

	enum := NewRemoteEnumerator(e.session, func(msg string) { e.logger.Warn("%s", msg) })
	walkErr := enum.Walk(gctx, rule, func(entry RemoteEntry) error {
		if err := sem.Acquire(gctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			record(e.transferOne(gctx, rule, entry))
			return nil
		})
		return nil
	})

	// 所有已启动的传输完成后才返回
	waitErr := g.Wait()

	if walkErr != nil {
		var notFound *RemoteNotFoundError
		if errors.As(walkErr, &notFound) {
			e.logger.Warn("文件规则 %s: %v", rule.RemotePath, walkErr)
			stats.Attempted++
			stats.Failed++
			return stats, nil
		}
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		e.logger.Error("文件规则 %s 枚举失败: %v", rule.RemotePath, walkErr)
		stats.Attempted++
		stats.Failed++
		return stats, nil
	}
	if waitErr != nil {
		return stats, waitErr
	}
	return stats, ctx.Err()
}

func (e *TransferEngine) transferOne(ctx context.Context, rule models.FileRule, entry RemoteEntry) TransferStats {
	if ctx.Err() != nil {
		return TransferStats{}
	}

	localPath, err := e.resolver.LocalPath(e.location.BasePath, RemoteFile{Path: entry.Path, RuleRoot: entry.RuleRoot})
	if err != nil {
		e.logger.Error("%v", &TransferError{RemotePath: entry.Path, Err: err})
		return TransferStats{Attempted: 1, Failed: 1}
	}

	if !e.claim(localPath) {
		e.logger.Warn("跳过重复文件 %s（目标 %s 已被本次执行写入）", entry.Path, localPath)
		return TransferStats{}
	}

	size, err := e.copyFile(ctx, entry.Path, localPath)
	if err != nil {
		e.logger.Error("%v", &TransferError{RemotePath: entry.Path, Err: err})
		return TransferStats{Attempted: 1, Failed: 1}
	}

	file := models.BackupFile{
		BackupRunID: e.runID,
		FileRuleID:  rule.ID,
		RemotePath:  entry.Path,
		LocalPath:   localPath,
		SizeBytes:   size,
	}
	if e.replica != nil {
		file.ReplicaKey = e.uploadReplica(ctx, localPath)
	}

	if err := e.db.Create(&file).Error; err != nil {
		os.Remove(localPath)
		e.logger.Error("%v", &TransferError{RemotePath: entry.Path, Err: fmt.Errorf("记录文件失败: %w", err)})
		return TransferStats{Attempted: 1, Failed: 1}
	}

	e.logger.Debug("已传输 %s -> %s (%d bytes)", entry.Path, localPath, size)
	return TransferStats{Attempted: 1, Succeeded: 1, Bytes: size}
}

func (e *TransferEngine) claim(localPath string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.claimed[localPath] {
		return false
	}
	e.claimed[localPath] = true
	return true
}

// copyFile 先写入临时文件再重命名，返回实际写入的字节数
func (e *TransferEngine) copyFile(ctx context.Context, remotePath, localPath string) (int64, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, fmt.Errorf("创建目录失败: %w", err)
	}

	src, err := e.session.Open(remotePath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	tmpPath := localPath + ".part-" + uuid.NewString()
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return 0, err
	}

	size, copyErr := io.Copy(dst, &contextReader{ctx: ctx, r: src})
	closeErr := dst.Close()
	if err := errors.Join(copyErr, closeErr); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	return size, nil
}

func (e *TransferEngine) uploadReplica(ctx context.Context, localPath string) string {
	key, err := ReplicaKey(e.location.Name, e.location.BasePath, localPath)
	if err != nil {
		e.logger.Warn("生成副本键失败: %v", err)
		return ""
	}
	if err := e.replica.Upload(ctx, key, localPath); err != nil {
		e.logger.Warn("上传副本失败: %v", err)
		return ""
	}
	return key
}

// contextReader 在每次读取前检查 ctx，使超时和取消能打断长时间的复制
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
