package services

import (
	"archive/tar"
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"backapp-server/models"
)

// ArchiveFormat 下载归档格式
type ArchiveFormat string

const (
	ArchiveTarGz  ArchiveFormat = "tar.gz"
	ArchiveTarZst ArchiveFormat = "tar.zst"
)

// ParseArchiveFormat 解析格式参数，空字符串为 tar.gz
func ParseArchiveFormat(s string) (ArchiveFormat, error) {
	switch ArchiveFormat(s) {
	case "", ArchiveTarGz:
		return ArchiveTarGz, nil
	case ArchiveTarZst:
		return ArchiveTarZst, nil
	}
	return "", invalidf("不支持的归档格式: %s", s)
}

// ContentType 响应的 Content-Type
func (f ArchiveFormat) ContentType() string {
	if f == ArchiveTarZst {
		return "application/zstd"
	}
	return "application/gzip"
}

// RunArchive 一次执行中未删除文件的归档
type RunArchive struct {
	Run   models.BackupRun
	Files []models.BackupFile
}

// LoadRunArchive 加载执行记录及其未删除的文件
func LoadRunArchive(ctx context.Context, db *gorm.DB, runID uint) (*RunArchive, error) {
	var run models.BackupRun
	if err := db.WithContext(ctx).First(&run, runID).Error; err != nil {
		return nil, err
	}
	var files []models.BackupFile
	err := db.WithContext(ctx).
		Where("backup_run_id = ? AND deleted = ?", runID, false).
		Order("local_path ASC").
		Find(&files).Error
	if err != nil {
		return nil, err
	}
	return &RunArchive{Run: run, Files: files}, nil
}

// FileName 下载文件名
func (a *RunArchive) FileName(format ArchiveFormat) string {
	return fmt.Sprintf("backup-run-%d.%s", a.Run.ID, format)
}

// Write 以流的方式写出归档，磁盘上缺失的文件跳过
func (a *RunArchive) Write(ctx context.Context, w io.Writer, format ArchiveFormat) error {
	buf := bufio.NewWriterSize(w, 256*1024)

	var compressed io.WriteCloser
	switch format {
	case ArchiveTarZst:
		zw, err := zstd.NewWriter(buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("创建 zstd 压缩器失败: %w", err)
		}
		compressed = zw
	default:
		gw, err := pgzip.NewWriterLevel(buf, pgzip.DefaultCompression)
		if err != nil {
			return fmt.Errorf("创建 gzip 压缩器失败: %w", err)
		}
		compressed = gw
	}

	tw := tar.NewWriter(compressed)
	for _, file := range a.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.addFile(tw, file); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := compressed.Close(); err != nil {
		return err
	}
	return buf.Flush()
}

func (a *RunArchive) addFile(tw *tar.Writer, file models.BackupFile) error {
	f, err := os.Open(file.LocalPath)
	if os.IsNotExist(err) {
		log.Warn().Uint("run_id", a.Run.ID).Msgf("⚠️ 归档时文件不存在，已跳过: %s", file.LocalPath)
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = a.entryName(file)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func (a *RunArchive) entryName(file models.BackupFile) string {
	if a.Run.LocalBackupPath != "" && isWithin(a.Run.LocalBackupPath, file.LocalPath) {
		if rel, err := filepath.Rel(a.Run.LocalBackupPath, file.LocalPath); err == nil {
			return filepath.ToSlash(rel)
		}
	}
	return fmt.Sprintf("%d-%s", file.ID, filepath.Base(file.LocalPath))
}
