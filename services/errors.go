package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProfileBusy 同一备份配置已有执行在进行中
	ErrProfileBusy = errors.New("备份配置正在执行中")
	// ErrStorageLocationBusy 存储位置正在迁移或正被备份写入
	ErrStorageLocationBusy = errors.New("存储位置正忙")
	// ErrStorageLocationInUse 存储位置仍被备份配置引用
	ErrStorageLocationInUse = errors.New("存储位置仍被备份配置引用")
	// ErrNamingRuleInUse 命名规则仍被备份配置引用
	ErrNamingRuleInUse = errors.New("命名规则仍被备份配置引用")
	// ErrRunNotActive 备份执行不在进行中
	ErrRunNotActive = errors.New("备份执行不在进行中")
	// ErrRunActive 备份执行尚未结束
	ErrRunActive = errors.New("备份执行尚未结束")
	// ErrProfileDisabled 备份配置已禁用
	ErrProfileDisabled = errors.New("备份配置已禁用")
	// ErrInvalidInput 请求参数不合法
	ErrInvalidInput = errors.New("invalid input")
)

// invalidf 包装为 ErrInvalidInput
func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// ConnectionError 无法连接或认证远程主机，对整个执行是致命的
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("连接 %s 失败: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RemoteNotFoundError 远程路径不存在
type RemoteNotFoundError struct {
	Path string
}

func (e *RemoteNotFoundError) Error() string {
	return fmt.Sprintf("远程路径不存在: %s", e.Path)
}

// CommandFailureError 远程命令返回非零退出码
type CommandFailureError struct {
	Command  string
	Stage    string
	ExitCode int
	Output   string
	Err      error
}

func (e *CommandFailureError) Error() string {
	msg := fmt.Sprintf("%s 命令执行失败 (exit %d): %s", e.Stage, e.ExitCode, e.Command)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

func (e *CommandFailureError) Unwrap() error { return e.Err }

// TransferError 单个文件传输失败
type TransferError struct {
	RemotePath string
	Err        error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("传输 %s 失败: %v", e.RemotePath, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// InvalidPatternError 命名规则无法解析
type InvalidPatternError struct {
	Pattern string
	Reason  string
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("命名规则无效 %q: %s", e.Pattern, e.Reason)
}

// PathEscapeError 解析后的路径超出存储位置
type PathEscapeError struct {
	Path string
}

func (e *PathEscapeError) Error() string {
	return fmt.Sprintf("路径超出存储位置: %s", e.Path)
}

// MoveConflictError 新路径与其他存储位置重叠
type MoveConflictError struct {
	NewPath         string
	ConflictingPath string
}

func (e *MoveConflictError) Error() string {
	return fmt.Sprintf("新路径 %s 与存储位置 %s 重叠", e.NewPath, e.ConflictingPath)
}

// MovePartialFailureError 部分文件迁移失败，列出尚未迁移的文件
type MovePartialFailureError struct {
	NotMoved []string
	Errs     []error
}

func (e *MovePartialFailureError) Error() string {
	return fmt.Sprintf("%d 个文件迁移失败: %v", len(e.NotMoved), errors.Join(e.Errs...))
}

func (e *MovePartialFailureError) Unwrap() []error { return e.Errs }
