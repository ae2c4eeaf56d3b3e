package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"backapp-server/models"
)

// RemoteEntry 枚举得到的远程文件
type RemoteEntry struct {
	Path     string
	Size     int64
	RuleRoot string
}

// RemoteEnumerator 把文件规则展开为具体的远程文件
type RemoteEnumerator struct {
	session RemoteSession
	// Warn 记录被跳过的目录等非致命问题
	Warn func(msg string)
}

// NewRemoteEnumerator 创建枚举器
func NewRemoteEnumerator(session RemoteSession, warn func(string)) *RemoteEnumerator {
	if warn == nil {
		warn = func(string) {}
	}
	return &RemoteEnumerator{session: session, Warn: warn}
}

// Walk 按深度优先顺序逐个回调文件，fn 返回错误时停止遍历
func (e *RemoteEnumerator) Walk(ctx context.Context, rule models.FileRule, fn func(RemoteEntry) error) error {
	excludes, err := parseExcludes(rule.ExcludePattern)
	if err != nil {
		return err
	}

	root := path.Clean("/" + strings.TrimSpace(rule.RemotePath))
	info, err := e.session.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &RemoteNotFoundError{Path: root}
		}
		return fmt.Errorf("stat %s: %w", root, err)
	}

	if !info.IsDir() {
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%s 不是普通文件", root)
		}
		return fn(RemoteEntry{Path: root, Size: info.Size(), RuleRoot: root})
	}

	w := &walker{enum: e, root: root, recursive: rule.Recursive, excludes: excludes, fn: fn}
	return w.walkDir(ctx, root)
}

type walker struct {
	enum      *RemoteEnumerator
	root      string
	recursive bool
	excludes  []string
	fn        func(RemoteEntry) error
}

func (w *walker) walkDir(ctx context.Context, dir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	entries, err := w.enum.session.ReadDir(dir)
	if err != nil {
		if dir == w.root {
			return fmt.Errorf("无法读取目录 %s: %w", dir, err)
		}
		w.enum.Warn(fmt.Sprintf("跳过无法读取的目录 %s: %v", dir, err))
		return nil
	}

	for _, entry := range entries {
		if excluded(w.excludes, entry.Name()) {
			continue
		}
		p := path.Join(dir, entry.Name())

		switch {
		case entry.IsDir():
			if !w.recursive {
				continue
			}
			if err := w.walkDir(ctx, p); err != nil {
				return err
			}
		case entry.Mode().IsRegular():
			if err := w.fn(RemoteEntry{Path: p, Size: entry.Size(), RuleRoot: w.root}); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseExcludes 逗号分隔的文件名通配符
func parseExcludes(raw string) ([]string, error) {
	var patterns []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := path.Match(p, ""); err != nil {
			return nil, &InvalidPatternError{Pattern: p, Reason: err.Error()}
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

func excluded(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}
