package services

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"backapp-server/models"
)

type fakeFileInfo struct {
	name string
	size int64
	dir  bool
}

func (f fakeFileInfo) Name() string { return f.name }
func (f fakeFileInfo) Size() int64  { return f.size }
func (f fakeFileInfo) Mode() fs.FileMode {
	if f.dir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}
func (f fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (f fakeFileInfo) IsDir() bool        { return f.dir }
func (f fakeFileInfo) Sys() any           { return nil }

type fakeCommand struct {
	exitCode int
	output   string
	block    bool
}

// fakeRemote 内存中的远程主机
type fakeRemote struct {
	mu       sync.Mutex
	files    map[string]string
	dirs     map[string]bool
	denied   map[string]bool
	failOpen map[string]bool
	commands map[string]fakeCommand
	ran      []string
	opened   int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		files:    map[string]string{},
		dirs:     map[string]bool{"/": true},
		denied:   map[string]bool{},
		failOpen: map[string]bool{},
		commands: map[string]fakeCommand{},
	}
}

func (r *fakeRemote) addFile(p, content string) {
	r.files[p] = content
	for d := path.Dir(p); ; d = path.Dir(d) {
		r.dirs[d] = true
		if d == "/" {
			break
		}
	}
}

func (r *fakeRemote) ranCommands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

type fakeSession struct {
	remote *fakeRemote
	closed bool
	mu     sync.Mutex
}

func (s *fakeSession) Run(ctx context.Context, command, workDir string) (CommandResult, error) {
	s.remote.mu.Lock()
	s.remote.ran = append(s.remote.ran, workDir+"$ "+command)
	behavior := s.remote.commands[command]
	s.remote.mu.Unlock()

	if behavior.block {
		<-ctx.Done()
		return CommandResult{ExitCode: -1}, ctx.Err()
	}
	return CommandResult{ExitCode: behavior.exitCode, Output: behavior.output}, nil
}

func (s *fakeSession) Stat(p string) (fs.FileInfo, error) {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	if content, ok := s.remote.files[p]; ok {
		return fakeFileInfo{name: path.Base(p), size: int64(len(content))}, nil
	}
	if s.remote.dirs[p] {
		return fakeFileInfo{name: path.Base(p), dir: true}, nil
	}
	return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
}

func (s *fakeSession) ReadDir(dir string) ([]fs.FileInfo, error) {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	if s.remote.denied[dir] {
		return nil, &fs.PathError{Op: "readdir", Path: dir, Err: fs.ErrPermission}
	}
	if !s.remote.dirs[dir] {
		return nil, &fs.PathError{Op: "readdir", Path: dir, Err: fs.ErrNotExist}
	}

	prefix := strings.TrimSuffix(dir, "/") + "/"
	var out []fs.FileInfo
	for p, content := range s.remote.files {
		if rest, ok := strings.CutPrefix(p, prefix); ok && !strings.Contains(rest, "/") {
			out = append(out, fakeFileInfo{name: rest, size: int64(len(content))})
		}
	}
	for d := range s.remote.dirs {
		if rest, ok := strings.CutPrefix(d, prefix); ok && rest != "" && !strings.Contains(rest, "/") {
			out = append(out, fakeFileInfo{name: rest, dir: true})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

func (s *fakeSession) Open(p string) (io.ReadCloser, error) {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	s.remote.opened++
	if s.remote.failOpen[p] {
		return nil, errors.New("permission denied")
	}
	content, ok := s.remote.files[p]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeDialer 记录建立和关闭的会话
type fakeDialer struct {
	remote   *fakeRemote
	err      error
	mu       sync.Mutex
	sessions []*fakeSession
}

func (d *fakeDialer) Dial(ctx context.Context, server *models.Server) (RemoteSession, error) {
	if d.err != nil {
		return nil, &ConnectionError{Host: server.Host, Err: d.err}
	}
	s := &fakeSession{remote: d.remote}
	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDialer) allClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			return false
		}
	}
	return true
}
