package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backapp-server/models"
)

func collect(t *testing.T, remote *fakeRemote, rule models.FileRule) ([]string, []string, error) {
	t.Helper()
	var (
		paths    []string
		warnings []string
	)
	enum := NewRemoteEnumerator(&fakeSession{remote: remote}, func(msg string) {
		warnings = append(warnings, msg)
	})
	err := enum.Walk(context.Background(), rule, func(e RemoteEntry) error {
		paths = append(paths, e.Path)
		return nil
	})
	return paths, warnings, err
}

func TestRemoteEnumerator_SingleFile(t *testing.T) {
	remote := newFakeRemote()
	remote.addFile("/etc/hosts", "127.0.0.1 localhost")

	paths, _, err := collect(t, remote, models.FileRule{RemotePath: "/etc/hosts"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/etc/hosts"}, paths)
}

func TestRemoteEnumerator_MissingPath(t *testing.T) {
	_, _, err := collect(t, newFakeRemote(), models.FileRule{RemotePath: "/nope"})
	var notFound *RemoteNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "/nope", notFound.Path)
}

func TestRemoteEnumerator_DirectoryNonRecursiveYieldsDirectFiles(t *testing.T) {
	remote := newFakeRemote()
	remote.addFile("/data/a.txt", "a")
	remote.addFile("/data/b.txt", "b")
	remote.addFile("/data/sub/c.txt", "c")

	paths, _, err := collect(t, remote, models.FileRule{RemotePath: "/data"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/a.txt", "/data/b.txt"}, paths)
}

func TestRemoteEnumerator_RecursiveSkipsUnlistableDirectories(t *testing.T) {
	remote := newFakeRemote()
	remote.addFile("/data/a.txt", "a")
	remote.addFile("/data/private/secret.txt", "s")
	remote.addFile("/data/sub/deep/c.txt", "c")
	remote.denied["/data/private"] = true

	paths, warnings, err := collect(t, remote, models.FileRule{RemotePath: "/data", Recursive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/a.txt", "/data/sub/deep/c.txt"}, paths)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "/data/private")
}

func TestRemoteEnumerator_ExcludePattern(t *testing.T) {
	remote := newFakeRemote()
	remote.addFile("/logs/app.log", "x")
	remote.addFile("/logs/app.log.gz", "x")
	remote.addFile("/logs/tmp/cache.bin", "x")

	paths, _, err := collect(t, remote, models.FileRule{RemotePath: "/logs", Recursive: true, ExcludePattern: "*.gz, tmp"})
	require.NoError(t, err)
	assert.Equal(t, []string{"/logs/app.log"}, paths)
}

func TestRemoteEnumerator_StopsOnCallbackError(t *testing.T) {
	remote := newFakeRemote()
	remote.addFile("/d/1", "x")
	remote.addFile("/d/2", "x")

	stop := errors.New("stop")
	calls := 0
	enum := NewRemoteEnumerator(&fakeSession{remote: remote}, nil)
	err := enum.Walk(context.Background(), models.FileRule{RemotePath: "/d"}, func(RemoteEntry) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
