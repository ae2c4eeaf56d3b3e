package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"backapp-server/models"
)

func TestStageCommands_OrdersByRunOrder(t *testing.T) {
	cmds := []models.Command{
		{Command: "b", RunStage: models.CommandStagePre, RunOrder: 2},
		{Command: "post", RunStage: models.CommandStagePost, RunOrder: 1},
		{Command: "a", RunStage: models.CommandStagePre, RunOrder: 1},
	}

	pre := StageCommands(cmds, models.CommandStagePre)
	require.Len(t, pre, 2)
	assert.Equal(t, "a", pre[0].Command)
	assert.Equal(t, "b", pre[1].Command)
}

func TestCommandRunner_PreStopsAtFirstFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.commands["pg_dump"] = fakeCommand{exitCode: 2, output: "connection refused"}
	runner := NewCommandRunner(&fakeSession{remote: remote}, time.Second, NewRunLogger(nil, 1))

	err := runner.RunPre(context.Background(), []models.Command{
		{Command: "echo start", RunStage: models.CommandStagePre, RunOrder: 1},
		{Command: "pg_dump", RunStage: models.CommandStagePre, RunOrder: 2, WorkingDirectory: "/var/lib"},
		{Command: "never", RunStage: models.CommandStagePre, RunOrder: 3},
	})

	var failure *CommandFailureError
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, 2, failure.ExitCode)
	assert.Contains(t, failure.Error(), "connection refused")
	assert.Equal(t, []string{"/$ echo start", "/var/lib$ pg_dump"}, remote.ranCommands())
}

func TestCommandRunner_PostFailuresAreWarnings(t *testing.T) {
	remote := newFakeRemote()
	remote.commands["cleanup"] = fakeCommand{exitCode: 1}
	runner := NewCommandRunner(&fakeSession{remote: remote}, time.Second, NewRunLogger(nil, 1))

	warnings := runner.RunPost(context.Background(), []models.Command{
		{Command: "cleanup", RunStage: models.CommandStagePost, RunOrder: 1},
		{Command: "notify", RunStage: models.CommandStagePost, RunOrder: 2},
	})

	assert.Len(t, warnings, 1)
	assert.Equal(t, []string{"/$ cleanup", "/$ notify"}, remote.ranCommands())
}

func TestCommandRunner_Timeout(t *testing.T) {
	remote := newFakeRemote()
	remote.commands["sleep 100"] = fakeCommand{block: true}
	runner := NewCommandRunner(&fakeSession{remote: remote}, 20*time.Millisecond, NewRunLogger(nil, 1))

	err := runner.RunPre(context.Background(), []models.Command{
		{Command: "sleep 100", RunStage: models.CommandStagePre, RunOrder: 1},
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
