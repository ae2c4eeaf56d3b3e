package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"backapp-server/models"
)

// CommandRunner 在远程主机上按阶段执行命令
type CommandRunner struct {
	session RemoteSession
	timeout time.Duration
	logger  *RunLogger
}

// NewCommandRunner 创建命令执行器，timeout 作用于单条命令
func NewCommandRunner(session RemoteSession, timeout time.Duration, logger *RunLogger) *CommandRunner {
	return &CommandRunner{session: session, timeout: timeout, logger: logger}
}

// StageCommands 过滤出指定阶段的命令并按 run_order 升序排列
func StageCommands(commands []models.Command, stage models.CommandStage) []models.Command {
	var out []models.Command
	for _, c := range commands {
		if c.RunStage == stage {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RunOrder < out[j].RunOrder })
	return out
}

// RunPre 依次执行前置命令，第一条失败的命令中止执行并返回 *CommandFailureError
func (r *CommandRunner) RunPre(ctx context.Context, commands []models.Command) error {
	for _, cmd := range StageCommands(commands, models.CommandStagePre) {
		if err := r.run(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// RunPost 依次执行后置命令，失败只记录警告并继续
func (r *CommandRunner) RunPost(ctx context.Context, commands []models.Command) []error {
	var warnings []error
	for _, cmd := range StageCommands(commands, models.CommandStagePost) {
		if err := r.run(ctx, cmd); err != nil {
			r.logger.Warn("后置命令失败: %v", err)
			warnings = append(warnings, err)
		}
	}
	return warnings
}

func (r *CommandRunner) run(ctx context.Context, cmd models.Command) error {
	workDir := strings.TrimSpace(cmd.WorkingDirectory)
	if workDir == "" {
		workDir = "/"
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	r.logger.Info("执行%s命令 #%d (%s): %s", stageLabel(cmd.RunStage), cmd.RunOrder, workDir, cmd.Command)
	start := time.Now()
	result, err := r.session.Run(ctx, cmd.Command, workDir)
	if err != nil || result.ExitCode != 0 {
		failure := &CommandFailureError{
			Command:  cmd.Command,
			Stage:    string(cmd.RunStage),
			ExitCode: result.ExitCode,
			Output:   result.Output,
			Err:      err,
		}
		if errors.Is(err, context.DeadlineExceeded) {
			failure.Output = strings.TrimSpace(result.Output + "\ncommand timed out")
		}
		return failure
	}

	if out := strings.TrimSpace(result.Output); out != "" {
		r.logger.Debug("命令输出: %s", out)
	}
	r.logger.Info("命令完成，耗时 %s", time.Since(start).Round(time.Millisecond))
	return nil
}

func stageLabel(stage models.CommandStage) string {
	if stage == models.CommandStagePost {
		return "后置"
	}
	return "前置"
}
