package agent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/danmuck/edgecmd/internal/protocol"
	"github.com/danmuck/edgecmd/internal/tools"
)

const (
	noCommandText         = "No command provided"
	defaultTimeoutSeconds = 60
)

// Execute runs one dispatch and always returns its completion report.
func Execute(ctx context.Context, runner tools.CommandRunner, msg protocol.DispatchMessage) protocol.ResultMessage {
	shell := msg.Shell
	if shell == "" {
		shell = protocol.ShellAuto
	}
	meta := msg.Meta
	out := protocol.ResultMessage{
		Action:    protocol.ActionResult,
		RequestID: msg.RequestID,
		Shell:     shell,
		Command:   msg.Command,
		Meta:      &meta,
	}

	if strings.TrimSpace(msg.Command) == "" {
		errText := noCommandText
		exit := 1
		var duration int64
		out.Output = noCommandText
		out.Error = &errText
		out.ExitCode = &exit
		out.DurationMS = &duration
		return out
	}

	timeout := msg.TimeoutSeconds
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds
	}
	res := runner.Run(ctx, tools.Request{
		Command: msg.Command,
		Shell:   shell,
		Timeout: time.Duration(timeout) * time.Second,
	})

	exit := res.ExitCode
	duration := res.Duration.Milliseconds()
	out.Output = res.Output
	out.ExitCode = &exit
	out.DurationMS = &duration
	if res.Err != nil {
		errText := res.Err.Error()
		if errors.Is(res.Err, tools.ErrEmptyCommand) {
			errText = noCommandText
		}
		out.Error = &errText
	}
	return out
}
