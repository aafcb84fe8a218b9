package main

import (
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"github.com/storyloom/storyloom/core/agent"
)

func stateLabel(state agent.State, colorize bool) string {
	label := string(state)
	if label == "" {
		label = string(agent.StateUnknown)
	}
	if !colorize {
		return label
	}
	switch state {
	case agent.StateCompleted:
		return text.FgGreen.Sprint(label)
	case agent.StateFailed:
		return text.FgRed.Sprint(label)
	case agent.StateRunning, agent.StatePending:
		return text.FgYellow.Sprint(label)
	default:
		return text.FgBlue.Sprint(label)
	}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
