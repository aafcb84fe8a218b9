package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/storyloom/storyloom/core/agent"
	sdk "github.com/storyloom/storyloom/sdk/client"
)

func newStartCommand(ctx *commandContext) *cobra.Command {
	var req sdk.StartJobRequest
	var tags string

	cmd := &cobra.Command{
		Use:   "start <prompt>",
		Short: "Start a story job",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			req.Prompt = strings.Join(args, " ")
			req.Tags = splitComma(tags)
			handle, err := client.StartJob(cmd.Context(), &req)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, handle)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"Thread", "Run"},
				[][]string{{handle.ThreadID, handle.AgentRunID}},
				nil,
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&req.StoryLength, "length", "", "Story length (short, medium, long)")
	cmd.Flags().StringVar(&req.AgeGroup, "age-group", "", "Target age group")
	cmd.Flags().StringVar(&req.StoryType, "type", "", "Story type")
	cmd.Flags().StringVar(&tags, "tags", "", "Comma-separated tags")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <thread-id> <agent-run-id>",
		Short: "Show the current status of a story job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			st, err := client.JobStatus(cmd.Context(), agent.JobHandle{ThreadID: args[0], AgentRunID: args[1]})
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, st)
			}
			printJobStatus(cmd, st)
			return nil
		},
	}
}

func newWaitCommand(ctx *commandContext) *cobra.Command {
	var interval time.Duration
	var maxAttempts int

	cmd := &cobra.Command{
		Use:   "wait <thread-id> <agent-run-id>",
		Short: "Poll a story job until it completes or fails",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			handle := agent.JobHandle{ThreadID: args[0], AgentRunID: args[1]}
			opts := agent.PollOptions{
				Interval:    interval,
				MaxAttempts: maxAttempts,
				OnStatus: func(attempt int, st *agent.JobStatus) {
					if ctx.jsonOutput() || st.Status.Terminal() {
						return
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "attempt %d: %s %s\n", attempt, st.Status, formatProgress(st.Progress))
				},
			}
			st, err := client.WaitForJob(cmd.Context(), handle, opts)
			if err != nil {
				if errors.Is(err, agent.ErrTimeout) {
					return fmt.Errorf("job %s still %s after %d attempts", handle.AgentRunID, lastState(st), maxAttempts)
				}
				return err
			}
			if ctx.jsonOutput() {
				if err := writeJSON(cmd, st); err != nil {
					return err
				}
			} else {
				printJobStatus(cmd, st)
			}
			if st.Failed {
				return fmt.Errorf("job failed: %s", firstNonEmpty(st.Error, "no error message"))
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&interval, "interval", agent.DefaultPollInterval, "Delay between status checks")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", agent.DefaultPollMaxAttempts, "Maximum number of status checks")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your recent story jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			jobs, err := client.RecentJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, jobs)
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No recent jobs")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(
				[]string{"Run", "Thread", "Status", "Progress", "Created", "Prompt"},
				buildJobRows(jobs, shouldColorize(cmd.OutOrStdout())),
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of jobs to list")
	return cmd
}

func newInfoCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show gateway status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			status, err := client.GetStatus(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, status)
			}
			keys := make([]string, 0, len(status))
			for k := range status {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			rows := make([][]string, 0, len(keys))
			for _, k := range keys {
				rows = append(rows, []string{k, formatValue(status[k])})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
			return nil
		},
	}
}

func printJobStatus(cmd *cobra.Command, st *sdk.JobStatus) {
	colorize := shouldColorize(cmd.OutOrStdout())
	rows := [][]string{
		{"Status", stateLabel(st.Status, colorize)},
		{"Progress", formatProgress(st.Progress)},
	}
	if st.Error != "" {
		rows = append(rows, []string{"Error", st.Error})
	}
	fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Field", "Value"}, rows, nil))
	if st.Story != "" {
		fmt.Fprintln(cmd.OutOrStdout())
		fmt.Fprintln(cmd.OutOrStdout(), st.Story)
	}
}

func buildJobRows(jobs []sdk.JobRecord, colorize bool) [][]string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		created := "-"
		if !job.CreatedAt.IsZero() {
			created = job.CreatedAt.Local().Format("2006-01-02 15:04")
		}
		rows = append(rows, []string{
			job.AgentRunID,
			job.ThreadID,
			stateLabel(job.Status, colorize),
			formatProgress(job.Progress),
			created,
			truncateText(job.Prompt, 40),
		})
	}
	return rows
}

func formatProgress(p *float64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatFloat(*p, 'f', -1, 64) + "%"
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, formatValue(item))
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+formatValue(t[k]))
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprint(t)
	}
}

func truncateText(s string, limit int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit-1]) + "…"
}

func lastState(st *sdk.JobStatus) string {
	if st == nil {
		return "unknown"
	}
	return string(st.Status)
}

func splitComma(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
