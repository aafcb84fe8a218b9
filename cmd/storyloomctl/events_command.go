package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/storyloom/storyloom/core/infra/bus"
)

const envNatsURL = "NATS_URL"

func newEventsCommand(ctx *commandContext) *cobra.Command {
	var natsURL, runID string

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail job lifecycle events from the event bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			nb, err := bus.NewNatsBus(natsURL)
			if err != nil {
				return err
			}
			defer nb.Close()

			events := make(chan bus.JobEvent, 64)
			sub, err := nb.SubscribeJobEvents("", func(evt bus.JobEvent) {
				if runID != "" && evt.AgentRunID != runID {
					return
				}
				// A stalled terminal drops events instead of blocking the NATS reader.
				select {
				case events <- evt:
				default:
				}
			})
			if err != nil {
				return err
			}
			defer func() { _ = sub.Unsubscribe() }()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			for {
				select {
				case <-runCtx.Done():
					return nil
				case evt := <-events:
					if ctx.jsonOutput() {
						if err := writeJSON(cmd, evt); err != nil {
							return err
						}
						continue
					}
					fmt.Fprintln(cmd.OutOrStdout(), formatEvent(evt))
				}
			}
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats-url", envOr(envNatsURL, "nats://localhost:4222"), "NATS server URL")
	cmd.Flags().StringVar(&runID, "run", "", "Only show events for this agent run id")
	return cmd
}

func formatEvent(evt bus.JobEvent) string {
	parts := []string{
		evt.Time.Local().Format("15:04:05"),
		string(evt.Type),
		evt.AgentRunID,
	}
	if evt.Status != "" {
		parts = append(parts, string(evt.Status))
	}
	if evt.Progress != nil {
		parts = append(parts, formatProgress(evt.Progress))
	}
	if evt.Error != "" {
		parts = append(parts, "error="+evt.Error)
	}
	return strings.Join(parts, " ")
}
