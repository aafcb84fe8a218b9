package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	sdk "github.com/storyloom/storyloom/sdk/client"
)

const (
	defaultGateway = "http://localhost:8081"
	envGateway     = "STORYLOOM_GATEWAY"
	envToken       = "STORYLOOM_TOKEN"
)

type commandContext struct {
	gatewayFlag *string
	tokenFlag   *string
	jsonFlag    *bool
}

func (c *commandContext) client() (*sdk.Client, error) {
	gateway := strings.TrimSpace(*c.gatewayFlag)
	if gateway == "" {
		gateway = envOr(envGateway, defaultGateway)
	}
	token := strings.TrimSpace(*c.tokenFlag)
	if token == "" {
		token = strings.TrimSpace(os.Getenv(envToken))
	}
	if token == "" {
		return nil, fmt.Errorf("access token required (use --token or %s)", envToken)
	}
	return sdk.New(gateway, token), nil
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func newRootCommand() *cobra.Command {
	var gatewayFlag, tokenFlag string
	var jsonFlag bool
	ctx := &commandContext{gatewayFlag: &gatewayFlag, tokenFlag: &tokenFlag, jsonFlag: &jsonFlag}

	rootCmd := &cobra.Command{
		Use:           "storyloomctl",
		Short:         "Start and follow story jobs through the storyloom gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&gatewayFlag, "gateway", "", "Gateway base URL (default $"+envGateway+" or "+defaultGateway+")")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Bearer access token (default $"+envToken+")")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Output JSON")

	rootCmd.AddCommand(newStartCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newWaitCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newInfoCommand(ctx))
	rootCmd.AddCommand(newEventsCommand(ctx))

	return rootCmd
}
