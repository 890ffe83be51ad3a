package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Real-time chat sync client",
	Long: `chatsync keeps a live connection to the chat backend, loads the
conversation list and applies pushed events until interrupted.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return runEngine(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().String("ws-url", "", "websocket endpoint (overrides server.websocket_url)")
	rootCmd.PersistentFlags().String("rest-url", "", "REST base URL (overrides server.rest_base_url)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides log.level)")
	rootCmd.Flags().String("user", "", "user id (overrides session.user_id)")
	rootCmd.Flags().String("token", "", "access token (overrides session.access_token)")

	rootCmd.AddCommand(tokenCmd)
}

// loadConfig reads the configuration and applies command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	overrides := map[string]*string{
		"ws-url":    &cfg.Server.WebSocketURL,
		"rest-url":  &cfg.Server.RESTBaseURL,
		"log-level": &cfg.Log.Level,
		"user":      &cfg.Session.UserID,
		"token":     &cfg.Session.AccessToken,
	}
	for name, target := range overrides {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			flag = cmd.InheritedFlags().Lookup(name)
		}
		if flag != nil && flag.Changed {
			*target = flag.Value.String()
		}
	}
	return cfg, nil
}
