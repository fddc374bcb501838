// Command portalchat is the terminal client for the portal's chat. The bare
// command opens the interactive screen; subcommands cover one-shot use from
// scripts.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/portalhq/portalchat/internal/archive"
	"github.com/portalhq/portalchat/internal/chat"
	"github.com/portalhq/portalchat/internal/config"
	"github.com/portalhq/portalchat/internal/log"
	"github.com/portalhq/portalchat/internal/proto"
	"github.com/portalhq/portalchat/internal/rest"
	"github.com/portalhq/portalchat/internal/tui"
)

var (
	flagConfig   string
	flagServer   string
	flagToken    string
	flagLogLevel string
)

func main() {
	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "portalchat",
		Short:        "Terminal client for the portal chat",
		SilenceUsage: true,
		RunE:         runTUI,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&flagServer, "server", "", "portal base URL")
	root.PersistentFlags().StringVar(&flagToken, "token", "", "access token")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "debug, info, warn, or error")

	root.AddCommand(channelsCmd(), sendCmd(), loginCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves config file, env, and flags in that precedence order.
func loadConfig(logger *zerolog.Logger) (config.Config, error) {
	cfg, _, err := config.Load(logger, flagConfig)
	if err != nil {
		return cfg, err
	}
	cfg.UpdateFrom(config.Config{
		ServerURL: flagServer,
		Token:     flagToken,
		LogLevel:  flagLogLevel,
	})
	if cfg.Token == "" {
		return cfg, fmt.Errorf("no access token: set --token, PORTALCHAT_TOKEN, or the config file")
	}
	return cfg, nil
}

func newLogger(level string) *zerolog.Logger {
	return log.New(level, os.Stderr)
}

func buildClient(cfg config.Config, logger *zerolog.Logger, onMessage func(proto.Message)) (*chat.Client, error) {
	return chat.New(chat.Options{
		ServerURL:         cfg.ServerURL,
		Token:             cfg.Token,
		Logger:            logger,
		PageSize:          cfg.PageSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		BackoffFloor:      cfg.BackoffFloor,
		BackoffCeiling:    cfg.BackoffCeiling,
		TypingTTL:         cfg.TypingTTL,
		TypingThrottle:    cfg.TypingThrottle,
		OnMessage:         onMessage,
	})
}

func runTUI(cmd *cobra.Command, args []string) error {
	bootLogger := newLogger("warn")
	cfg, err := loadConfig(bootLogger)
	if err != nil {
		return err
	}

	// The alt screen owns the terminal, so logs go to a file instead of
	// stderr while the TUI runs.
	logOut, err := os.OpenFile("portalchat.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logOut.Close()
	logger := log.New(cfg.LogLevel, logOut)

	var onMessage func(proto.Message)
	if cfg.ArchivePath != "" {
		arc, err := archive.Open(cfg.ArchivePath, logger)
		if err != nil {
			return err
		}
		defer arc.Close()
		onMessage = func(m proto.Message) {
			if err := arc.Append(m); err != nil {
				logger.Warn().Err(err).Msg("archive append failed")
			}
		}
	}

	client, err := buildClient(cfg, logger, onMessage)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Init(ctx); err != nil {
		return err
	}
	defer client.Cleanup()

	program := tea.NewProgram(tui.New(client), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = program.Run()
	return err
}

func channelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "channels",
		Short: "List channels and unread counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger("warn")
			cfg, err := loadConfig(logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			channels, err := rest.New(cfg.ServerURL, cfg.Token, logger).ListChannels(ctx)
			if err != nil {
				return err
			}
			for _, ch := range channels {
				marker := ""
				if ch.UnreadCount > 0 {
					marker = fmt.Sprintf("  (%d unread)", ch.UnreadCount)
				}
				fmt.Printf("%s  #%s [%s]%s\n", ch.ID, ch.Name, ch.Kind, marker)
			}
			return nil
		},
	}
}

func sendCmd() *cobra.Command {
	var channelID string
	cmd := &cobra.Command{
		Use:   "send --channel <id> <message>",
		Short: "Send one message and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger("warn")
			cfg, err := loadConfig(logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			content := ""
			for i, a := range args {
				if i > 0 {
					content += " "
				}
				content += a
			}
			msg, err := rest.New(cfg.ServerURL, cfg.Token, logger).SendMessage(ctx, channelID, content, "", "")
			if err != nil {
				return err
			}
			fmt.Println(msg.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&channelID, "channel", "", "target channel id")
	cmd.MarkFlagRequired("channel")
	return cmd
}

func loginCmd() *cobra.Command {
	var username, displayName string
	cmd := &cobra.Command{
		Use:   "login --username <name>",
		Short: "Obtain an access token from a development stub server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger("warn")
			cfg, _, err := config.Load(logger, flagConfig)
			if err != nil {
				return err
			}
			if flagServer != "" {
				cfg.ServerURL = flagServer
			}

			body, _ := json.Marshal(map[string]string{
				"username":     username,
				"display_name": displayName,
			})
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ServerURL+"/api/auth/token", bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("token request failed: status %d", resp.StatusCode)
			}

			var out struct {
				Token string     `json:"token"`
				User  proto.User `json:"user"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				return err
			}
			fmt.Println(out.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username to log in as")
	cmd.Flags().StringVar(&displayName, "display-name", "", "display name")
	cmd.MarkFlagRequired("username")
	return cmd
}
