package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	agentmsg "github.com/glimte/agentmsg"
	"github.com/glimte/agentmsg/config"
	"github.com/glimte/agentmsg/contracts"
	"github.com/glimte/agentmsg/trust"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "agentmsgd",
		Short: "Deliver agent messages to client sessions",
		Long: `agentmsgd accepts typed notifications from processing agents and delivers
them to client sessions over WebSocket, RabbitMQ, NATS or a polled mailbox.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")

	load := func() (config.Config, error) {
		return config.Load(configPath)
	}

	rootCmd.AddCommand(newServeCmd(load), newTokenCmd(load))
	return rootCmd
}

func newServeCmd(load func() (config.Config, error)) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the delivery server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			logger := cfg.Log.NewLogger(os.Stderr)

			client, err := agentmsg.NewClient(cfg, agentmsg.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			serveErr := client.ListenAndServe(ctx)

			logger.Info("shutting down")
			closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := client.Close(closeCtx); err != nil {
				logger.Warn("shutdown incomplete", "error", err)
			}
			return serveErr
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override the listen address")
	return cmd
}

func newTokenCmd(load func() (config.Config, error)) *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue and verify trust tokens",
	}

	codec := func() (*trust.Codec, error) {
		cfg, err := load()
		if err != nil {
			return nil, err
		}
		if cfg.Trust.Secret == "" {
			return nil, fmt.Errorf("trust.secret (or AGENTMSG_TRUST_SECRET) is required")
		}
		return trust.NewCodec([]byte(cfg.Trust.Secret), trust.WithLifetime(cfg.Trust.Lifetime.Duration))
	}

	var (
		originalPath  string
		sanitizedPath string
		rules         []string
		ruleVersion   string
	)
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a token binding sanitized content to its original",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := codec()
			if err != nil {
				return err
			}
			original, err := os.ReadFile(originalPath)
			if err != nil {
				return err
			}
			sanitized, err := os.ReadFile(sanitizedPath)
			if err != nil {
				return err
			}
			token, err := c.Issue(original, sanitized, rules, ruleVersion)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(token)
		},
	}
	issueCmd.Flags().StringVar(&originalPath, "original", "", "File holding the original content")
	issueCmd.Flags().StringVar(&sanitizedPath, "sanitized", "", "File holding the sanitized content")
	issueCmd.Flags().StringSliceVar(&rules, "rule", nil, "Sanitization rule applied (repeatable, in order)")
	issueCmd.Flags().StringVar(&ruleVersion, "version", "", "Sanitization rule set version")
	issueCmd.MarkFlagRequired("original")
	issueCmd.MarkFlagRequired("sanitized")
	issueCmd.MarkFlagRequired("version")

	var contentPath string
	verifyCmd := &cobra.Command{
		Use:   "verify [token-file]",
		Short: "Verify a token read from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := codec()
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			var token contracts.TrustToken
			if err := json.NewDecoder(in).Decode(&token); err != nil {
				return fmt.Errorf("failed to read token: %w", err)
			}

			res := c.Verify(&token)
			if res.Valid && contentPath != "" {
				content, err := os.ReadFile(contentPath)
				if err != nil {
					return err
				}
				if !trust.MatchesContent(&token, content) {
					return fmt.Errorf("token is valid but does not cover %s", contentPath)
				}
			}
			if !res.Valid {
				return fmt.Errorf("invalid token: %s: %v", res.Reason, res.Err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "valid (version %s, rules %s, expires %s)\n",
				token.SanitizationVersion,
				strings.Join(token.RulesApplied, ","),
				token.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	verifyCmd.Flags().StringVar(&contentPath, "content", "", "Also check the token covers this file")

	tokenCmd.AddCommand(issueCmd, verifyCmd)
	return tokenCmd
}
