package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/antoniostano/concierge/internal/app"
	"github.com/antoniostano/concierge/internal/config"
	"github.com/antoniostano/concierge/internal/dialogue"
	"github.com/antoniostano/concierge/internal/logging"
)

type rootFlags struct {
	logLevel  string
	logFormat string
	logCaller bool
	projects  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "concierge: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "concierge",
		Short:         "Multi-project real estate assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override LOG_LEVEL")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "override LOG_FORMAT (text|json)")
	root.PersistentFlags().BoolVar(&flags.logCaller, "log-caller", false, "annotate log lines with file:line (or set LOG_CALLER)")
	root.PersistentFlags().StringVar(&flags.projects, "projects", "", "override PROJECTS_FILE")

	root.AddCommand(newServeCmd(flags), newAskCmd(flags), newProjectsCmd(flags))
	return root
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.LogFormat = flags.logFormat
	}
	if flags.logCaller {
		cfg.LogCaller = true
	}
	if flags.projects != "" {
		cfg.ProjectsFile = flags.projects
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, WithCaller: cfg.LogCaller}); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	built, err := app.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.Warn().Err(err).Msg("cleanup failed")
		}
	}()

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	built.StartBackground(runCtx)

	listenErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		log.Info().Msg("shutdown signal received")
	case err, ok := <-listenErr:
		if ok {
			return fmt.Errorf("listen error: %w", err)
		}
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func newAskCmd(flags *rootFlags) *cobra.Command {
	var (
		projectID string
		userID    string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a project a question, or chat line by line from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			// Local commands may run offline on the echo mock.
			cfg.LLMMockFallback = true
			built, err := app.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = built.Cleanup() }()

			out := cmd.OutOrStdout()
			if len(args) > 0 {
				return askOnce(ctx, built.Orchestrator, out, projectID, userID, strings.Join(args, " "), asJSON)
			}

			pcfg, err := built.Projects.Resolve(projectID)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, pcfg.Greeting)
			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				switch line {
				case "":
					continue
				case "/quit", "/exit":
					return nil
				case "/reset":
					if _, err := built.Sessions.Reset(ctx, built.Orchestrator.Scope().Key(userID, pcfg.ID)); err != nil {
						return err
					}
					fmt.Fprintln(out, pcfg.Greeting)
					continue
				}
				if err := askOnce(ctx, built.Orchestrator, out, pcfg.ID, userID, line, asJSON); err != nil {
					fmt.Fprintln(out, dialogue.UserMessage(err))
				}
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "project id")
	cmd.Flags().StringVarP(&userID, "user", "u", "cli", "user id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full turn result as JSON")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

type turnHandler interface {
	HandleTurn(ctx context.Context, req dialogue.Request) (dialogue.Result, error)
}

func askOnce(ctx context.Context, orch turnHandler, out io.Writer, projectID, userID, query string, asJSON bool) error {
	res, err := orch.HandleTurn(ctx, dialogue.Request{ProjectID: projectID, UserID: userID, QueryText: query})
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintln(out, res.DisplayText)
	if res.MediaReference != nil {
		fmt.Fprintf(out, "[image: %s]\n", *res.MediaReference)
	}
	return nil
}

func newProjectsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "projects",
		Short: "List configured projects",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			// Local commands may run offline on the echo mock.
			cfg.LLMMockFallback = true
			built, err := app.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = built.Cleanup() }()

			for _, p := range built.Projects.List() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", p.ID, p.DisplayName)
			}
			return nil
		},
	}
}
