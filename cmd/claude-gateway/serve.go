package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"claude-gateway/internal/bridge"
	"claude-gateway/internal/config"
	"claude-gateway/internal/history"
	"claude-gateway/internal/logging"
	"claude-gateway/internal/server"
	"claude-gateway/internal/session"
	"claude-gateway/internal/workspace"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

type serveFlags struct {
	configPath string
	bind       string
	port       int
	allowCIDRs []string
	command    string
	workdir    string
	logLevel   string
	logFormat  string
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	addServeFlags(cmd, &flags)
	return cmd
}

func addServeFlags(cmd *cobra.Command, flags *serveFlags) {
	f := cmd.Flags()
	f.StringVarP(&flags.configPath, "config", "c", "", "YAML or TOML config file")
	f.StringVar(&flags.bind, "bind", "", "address to listen on")
	f.IntVarP(&flags.port, "port", "p", 0, "port to listen on")
	f.StringSliceVar(&flags.allowCIDRs, "allow-cidr", nil, "client CIDR allowed to connect (repeatable)")
	f.StringVar(&flags.command, "command", "", "backend command line, e.g. \"claude\"")
	f.StringVar(&flags.workdir, "workdir", "", "directory the backend runs in (default: home)")
	f.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	f.StringVar(&flags.logFormat, "log-format", "", "text or json")
}

// loadConfig layers explicitly set flags over the config file, or over the
// defaults when no file is given.
func loadConfig(cmd *cobra.Command, flags serveFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		loaded, err := config.Load(flags.configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", flags.configPath, err)
		}
		cfg = *loaded
	}

	f := cmd.Flags()
	if f.Changed("bind") {
		cfg.Server.Bind = flags.bind
	}
	if f.Changed("port") {
		cfg.Server.Port = flags.port
	}
	if f.Changed("allow-cidr") {
		cfg.Server.AllowCIDRs = flags.allowCIDRs
	}
	if f.Changed("command") {
		cfg.Backend.Command = flags.command
	}
	if f.Changed("workdir") {
		cfg.Backend.WorkDir = flags.workdir
	}
	if f.Changed("log-level") {
		cfg.Logging.Level = flags.logLevel
	}
	if f.Changed("log-format") {
		cfg.Logging.Format = flags.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config, out, logOut io.Writer) error {
	logger := logging.New(cfg.Logging, logOut)
	defer logger.Close()

	workdir, err := workspace.Resolve(cfg.Backend.WorkDir)
	if err != nil {
		return fmt.Errorf("resolving workdir: %w", err)
	}

	registry := session.NewRegistry()
	store := history.NewStore(cfg.History.MaxMessagesPerSession)
	b, err := bridge.New(registry, bridge.Options{
		Command:        cfg.Backend.Command,
		ExtraArgs:      cfg.Backend.ExtraArgs,
		Env:            cfg.Backend.Env,
		WorkDir:        workdir,
		MaxDuration:    cfg.Backend.MaxDuration,
		KillTimeout:    cfg.Backend.KillTimeout,
		MaxLineBytes:   cfg.Backend.MaxLineBytes,
		MaxStderrBytes: cfg.Backend.MaxStderrBytes,
		BufferSize:     cfg.Backend.BufferSize,
		Logger:         logger.Logger,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	srv := server.New(*cfg, server.Deps{
		Registry:  registry,
		History:   store,
		Bridge:    b,
		Logger:    logger.Logger,
		Version:   version,
		Workspace: workdir,
	})

	addr := net.JoinHostPort(cfg.Server.Bind, strconv.Itoa(cfg.Server.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printBanner(out, cfg, addr, workdir)
	logger.Info("starting claude-gateway",
		"addr", addr,
		"command", cfg.Backend.Command,
		"executable", b.Executable(),
		"workdir", workdir,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	// Open streams only return once their backend ends, so the backends are
	// terminated alongside the HTTP drain rather than after it.
	reaped := make(chan struct{})
	httpServer.RegisterOnShutdown(func() {
		defer close(reaped)
		// Each invocation may need a SIGTERM wait and a SIGKILL wait.
		reapCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Backend.KillTimeout+time.Second)
		defer cancel()
		if err := srv.Shutdown(reapCtx); err != nil {
			logger.Error("backend shutdown incomplete", "error", err, "active", b.Active())
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", "error", err)
		}
		<-reaped
		return nil
	})
	return g.Wait()
}

func printBanner(out io.Writer, cfg *config.Config, addr, workdir string) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	cyan.Fprintf(out, "claude-gateway %s\n", version)
	green.Fprint(out, "  ▶ ")
	fmt.Fprintf(out, "HTTP:      http://%s\n", addr)
	green.Fprint(out, "  ▶ ")
	fmt.Fprintf(out, "Backend:   %s\n", cfg.Backend.Command)
	green.Fprint(out, "  ▶ ")
	fmt.Fprintf(out, "Workspace: %s\n", workdir)
	if len(cfg.Server.AllowCIDRs) > 0 {
		green.Fprint(out, "  ▶ ")
		fmt.Fprintf(out, "Allowed:   %s", strings.Join(cfg.Server.AllowCIDRs, ", "))
		gray.Fprint(out, " (plus localhost)")
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out)
}
