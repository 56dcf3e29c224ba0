package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"graphengine/config"
	"graphengine/engine"
	"graphengine/store"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the command ran and returned a non-Ok status
	ExitCommandError = 2 // bad flags, config or store
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error { return e.Err }

func wrapExit(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// exitCode returns the exit code for err.
func exitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

var validFormats = []string{"text", "json"}

// rootOptions holds the global flags.
type rootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string
	Backend    string
	StorePath  string
	GraphPath  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "graphdb",
		Short: "Query a lease-arbitrated graph store",
		Long: `graphdb runs graph queries against a store shared by several processes.

Readers hold shared leases on the graph path, writers take an exclusive lease
for the duration of a command and write with an ETag precondition.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range validFormats {
				if f == opts.Format {
					return nil
				}
			}
			return wrapExit(ExitCommandError, "invalid flags",
				fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats))
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML configuration")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	flags.StringVar(&opts.Format, "format", "text", "output format (text|json)")
	flags.StringVar(&opts.Backend, "backend", "", "store backend (memory|bolt|sqlite), overrides the config")
	flags.StringVar(&opts.StorePath, "store-path", "", "store database file, overrides the config")
	flags.StringVar(&opts.GraphPath, "graph", "", "graph path inside the store, overrides the config")

	cmd.AddCommand(newExecCommand(opts))
	cmd.AddCommand(newReplCommand(opts))
	cmd.AddCommand(newDumpCommand(opts))
	return cmd
}

// session is an open store and the client on top of it.
type session struct {
	cfg      *config.Config
	store    store.Store
	client   *engine.Client
	registry *prometheus.Registry
}

func openSession(opts *rootOptions) (*session, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, wrapExit(ExitCommandError, "failed to load config", err)
	}
	if opts.Backend != "" {
		cfg.Store.Backend = opts.Backend
	}
	if opts.StorePath != "" {
		cfg.Store.Path = opts.StorePath
	}
	if opts.GraphPath != "" {
		cfg.Graph.Path = opts.GraphPath
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, wrapExit(ExitCommandError, "invalid configuration", err)
	}
	if err := config.SetupLogging(cfg.Log); err != nil {
		return nil, wrapExit(ExitCommandError, "failed to set up logging", err)
	}

	s, err := config.OpenStore(cfg.Store)
	if err != nil {
		return nil, wrapExit(ExitCommandError, "failed to open store", err)
	}
	reg := prometheus.NewRegistry()
	return &session{
		cfg:      cfg,
		store:    s,
		client:   engine.NewClient(s, cfg.ClientOptions(reg)...),
		registry: reg,
	}, nil
}

func (s *session) close(ctx context.Context) error {
	err := s.client.Close(ctx)
	if cerr := s.store.Close(); cerr != nil {
		logrus.WithField("component", "Main").WithError(cerr).Error("Failed to close store")
		err = errors.Join(err, cerr)
	}
	return err
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
