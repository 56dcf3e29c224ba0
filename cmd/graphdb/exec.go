package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

type execOptions struct {
	*rootOptions
	File string
}

func newExecCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &execOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec [query]",
		Short: "Run one command and print its rows",
		Long: `Run one command made of one or more statements.

Example:
  graphdb exec "add node [key=user:alice]; add node [key=proposal:7];"
  graphdb exec -f seed.gq
  echo "select (key=user:*) u return u;" | graphdb exec -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readQuery(cmd, opts.File, args)
			if err != nil {
				return wrapExit(ExitCommandError, "no query", err)
			}
			return runExec(cmd, opts.rootOptions, text)
		},
	}
	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "read the query from a file")
	return cmd
}

func readQuery(cmd *cobra.Command, file string, args []string) (string, error) {
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		return string(data), err
	case len(args) == 1 && args[0] == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), err
	case len(args) == 1:
		return args[0], nil
	default:
		return "", fmt.Errorf("pass a query, -f file or - for stdin")
	}
}

func runExec(cmd *cobra.Command, opts *rootOptions, text string) (err error) {
	ctx := commandContext(cmd)
	sess, err := openSession(opts)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sess.close(ctx); cerr != nil && err == nil {
			err = wrapExit(ExitCommandError, "failed to close", cerr)
		}
	}()

	res := sess.client.Execute(ctx, strings.TrimSpace(text))
	p := &printer{format: opts.Format, w: cmd.OutOrStdout()}
	if err := p.result(res); err != nil {
		return err
	}
	if !res.Ok() {
		return wrapExit(ExitFailure, "command failed", res.Err())
	}
	return nil
}

func newDumpCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print every node and edge of the graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := commandContext(cmd)
			sess, err := openSession(rootOpts)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := sess.close(ctx); cerr != nil && err == nil {
					err = wrapExit(ExitCommandError, "failed to close", cerr)
				}
			}()

			g, err := sess.client.Snapshot(ctx)
			if err != nil {
				return wrapExit(ExitFailure, "failed to read graph", err)
			}
			p := &printer{format: rootOpts.Format, w: cmd.OutOrStdout()}
			return p.graph(g)
		},
	}
}
