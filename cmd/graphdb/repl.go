package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newReplCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive shell",
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
			rs := newReplState(sess, rootOpts.Format, cmd.OutOrStdout())
			return rs.run(ctx, cmd.InOrStdin())
		},
	}
}

// replState holds the state of the REPL.
type replState struct {
	sess      *session
	path      string
	out       io.Writer
	printer   *printer
	queryNum  int
	isRunning bool
}

func newReplState(sess *session, format string, out io.Writer) *replState {
	return &replState{
		sess:      sess,
		path:      sess.client.Path(),
		out:       out,
		printer:   &printer{format: format, w: out},
		isRunning: true,
	}
}

func (rs *replState) printHelp() {
	fmt.Fprintln(rs.out, `Commands:
  .help               Show this help message
  .exit               Exit the shell
  .use <path>         Switch to another graph path
  .locks              List the leases this shell holds
  .checkpoint         Write changes kept in memory
  .reload             Discard unwritten changes and reload the graph
  .stats              Count nodes and edges
  .metrics            Show lease counters
Statements end with ';' and may span lines:
  add node [key=user:alice, role=admin];
  add edge [from=user:alice, to=proposal:7, type=owns, unique];
  select (key=user:alice) a -> [type=owns] e return a, e;
  select (key=user:*) set reviewed;
  delete (key=user:bob);`)
}

// processCommand handles one dot command.
func (rs *replState) processCommand(ctx context.Context, input string) error {
	fields := strings.Fields(input)
	client := rs.sess.client
	switch strings.ToLower(fields[0]) {
	case ".help":
		rs.printHelp()
	case ".exit", ".quit":
		rs.isRunning = false
	case ".use":
		if len(fields) != 2 {
			return fmt.Errorf("usage: .use <path>")
		}
		rs.path = fields[1]
		fmt.Fprintf(rs.out, "Using graph %s\n", rs.path)
	case ".locks":
		locks := client.Locks().Locks()
		sort.Slice(locks, func(i, j int) bool { return locks[i].Path < locks[j].Path })
		if len(locks) == 0 {
			fmt.Fprintln(rs.out, "No leases held")
		}
		for _, l := range locks {
			fmt.Fprintf(rs.out, "  %s %s lease %s since %s\n", l.Path, l.LockState, l.LeaseID, l.AcquiredDate.Format("15:04:05"))
		}
	case ".checkpoint":
		if err := client.Checkpoint(ctx); err != nil {
			return err
		}
		fmt.Fprintln(rs.out, "Checkpoint written")
	case ".reload":
		if err := client.LoadAt(ctx, rs.path); err != nil {
			return err
		}
		fmt.Fprintf(rs.out, "Reloaded %s\n", rs.path)
	case ".stats":
		g, err := client.SnapshotAt(ctx, rs.path)
		if err != nil {
			return err
		}
		fmt.Fprintf(rs.out, "Graph %s: %d nodes, %d edges\n", rs.path, g.NodeCount(), g.EdgeCount())
	case ".metrics":
		families, err := rs.sess.registry.Gather()
		if err != nil {
			return err
		}
		for _, mf := range families {
			for _, m := range mf.GetMetric() {
				var labels []string
				for _, lp := range m.GetLabel() {
					labels = append(labels, lp.GetName()+"="+lp.GetValue())
				}
				value := m.GetCounter().GetValue() + m.GetGauge().GetValue()
				fmt.Fprintf(rs.out, "  %s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), value)
			}
		}
	default:
		return fmt.Errorf("unknown command: %s; type '.help' for assistance", fields[0])
	}
	return nil
}

func (rs *replState) executeQuery(ctx context.Context, text string) error {
	rs.queryNum++
	log := logrus.WithFields(logrus.Fields{
		"component": "Main",
		"query_num": rs.queryNum,
		"path":      rs.path,
	})
	log.Debug("Executing query")
	res := rs.sess.client.ExecuteAt(ctx, rs.path, text)
	if !res.Ok() {
		log.WithError(res.Err()).Debug("Query failed")
	}
	return rs.printer.result(res)
}

func (rs *replState) prompt(pending bool) {
	if pending {
		fmt.Fprint(rs.out, "   ...> ")
		return
	}
	fmt.Fprintf(rs.out, "graphdb(%s)> ", rs.path)
}

// run reads lines until .exit or end of input. Statements accumulate until
// a line ends with ';'.
func (rs *replState) run(ctx context.Context, in io.Reader) error {
	logrus.WithField("component", "Main").Info("Starting graph shell")
	scanner := bufio.NewScanner(in)
	fmt.Fprintln(rs.out, "Welcome to graphdb. Type '.help' for commands or '.exit' to quit.")

	var pending strings.Builder
	for rs.isRunning {
		rs.prompt(pending.Len() > 0)
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case pending.Len() == 0 && strings.HasPrefix(line, "."):
			if err := rs.processCommand(ctx, line); err != nil {
				fmt.Fprintf(rs.out, "Error: %v\n", err)
			}
			continue
		}
		if pending.Len() > 0 {
			pending.WriteByte('\n')
		}
		pending.WriteString(line)
		if !strings.HasSuffix(line, ";") {
			continue
		}
		if err := rs.executeQuery(ctx, pending.String()); err != nil {
			return err
		}
		pending.Reset()
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	fmt.Fprintln(rs.out, "Goodbye!")
	return nil
}
