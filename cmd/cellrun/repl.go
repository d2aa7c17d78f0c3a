package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/cellrun/cell"
	"github.com/caffeineduck/cellrun/runtime"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive REPL with persistent state",
	Long: `Start an interactive REPL (Read-Eval-Print Loop) session.

Every line is run as the source of one long-lived cell, so interpreter state
persists between lines.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Commands:
  :pkg NAME...            install packages for the following lines
  :mock NAME@VERSION      register an empty mock package
  :packages               list installed packages

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	addPackageFlags(replCmd)
	replCmd.Flags().String("history", "", "History file path (default: ~/.cellrun_history)")
	rootCmd.AddCommand(replCmd)
}

// replRunner evaluates REPL input through one cell. The cell is mounted by
// the first line.
type replRunner struct {
	ctx      context.Context
	provider *runtime.Provider
	cell     *cell.Cell
	req      runtime.PackageRequest
	mounted  bool
}

func newReplRunner(ctx context.Context, p *runtime.Provider, req runtime.PackageRequest, opts ...cell.Option) *replRunner {
	return &replRunner{
		ctx:      ctx,
		provider: p,
		req:      req,
		cell:     cell.New(p, append(opts, cell.WithRequest(req))...),
	}
}

// eval runs line and returns the published output. A line that only changes
// packages returns an empty string.
func (r *replRunner) eval(ctx context.Context, line string) (string, error) {
	switch {
	case strings.HasPrefix(line, ":pkg "):
		r.req.Real = append(r.req.Real, strings.Fields(strings.TrimPrefix(line, ":pkg "))...)
		return "", nil
	case strings.HasPrefix(line, ":mock "):
		spec, err := parseMockFlag(strings.TrimSpace(strings.TrimPrefix(line, ":mock ")))
		if err != nil {
			return "", err
		}
		r.req.Mocks = append(r.req.Mocks, spec)
		return "", nil
	case line == ":packages":
		return strings.Join(r.provider.Handle().LoadedPackages(), "\n"), nil
	}

	switch {
	case !r.mounted:
		r.cell.Update(line, r.req)
		r.cell.Mount(r.ctx)
		r.mounted = true
	case r.cell.Source() == line && r.cell.Request().Equal(r.req):
		r.cell.Refresh()
	default:
		r.cell.Update(line, r.req)
	}
	if err := r.cell.Wait(ctx); err != nil {
		return "", err
	}
	if err := r.provider.Handle().Err(); err != nil {
		return "", err
	}

	out := r.cell.Output()
	if msg, failed := strings.CutPrefix(out, cell.ErrorPrefix); failed {
		return "", errors.New(msg)
	}
	return out, nil
}

func (r *replRunner) close() {
	r.cell.Unmount()
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".cellrun_history")
	}

	cfg, log, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	req, err := packageRequest(cmd, cfg)
	if err != nil {
		return err
	}
	p, err := newProvider(cfg, log)
	if err != nil {
		return err
	}

	ctx := context.Background()
	p.Mount(ctx)
	defer p.Close(ctx)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(os.Stderr, "cellrun python REPL (type 'exit' to quit, Ctrl+D to exit)")
	if err := p.Handle().Wait(ctx); err != nil {
		return err
	}

	runner := newReplRunner(ctx, p, req, cell.WithLogger(log))
	defer runner.close()

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Println()
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			break
		}

		// Handle multi-line input
		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		out, err := runner.eval(ctx, line)
		if out != "" {
			fmt.Print(out)
			if !strings.HasSuffix(out, "\n") {
				fmt.Println()
			}
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
	return nil
}
