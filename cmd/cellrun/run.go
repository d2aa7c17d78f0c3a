package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/cellrun/cell"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run one cell and print its output",
	Long: `Run a Python snippet as a cell: install its packages, evaluate it and
print the result.

Code can be provided via:
  - File argument: cellrun run script.py
  - Inline flag: cellrun run -c 'print(1+1)'
  - Stdin: echo 'print(1+1)' | cellrun run

Packages and mocks:
  cellrun run --pkg requests -c 'import requests'
  cellrun run --mock watchfiles@1.999.0=stub.py --pkg nb-cli -c '...'
  cellrun run --preset cli -c 'import nb_cli'

Bundled examples (installs the cli preset):
  cellrun run --example create`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	addRunFlags(runCmd)
	rootCmd.AddCommand(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("code", "c", "", "Code to execute")
	cmd.Flags().String("example", "", "Run a bundled example: "+strings.Join(cell.Examples(), ", "))
	addPackageFlags(cmd)
}

func addPackageFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("pkg", nil, "Package to install before running (repeatable)")
	cmd.Flags().StringSlice("mock", nil, "Mock package name@version[=file.py] (repeatable)")
	cmd.Flags().String("preset", "", "Package preset: cli")
}

func readSource(cmd *cobra.Command, args []string) (string, error) {
	if code, _ := cmd.Flags().GetString("code"); code != "" {
		return code, nil
	}
	if name, _ := cmd.Flags().GetString("example"); name != "" {
		ex, err := cell.LookupExample(name)
		if err != nil {
			return "", err
		}
		return ex.Source, nil
	}
	if len(args) > 0 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	}

	// Only read stdin when it is piped.
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		if stat, err := f.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	source, err := readSource(cmd, args)
	if err != nil {
		return err
	}
	if strings.TrimSpace(source) == "" {
		return cmd.Help()
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

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	p.Mount(ctx)
	defer p.Close(context.Background())

	c := cell.New(p,
		cell.WithSource(source),
		cell.WithRequest(req),
		cell.WithLogger(log),
	)
	if !p.Handle().IsReady() {
		fmt.Fprintln(cmd.ErrOrStderr(), c.Output())
	}
	c.Mount(ctx)
	defer c.Unmount()

	if err := c.Wait(ctx); err != nil {
		return err
	}
	if err := p.Handle().Err(); err != nil {
		return err
	}

	out := c.Output()
	if msg, failed := strings.CutPrefix(out, cell.ErrorPrefix); failed {
		return errors.New(msg)
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	if out != "" && !strings.HasSuffix(out, "\n") {
		fmt.Fprintln(cmd.OutOrStdout())
	}
	return nil
}
