package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/cellrun/executor"
	"github.com/caffeineduck/cellrun/pypi"
)

var depsCmd = &cobra.Command{
	Use:   "deps",
	Short: "Inspect Python packages available to cells",
	Long: `Inspect how packages resolve against the configured index.

Packages are downloaded directly from PyPI (no pip required).
Only pure Python wheels are supported - packages with C extensions won't work
and should be replaced by a mock package.`,
}

var depsResolveCmd = &cobra.Command{
	Use:   "resolve [packages...]",
	Short: "Show the wheel each package resolves to",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDepsResolve,
}

var depsBlockedCmd = &cobra.Command{
	Use:   "blocked",
	Short: "List packages known not to work in WebAssembly",
	Args:  cobra.NoArgs,
	Run:   runDepsBlocked,
}

var imageCmd = &cobra.Command{
	Use:   "image",
	Short: "Interpreter image commands",
}

var imagePullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Download the interpreter image into the cache",
	Args:  cobra.NoArgs,
	RunE:  runImagePull,
}

func init() {
	depsCmd.AddCommand(depsResolveCmd, depsBlockedCmd)
	imageCmd.AddCommand(imagePullCmd)
	rootCmd.AddCommand(depsCmd, imageCmd)
}

func runDepsResolve(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	client := pypi.New(indexOptions(cfg, log)...)

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()

	var failed int
	for _, spec := range args {
		rel, err := client.Resolve(cmd.Context(), spec)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t%v\n", spec, err)
			failed++
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", rel.Name, rel.Version, rel.Filename)
	}
	if failed > 0 {
		w.Flush()
		return fmt.Errorf("%d of %d packages cannot be installed", failed, len(args))
	}
	return nil
}

func runDepsBlocked(cmd *cobra.Command, args []string) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	defer w.Flush()
	for _, name := range slices.Sorted(maps.Keys(pypi.DefaultBlocked)) {
		fmt.Fprintf(w, "%s\t%s\n", name, pypi.DefaultBlocked[name])
	}
}

func runImagePull(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	data, err := executor.FetchImage(cmd.Context(), cfg.Engine.ImageURL, cfg.Engine.CacheDir)
	if err != nil {
		return err
	}
	log.Info().Int("bytes", len(data)).Msg("image ready")
	if strings.HasPrefix(cfg.Engine.ImageURL, "http://") || strings.HasPrefix(cfg.Engine.ImageURL, "https://") {
		fmt.Fprintln(cmd.OutOrStdout(), executor.ImageCachePath(cfg.Engine.ImageURL, cfg.Engine.CacheDir))
	}
	return nil
}
