package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/caffeineduck/cellrun/cell"
	"github.com/caffeineduck/cellrun/executor"
	"github.com/caffeineduck/cellrun/hostfunc"
	"github.com/caffeineduck/cellrun/internal/logging"
	"github.com/caffeineduck/cellrun/language/python"
	"github.com/caffeineduck/cellrun/pypi"
	"github.com/caffeineduck/cellrun/runtime"
)

var rootCmd = &cobra.Command{
	Use:   "cellrun [file]",
	Short: "Run Python cells on a shared WebAssembly interpreter",
	Long: `cellrun - Run Python snippets on one lazily started WebAssembly interpreter.

Each snippet is a cell that declares the packages it needs. Packages are
installed from PyPI as pure-Python wheels, at most once per interpreter.
Mock packages stand in for packages that cannot load in WebAssembly.`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRun, // Default to run command behavior
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Config file (TOML)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("image", "", "Interpreter image URL or path")
	rootCmd.PersistentFlags().Bool("no-cache", false, "Disable compilation cache")

	addRunFlags(rootCmd)
}

// loadSettings resolves the configuration for cmd and builds its logger.
func loadSettings(cmd *cobra.Command) (config, zerolog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(path)
	if err != nil {
		return config{}, zerolog.Nop(), err
	}

	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := cmd.Flags().GetString("image"); v != "" {
		cfg.Engine.ImageURL = v
	}
	if v, _ := cmd.Flags().GetBool("no-cache"); v {
		cfg.Engine.NoCache = true
	}

	log, err := logging.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Console)
	if err != nil {
		return config{}, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func indexOptions(cfg config, log zerolog.Logger) []pypi.Option {
	return []pypi.Option{
		pypi.WithBaseURL(cfg.Index.URL),
		pypi.WithMaxBodySize(cfg.Index.MaxBodySize),
		pypi.WithLogger(log),
	}
}

// newProvider wires the interpreter bootstrap, the host functions and the
// package resolver into one runtime scope.
func newProvider(cfg config, log zerolog.Logger) (*runtime.Provider, error) {
	pages, err := parseMemoryLimit(cfg.Engine.Memory)
	if err != nil {
		return nil, err
	}

	opts := []executor.Option{
		executor.WithSessionTimeout(cfg.Engine.Timeout),
		executor.WithStartTimeout(cfg.Engine.StartTimeout),
		executor.WithIndex(indexOptions(cfg, log)...),
	}
	if !cfg.Engine.NoCache {
		opts = append(opts, executor.WithDiskCache(filepath.Join(cfg.Engine.CacheDir, "compiled")))
	}
	if pages > 0 {
		opts = append(opts, executor.WithMemoryLimit(pages))
	}
	for _, m := range cfg.Engine.Mounts {
		hostDir, guestDir, err := parseMount(m)
		if err != nil {
			return nil, err
		}
		opts = append(opts, executor.WithMount(hostDir, guestDir))
	}

	registry := hostfunc.NewRegistry()
	p := runtime.NewProvider(executor.Bootstrap(executor.BootstrapConfig{
		ImageURL: cfg.Engine.ImageURL,
		CacheDir: cfg.Engine.CacheDir,
		Registry: registry,
		Options:  opts,
		Log:      log,
		Language: func(image []byte) executor.Language { return python.New(image) },
	}), runtime.WithLogger(log))

	registry.Register("install", hostfunc.NewPkgInstaller(hostfunc.PkgConfig{
		Enabled:         cfg.Engine.AllowInstall,
		AllowedPackages: cfg.Engine.AllowedPackages,
	}, func(ctx context.Context, names []string) error {
		return p.Ensure(ctx, runtime.PackageRequest{Real: names})
	}))
	registry.Register("installed", hostfunc.NewPkgList(p.Handle().LoadedPackages))
	return p, nil
}

// packageRequest merges the configured packages and mocks with those given
// on the command line.
func packageRequest(cmd *cobra.Command, cfg config) (runtime.PackageRequest, error) {
	req := runtime.PackageRequest{
		Real:  slices.Clone(cfg.Packages),
		Mocks: slices.Clone(cfg.Mocks),
	}

	if cmd.Flags().Lookup("preset") != nil {
		preset, _ := cmd.Flags().GetString("preset")
		// Examples need the cli preset unless one was chosen explicitly.
		if cmd.Flags().Lookup("example") != nil && preset == "" {
			if name, _ := cmd.Flags().GetString("example"); name != "" {
				preset = "cli"
			}
		}
		switch strings.ToLower(preset) {
		case "":
		case "cli":
			p := cell.CLIPreset()
			req.Real = append(req.Real, p.Real...)
			req.Mocks = append(req.Mocks, p.Mocks...)
		default:
			return runtime.PackageRequest{}, fmt.Errorf("unknown preset %q (expected cli)", preset)
		}
	}

	if cmd.Flags().Lookup("pkg") != nil {
		pkgs, _ := cmd.Flags().GetStringSlice("pkg")
		req.Real = append(req.Real, pkgs...)
	}
	if cmd.Flags().Lookup("mock") != nil {
		mocks, _ := cmd.Flags().GetStringSlice("mock")
		for _, m := range mocks {
			spec, err := parseMockFlag(m)
			if err != nil {
				return runtime.PackageRequest{}, err
			}
			req.Mocks = append(req.Mocks, spec)
		}
	}
	return req, nil
}
