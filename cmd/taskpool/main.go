package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/taskpool/internal/analysis"
	"github.com/CZERTAINLY/taskpool/internal/log"
	"github.com/CZERTAINLY/taskpool/internal/model"
	"github.com/CZERTAINLY/taskpool/internal/service"
	"github.com/CZERTAINLY/taskpool/internal/worker"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/taskpool on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagLimit          int    // value of history --limit flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "taskpool")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is taskpool.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	historyCmd.Flags().IntVar(&flagLimit, "limit", 20, "number of batches to show")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initTaskpool
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(workCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("taskpool failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "taskpool",
	Short:        "Runs signal analysis batches in a pool of worker processes",
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run <batch.yaml>",
	Short: "run reads the batch file and executes all its jobs",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "history lists the most recent batches",
	Args:  cobra.NoArgs,
	RunE:  doHistory,
}

var workCmd = &cobra.Command{
	Use:    service.WorkCommand + " <func>",
	Short:  "internal command",
	Args:   cobra.ExactArgs(1),
	RunE:   doWork,
	Hidden: true,
	// workers get everything they need from the parent
	PersistentPreRunE: func(*cobra.Command, []string) error {
		slog.SetDefault(log.New(false, os.Stderr))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a taskpool",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("taskpool: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("taskpool: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func doWork(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("taskpool",
		slog.String("cmd", service.WorkCommand),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	reg := worker.NewRegistry()
	analysis.Register(reg)
	out := worker.ResultFile()
	defer func() {
		_ = out.Close()
	}()
	return worker.Serve(ctx, reg, args[0], os.Stdin, out)
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("taskpool",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	svc, err := service.New(ctx, config, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(ctx); err != nil {
			slog.WarnContext(ctx, "closing service", "error", err)
		}
	}()

	_, err = svc.Run(ctx, args[0])
	return err
}

func doHistory(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	svc, err := service.New(ctx, config, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		_ = svc.Close(ctx)
	}()
	return svc.History(ctx, os.Stdout, flagLimit)
}

func initTaskpool(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("TASKPOOLCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "taskpool.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig(userConfigPath)
		configPath = filepath.Join(userConfigPath, "taskpool.yaml")
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		cfg, err := model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.LogAttrs(cmd.Context(), slog.LevelError, "invalid config", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	w, closer, err := log.Writer(config.Service.Log)
	if err != nil {
		return err
	}
	closeLog = closer
	slog.SetDefault(log.New(config.Service.Verbose, w))

	slog.Debug("taskpool run", "configPath", configPath)
	slog.Debug("taskpool run", "config", config)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	return err == nil && info.Mode().IsRegular()
}
