package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/batchui/batchrun/internal/log"
	"github.com/batchui/batchrun/internal/model"
	"github.com/batchui/batchrun/internal/service"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

var (
	userConfigPath string // /default/config/path/batchrun on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "batchrun")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is batchrun.yaml in "+userConfigPath+" or in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initBatchrun
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("batchrun failed", "err", err)
		_ = closeLog()
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "batchrun",
	Short:        "Runs scripts, streams their output and keeps the run history",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides version of a batchrun",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("batchrun: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("batchrun: %s\n", info.Main.Version)
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

func initBatchrun(cmd *cobra.Command, _ []string) error {
	service.LoadDotEnv()

	configPath = lookupConfig()
	if configPath == "" {
		var err error
		configPath, err = storeDefaultConfig()
		if err != nil {
			return err
		}
		config = model.DefaultConfig()
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
			logConfigErrors(slog.Default(), err)
			return fmt.Errorf("parsing config: %w", err)
		}
		config = *cfg
	}

	if err := service.ApplyEnv(&config); err != nil {
		return fmt.Errorf("applying environment: %w", err)
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}

	// initialize logging
	logger, closer, err := log.FromConfig(config.Service)
	if err != nil {
		return err
	}
	closeLog = closer
	slog.SetDefault(logger)

	slog.DebugContext(cmd.Context(), "batchrun run", "configPath", configPath)
	slog.DebugContext(cmd.Context(), "batchrun run", "config", config)
	return nil
}

// lookupConfig returns the config file to load, BATCHRUNCONFIG and --config
// first, or an empty string if none exists.
func lookupConfig() string {
	if envConfig, ok := os.LookupEnv("BATCHRUNCONFIG"); ok {
		return envConfig
	}
	if flagConfigFilePath != "" {
		return flagConfigFilePath
	}
	for _, d := range []string{userConfigPath, "."} {
		path := filepath.Join(d, "batchrun.yaml")
		if exists(path) {
			return path
		}
	}
	return ""
}

// storeDefaultConfig writes the default configuration to the user config
// directory.
func storeDefaultConfig() (string, error) {
	path := filepath.Join(userConfigPath, "batchrun.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(model.DefaultConfig()); err != nil {
		return "", fmt.Errorf("storing configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("storing configuration: %w", err)
	}
	return path, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func newService(cmd *cobra.Command) (*service.Service, error) {
	return service.New(cmd.Context(), config, userConfigPath)
}

// logConfigErrors logs one record per problem found in the config file.
func logConfigErrors(logger *slog.Logger, err error) {
	for _, d := range model.CueErrDetails(err) {
		logger.Error("invalid config", d.Attr("detail"))
	}
}
