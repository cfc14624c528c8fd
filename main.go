// Package main provides the entry point for the yomi CLI application.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/yomi/internal/config"
	"github.com/dgnsrekt/yomi/internal/pipeline"
	"github.com/joho/godotenv"
	gap "github.com/muesli/go-app-paths"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	v          *viper.Viper
	cfg        config.Config
	closeLog   = func() error { return nil }

	rootCmd = &cobra.Command{
		Use:   "yomi",
		Short: "Turn narration scripts into checked speech and subtitles",
		Long: paragraph(
			fmt.Sprintf("\nTurn narration scripts into %s with matching subtitles.", keyword("checked speech")),
		),
		SilenceUsage:     true,
		TraverseChildren: true,
	}
)

// Exit codes per failure kind.
var exitCodes = map[pipeline.Kind]int{
	pipeline.KindInput:      2,
	pipeline.KindResolution: 3,
	pipeline.KindMismatch:   4,
	pipeline.KindEngine:     5,
	pipeline.KindFormat:     6,
	pipeline.KindOutput:     7,
}

func exitCode(err error) int {
	if code, ok := exitCodes[pipeline.KindOf(err)]; ok {
		return code
	}
	return 1
}

// loadConfig reads .env, the config file, YOMI_* variables and bound flags,
// then starts logging. Subcommands that run the pipeline call it first.
func loadConfig() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("Could not parse .env file", "err", err)
	}

	// A missing default config file means built-in defaults; a missing
	// explicit one is an error from Load.
	path := configFile
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && !rootCmd.PersistentFlags().Changed("config") {
		path = ""
	}

	var err error
	cfg, err = config.Load(v, path)
	if err != nil {
		return err
	}

	closer, err := setupLog(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("unable to open log file: %w", err)
	}
	closeLog = closer
	if path != "" {
		log.Debug("Using configuration file", "path", path)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		_ = closeLog()
		os.Exit(exitCode(err))
	}
	_ = closeLog()
}

func init() {
	var err error
	v, err = config.NewViper()
	if err != nil {
		fmt.Println("Could not initialize configuration:", err)
		os.Exit(1)
	}
	configFile, err = findConfigFile()
	if err != nil {
		fmt.Println("Could not find configuration directory.")
		os.Exit(1)
	}

	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", configFile, "config file")
	rootCmd.PersistentFlags().String("out", "", "output directory")
	rootCmd.PersistentFlags().String("engine", "", "engine type (voicevox, command, mock)")
	rootCmd.PersistentFlags().String("episode-dict", "", "episode dictionary file")
	rootCmd.PersistentFlags().String("channel-dict", "", "channel dictionary file")
	rootCmd.PersistentFlags().String("override", "", "position override file")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	_ = v.BindPFlag("output.dir", rootCmd.PersistentFlags().Lookup("out"))
	_ = v.BindPFlag("engine.type", rootCmd.PersistentFlags().Lookup("engine"))
	_ = v.BindPFlag("dictionaries.episode", rootCmd.PersistentFlags().Lookup("episode-dict"))
	_ = v.BindPFlag("dictionaries.channel", rootCmd.PersistentFlags().Lookup("channel-dict"))
	_ = v.BindPFlag("dictionaries.overrides", rootCmd.PersistentFlags().Lookup("override"))
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	initSynthFlags()
	rootCmd.AddCommand(synthCmd, segmentsCmd, resolveCmd, configCmd, manCmd)
}

// findConfigFile returns the first existing yomi.yml in the config search
// path, or where a new one should be created.
func findConfigFile() (string, error) {
	scope := gap.NewScope(gap.User, "yomi")
	dirs, err := scope.ConfigDirs()
	if err != nil {
		return "", err
	}
	if c := os.Getenv("XDG_CONFIG_HOME"); c != "" {
		dirs = append([]string{filepath.Join(c, "yomi")}, dirs...)
	}
	if c := os.Getenv("YOMI_CONFIG_HOME"); c != "" {
		dirs = append([]string{c}, dirs...)
	}
	if len(dirs) == 0 {
		return "", errors.New("no configuration directory")
	}

	for _, dir := range dirs {
		path := filepath.Join(dir, config.FileName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return filepath.Join(dirs[0], config.FileName), nil
}
