package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	gap "github.com/muesli/go-app-paths"
)

func getLogFilePath() (string, error) {
	dir, err := gap.NewScope(gap.User, "yomi").CacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "yomi.log"), nil
}

// setupLog sends log lines to stderr and appends them to path, or to the
// default log file in the user cache dir when path is empty.
func setupLog(path, level string) (func() error, error) {
	if path == "" {
		p, err := getLogFilePath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	log.SetLevel(lvl)
	log.SetReportTimestamp(true)
	return f.Close, nil
}
