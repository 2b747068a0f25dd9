package common

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/getlantern/authflow/app"
	"github.com/getlantern/authflow/common/env"
	"github.com/getlantern/authflow/common/reporting"
	"github.com/getlantern/authflow/internal"
)

const defaultLogLevel = "info"

var (
	initMutex   sync.Mutex
	initialized bool
	logFile     *lumberjack.Logger
	fileLevel   slog.Level
)

// Init initializes the common components of the application. This includes setting up the directories
// for data and logs, initializing the logger, and setting up reporting.
func Init(dataDir, logDir, logLevel string) error {
	initMutex.Lock()
	defer initMutex.Unlock()
	if initialized {
		return nil
	}

	reporting.Init(Version)
	if dataDir == "" {
		dataDir, _ = env.Get[string](env.DataPath)
	}
	if logDir == "" {
		logDir, _ = env.Get[string](env.LogPath)
	}
	dataDir, logDir, err := SetupDirectories(dataDir, logDir)
	if err != nil {
		return fmt.Errorf("failed to setup directories: %w", err)
	}

	err = initLogger(filepath.Join(logDir, app.LogFileName), logLevel)
	if err != nil {
		return fmt.Errorf("initialize log: %w", err)
	}
	initialized = true
	return nil
}

// initLogger reconfigures the default slog.Logger to write to a rotating file and stdout and sets the
// log level. The log level is determined, first by the environment variable if set and valid, then by
// the provided level. If both are invalid and/or not set, it defaults to "info".
func initLogger(logPath, level string) error {
	lvl, err := internal.ParseLogLevel(defaultLogLevel)
	if err != nil {
		return err
	}
	envLvl, _ := env.Get[string](env.LogLevel)
	if envLvl != "" {
		if parsed, err := internal.ParseLogLevel(envLvl); err != nil {
			slog.Warn("Failed to parse "+env.LogLevel, "error", err)
		} else {
			lvl = parsed
			level = ""
		}
	}
	if level != "" {
		if parsed, err := internal.ParseLogLevel(level); err != nil {
			slog.Warn("Failed to parse given log level", "error", err)
		} else {
			lvl = parsed
		}
	}
	slog.SetLogLoggerLevel(lvl)

	f := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
	}
	// make sure the file is writable before handing it to the logger
	if _, err := f.Write(nil); err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logFile, fileLevel = f, lvl
	slog.SetDefault(internal.NewLogger(io.MultiWriter(os.Stdout, f), lvl))
	return nil
}

// Close flushes and closes the log file. It is safe to call Close more than once.
func Close(context.Context) error {
	initMutex.Lock()
	defer initMutex.Unlock()
	initialized = false
	if logFile == nil {
		return nil
	}
	// stop writing to the file before closing it; lumberjack reopens on write
	slog.SetDefault(internal.NewLogger(os.Stdout, fileLevel))
	err := logFile.Close()
	logFile = nil
	return err
}
