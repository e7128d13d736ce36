package bootstrap

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opencluster/execd/config"
)

// setupLogging builds the process-wide logger (§4.J step 5). With LogFile
// set, output goes through lumberjack so a long-running executive never
// fills the disk with one unbounded log; otherwise it goes to stderr,
// matching a foreground/systemd-journal run.
func setupLogging(cfg *config.Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	}

	var handler slog.Handler
	if cfg.LogMode == "json" {
		handler = slog.NewJSONHandler(w, nil)
	} else {
		handler = slog.NewTextHandler(w, nil)
	}
	return slog.New(handler)
}
