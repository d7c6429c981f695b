package logging

import (
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	dynamicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	levelName    atomic.Value
)

func initLevel(lvl string) {
	SetLevel(lvl)
}

func parseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetLevel swaps the level of every logger built by New.
func SetLevel(lvl string) {
	parsed := parseLevel(lvl)
	dynamicLevel.SetLevel(parsed)
	levelName.Store(parsed.String())
}

// GetLevel returns the current level name.
func GetLevel() string {
	if v, ok := levelName.Load().(string); ok {
		return v
	}
	return "info"
}

// LevelHandler serves GET (current level) and PUT ?v=debug|info|warn|error.
func LevelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut, http.MethodPost:
			lvl := r.URL.Query().Get("v")
			if lvl == "" {
				lvl = r.FormValue("v")
			}
			switch strings.ToLower(lvl) {
			case "debug", "info", "warn", "error":
			default:
				http.Error(w, "level must be debug/info/warn/error", http.StatusBadRequest)
				return
			}
			SetLevel(lvl)
			zap.L().Info("log level changed", zap.String("now", GetLevel()))
		case http.MethodGet:
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		_, _ = io.WriteString(w, GetLevel())
	}
}

// setupSignalHandler toggles between debug and info on every SIGHUP.
func setupSignalHandler() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	go func() {
		for range c {
			if GetLevel() == "debug" {
				SetLevel("info")
			} else {
				SetLevel("debug")
			}
			zap.L().Info("log level toggled", zap.String("now", GetLevel()))
		}
	}()
}
