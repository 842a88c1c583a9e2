// Package logging provides categorized diagnostic logging for storyloom.
// Each subsystem logs under its own named category so a single run can be
// traced across the activation, assembly, and pipeline layers. Before Init
// is called every category resolves to a no-op logger, which keeps the
// library packages silent when embedded.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a logging subsystem.
type Category string

const (
	CategoryActivation Category = "activation" // worldbook keyword scanning
	CategoryMacro      Category = "macro"      // macro expansion
	CategoryPrompt     Category = "prompt"     // prompt assembly
	CategoryRewrite    Category = "rewrite"    // regex rule application
	CategoryPipeline   Category = "pipeline"   // stage orchestration
	CategoryImage      Category = "image"      // image generation
	CategoryTTS        Category = "tts"        // dialogue audio synthesis
	CategoryRunLog     Category = "runlog"     // telemetry sink
	CategorySession    Category = "session"    // chat session updates
)

var (
	mu      sync.RWMutex
	base    = zap.NewNop()
	loggers = make(map[Category]*zap.SugaredLogger)
)

// Init installs a real logger. With debug=true a development config is used
// (console encoding, debug level); otherwise the production config.
func Init(debug bool) error {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
	}

	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	SetLogger(logger)
	return nil
}

// SetLogger replaces the backing logger. Mainly used by tests and by
// embedders that already carry a configured zap logger.
func SetLogger(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	base = logger
	loggers = make(map[Category]*zap.SugaredLogger)
}

// L returns the sugared logger for a category.
func L(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := base.Named(string(cat)).Sugar()
	loggers[cat] = l
	return l
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}
