// Package logging provides categorized loggers for kindred subsystems.
// Each subsystem logs through a named child of a single process-wide zap
// logger so output can be filtered per category.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup and shutdown
	CategoryQueue    Category = "queue"    // Request queue lifecycle
	CategoryExecutor Category = "executor" // Model executor calls
	CategoryOrch     Category = "orch"     // Orchestrator drive loop
	CategoryCeremony Category = "ceremony" // Nightly ceremony scheduler
	CategoryPipeline Category = "pipeline" // Extraction/validation pipelines
	CategoryProvider Category = "provider" // Model provider clients
	CategoryStore    Category = "store"    // SQLite persistence
	CategoryConfig   Category = "config"   // Config loading and watching
)

var (
	mu    sync.RWMutex
	root  = zap.NewNop()
	named = make(map[Category]*zap.SugaredLogger)
)

// Initialize builds and installs the process-wide root logger.
// Safe to call more than once; the last call wins.
func Initialize(debug bool) error {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.Development = true
	}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	SetLogger(logger)
	return nil
}

// SetLogger installs an externally built root logger. Used by tests and by
// cmd/kindred, which configures zap itself before handing it over.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	named = make(map[Category]*zap.SugaredLogger)
}

// Get returns the sugared logger for a category.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := named[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := named[cat]; ok {
		return l
	}
	l := root.Named(string(cat)).Sugar()
	named[cat] = l
	return l
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
