// Package logging provides categorized structured logging for storyloom.
// Each pipeline subsystem logs under its own named category so a single run
// can be filtered down to scheduler admissions, decode repairs, or
// regeneration decisions.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and configuration
	CategoryScheduler Category = "scheduler" // Admission decisions, dispatch timing
	CategoryProvider  Category = "provider"  // Text-generation API calls
	CategoryDecode    Category = "decode"    // Response decoding and repair stages
	CategoryQuality   Category = "quality"   // Quality gate decisions
	CategoryRegen     Category = "regen"     // Regeneration loop progress
)

var (
	mu      sync.RWMutex
	base    *zap.Logger
	loggers = make(map[Category]*zap.SugaredLogger)
)

// Initialize builds the process logger. debug enables development encoding
// and debug-level output. Safe to call more than once; the last call wins.
func Initialize(debug bool) error {
	config := zap.NewProductionConfig()
	if debug {
		config = zap.NewDevelopmentConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}

	mu.Lock()
	base = logger
	loggers = make(map[Category]*zap.SugaredLogger)
	mu.Unlock()
	return nil
}

// Get returns the logger for a category, creating it on first use.
// Before Initialize is called, loggers are no-ops.
func Get(cat Category) *zap.SugaredLogger {
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
	root := base
	if root == nil {
		root = zap.NewNop()
	}
	l := root.Named(string(cat)).Sugar()
	loggers[cat] = l
	return l
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if base != nil {
		_ = base.Sync()
	}
}

// Scheduler logs an info message to the scheduler category.
func Scheduler(format string, args ...interface{}) {
	Get(CategoryScheduler).Infof(format, args...)
}

// SchedulerDebug logs a debug message to the scheduler category.
func SchedulerDebug(format string, args ...interface{}) {
	Get(CategoryScheduler).Debugf(format, args...)
}

// Regen logs an info message to the regeneration category.
func Regen(format string, args ...interface{}) {
	Get(CategoryRegen).Infof(format, args...)
}

// Decode logs a debug message to the decode category. Repair-stage logging is
// debug-only; it is noisy on malformed providers.
func Decode(format string, args ...interface{}) {
	Get(CategoryDecode).Debugf(format, args...)
}
