// Package logging provides categorized debug logging for the pipeline.
// Each subsystem logs to its own named category so a noisy run can be
// filtered to the component under investigation. Output goes through a
// single rotating file sink; when logging is not initialized (tests,
// library use) every logger is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"
	CategoryConfig    Category = "config"
	CategoryFlow      Category = "flow"
	CategoryCompare   Category = "compare"
	CategoryOCR       Category = "ocr"
	CategorySignature Category = "signature"
	CategoryVerdict   Category = "verdict"
	CategoryVision    Category = "vision"
	CategoryBudget    Category = "budget"
	CategoryPolicy    Category = "policy"
	CategoryHealing   Category = "healing"
	CategoryRunner    Category = "runner"
	CategoryMaestro   Category = "maestro"
	CategoryFrames    Category = "frames"
	CategoryArtifact  Category = "artifact"
	CategoryStore     Category = "store"
)

// Options configures the shared sink. Zero values get defaults.
type Options struct {
	// Dir receives the rotating log file. Empty disables logging.
	Dir string
	// Debug enables debug-level output; otherwise info and up.
	Debug bool
	// Categories filters output per category when non-nil. Categories
	// absent from the map stay enabled.
	Categories map[string]bool

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu         sync.RWMutex
	base       *zap.Logger
	categories map[string]bool
	loggers    = map[Category]*Logger{}
)

// Initialize opens the shared rotating sink. Safe to call once at
// startup; calling again replaces the sink.
func Initialize(opts Options) error {
	if opts.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = 10
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = 5
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = 14
	}

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, "yeytest.log"),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	})

	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, level)

	mu.Lock()
	defer mu.Unlock()
	base = zap.New(core)
	categories = opts.Categories
	loggers = map[Category]*Logger{}
	return nil
}

// IsCategoryEnabled reports whether a category produces output.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if base == nil {
		return false
	}
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	if !ok {
		return true
	}
	return enabled
}

// Logger writes printf-style messages for one category. A Logger with
// no sink is a no-op, so callers never need to nil-check.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

// Get returns (or creates) the logger for a category.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	if base == nil {
		// Sink was closed between the enabled check and here.
		return &Logger{category: category}
	}
	l := &Logger{
		category: category,
		sugar:    base.Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// CloseAll flushes the sink. Call at shutdown.
func CloseAll() {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
	loggers = map[Category]*Logger{}
	base = nil
	categories = nil
}

// Timer measures one operation and logs its duration on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning when the duration exceeds the
// threshold, debug otherwise.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}

// =============================================================================
// CONVENIENCE FUNCTIONS - quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category.
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// Flow logs to the flow category.
func Flow(format string, args ...interface{}) {
	Get(CategoryFlow).Info(format, args...)
}

// FlowDebug logs debug to the flow category.
func FlowDebug(format string, args ...interface{}) {
	Get(CategoryFlow).Debug(format, args...)
}

// CompareDebug logs debug to the compare category.
func CompareDebug(format string, args ...interface{}) {
	Get(CategoryCompare).Debug(format, args...)
}

// OCRDebug logs debug to the ocr category.
func OCRDebug(format string, args ...interface{}) {
	Get(CategoryOCR).Debug(format, args...)
}

// OCRWarn logs warning to the ocr category.
func OCRWarn(format string, args ...interface{}) {
	Get(CategoryOCR).Warn(format, args...)
}

// SignatureDebug logs debug to the signature category.
func SignatureDebug(format string, args ...interface{}) {
	Get(CategorySignature).Debug(format, args...)
}

// Verdict logs to the verdict category.
func Verdict(format string, args ...interface{}) {
	Get(CategoryVerdict).Info(format, args...)
}

// VerdictDebug logs debug to the verdict category.
func VerdictDebug(format string, args ...interface{}) {
	Get(CategoryVerdict).Debug(format, args...)
}

// Vision logs to the vision category.
func Vision(format string, args ...interface{}) {
	Get(CategoryVision).Info(format, args...)
}

// VisionDebug logs debug to the vision category.
func VisionDebug(format string, args ...interface{}) {
	Get(CategoryVision).Debug(format, args...)
}

// VisionWarn logs warning to the vision category.
func VisionWarn(format string, args ...interface{}) {
	Get(CategoryVision).Warn(format, args...)
}

// BudgetDebug logs debug to the budget category.
func BudgetDebug(format string, args ...interface{}) {
	Get(CategoryBudget).Debug(format, args...)
}

// Policy logs to the policy category.
func Policy(format string, args ...interface{}) {
	Get(CategoryPolicy).Info(format, args...)
}

// PolicyDebug logs debug to the policy category.
func PolicyDebug(format string, args ...interface{}) {
	Get(CategoryPolicy).Debug(format, args...)
}

// Healing logs to the healing category.
func Healing(format string, args ...interface{}) {
	Get(CategoryHealing).Info(format, args...)
}

// HealingDebug logs debug to the healing category.
func HealingDebug(format string, args ...interface{}) {
	Get(CategoryHealing).Debug(format, args...)
}

// Runner logs to the runner category.
func Runner(format string, args ...interface{}) {
	Get(CategoryRunner).Info(format, args...)
}

// RunnerDebug logs debug to the runner category.
func RunnerDebug(format string, args ...interface{}) {
	Get(CategoryRunner).Debug(format, args...)
}

// MaestroDebug logs debug to the maestro category.
func MaestroDebug(format string, args ...interface{}) {
	Get(CategoryMaestro).Debug(format, args...)
}

// FramesDebug logs debug to the frames category.
func FramesDebug(format string, args ...interface{}) {
	Get(CategoryFrames).Debug(format, args...)
}

// ArtifactDebug logs debug to the artifact category.
func ArtifactDebug(format string, args ...interface{}) {
	Get(CategoryArtifact).Debug(format, args...)
}

// Store logs to the store category.
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}
