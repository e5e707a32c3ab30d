// Package splitfatlog provides the ambient logging and progress-reporting
// facility shared by every SplitFAT engine component: a small Logger
// interface backed by logrus, with color-coded terminal output and
// mpb-backed progress bars for the long-running maintenance sweeps
// (integrity scrub, forced defrag).
package splitfatlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Logger is the subset of logging capability every engine component needs.
type Logger interface {
	Debugf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	IsDebugEnabled() bool
}

// Progress reports incremental completion of a long-running sweep (volume
// scrub, forced defragmentation sweep) over a known number of blocks.
type Progress interface {
	Increment(n int64)
	Finish(success bool)
}

// ProgressReporter creates Progress trackers.
type ProgressReporter interface {
	NewProgress(label string, total int64) Progress
}

// View bundles logging and progress reporting, the one object every
// VolumeManager is constructed with.
type View interface {
	Logger
	ProgressReporter
}

// CLI is a terminal-oriented Logger/ProgressReporter. The zero value logs at
// Info level with colors enabled.
type CLI struct {
	DisableColors bool
	Debug         bool

	lock              sync.Mutex
	tracking          bool
	bars              map[*mpb.Bar]bool
	progressContainer *mpb.Progress
}

// Debugf logs at debug level when Debug is enabled.
func (l *CLI) Debugf(format string, x ...interface{}) {
	if l.Debug {
		logrus.Debugf(format, x...)
	}
}

// Infof logs at info level.
func (l *CLI) Infof(format string, x ...interface{}) {
	logrus.Infof(format, x...)
}

// Warnf logs at warn level.
func (l *CLI) Warnf(format string, x ...interface{}) {
	logrus.Warnf(format, x...)
}

// Errorf logs at error level.
func (l *CLI) Errorf(format string, x ...interface{}) {
	logrus.Errorf(format, x...)
}

// IsDebugEnabled reports whether debug-level logging is enabled.
func (l *CLI) IsDebugEnabled() bool {
	return l.Debug || logrus.IsLevelEnabled(logrus.DebugLevel)
}

// NewProgress creates a progress bar for a sweep of `total` units.
func (l *CLI) NewProgress(label string, total int64) Progress {
	l.lock.Lock()
	defer l.lock.Unlock()

	if !l.tracking {
		l.tracking = true
		l.progressContainer = mpb.New(mpb.WithWidth(64))
		l.bars = make(map[*mpb.Bar]bool)
	}

	bar := l.progressContainer.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight}),
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done"),
		),
		mpb.AppendDecorators(decor.Percentage()),
	)
	l.bars[bar] = true

	return &progress{cli: l, bar: bar, total: total, nextUpdate: time.Now()}
}

type progress struct {
	cli        *CLI
	bar        *mpb.Bar
	total      int64
	done       int64
	closed     bool
	nextUpdate time.Time
}

func (p *progress) Increment(n int64) {
	p.done += n
	p.bar.IncrInt64(n)
}

func (p *progress) Finish(success bool) {
	if p.closed {
		return
	}
	p.closed = true
	if !success || p.done != p.total {
		p.bar.Abort(false)
	}

	p.cli.lock.Lock()
	defer p.cli.lock.Unlock()
	delete(p.cli.bars, p.bar)
	if len(p.cli.bars) == 0 {
		p.cli.tracking = false
		p.cli.progressContainer.Wait()
		p.cli.progressContainer = nil
	}
}

// Format implements logrus.Formatter, color-coding the output by level.
func (l *CLI) Format(entry *logrus.Entry) ([]byte, error) {
	faint := color.New(color.Faint).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	blue := color.New(color.FgBlue).SprintFunc()

	msg := entry.Message
	if !l.DisableColors {
		switch entry.Level {
		case logrus.TraceLevel, logrus.DebugLevel:
			msg = blue(msg)
		case logrus.WarnLevel:
			msg = yellow(msg)
		case logrus.ErrorLevel:
			msg = red(msg)
		default:
			msg = faint(msg)
		}
	}

	return []byte(fmt.Sprintf("%s\n", msg)), nil
}

// Discard is a no-op Logger/ProgressReporter for tests and callers that
// want silence.
var Discard View = discard{}

type discard struct{}

func (discard) Debugf(string, ...interface{}) {}
func (discard) Infof(string, ...interface{})  {}
func (discard) Warnf(string, ...interface{})  {}
func (discard) Errorf(string, ...interface{}) {}
func (discard) IsDebugEnabled() bool          { return false }
func (discard) NewProgress(string, int64) Progress {
	return discardProgress{}
}

type discardProgress struct{}

func (discardProgress) Increment(int64)  {}
func (discardProgress) Finish(bool)      {}
