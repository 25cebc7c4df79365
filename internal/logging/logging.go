// Package logging configures the shared logrus logger used by every
// dispatch-core component. Components import it for side effects via
// Setup and then log through the package-level logrus API, matching the
// convention of sparse, leveled log lines (Debugf for protocol chatter,
// Warnf for recoverable faults, Errorf for terminal ones).
package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	setupOnce sync.Once
	writerMu  sync.Mutex
	fileLog   *lumberjack.Logger
)

// Formatter renders a single log entry as "[time] [level] [file:line] msg".
type Formatter struct{}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	timestamp := entry.Time.Format("2006-01-02 15:04:05")
	message := strings.TrimRight(entry.Message, "\r\n")
	if entry.Caller != nil {
		fmt.Fprintf(b, "[%s] [%s] [%s:%d] %s\n", timestamp, entry.Level, filepath.Base(entry.Caller.File), entry.Caller.Line, message)
	} else {
		fmt.Fprintf(b, "[%s] [%s] %s\n", timestamp, entry.Level, message)
	}
	return b.Bytes(), nil
}

// Setup installs the formatter and caller reporting once per process.
func Setup() {
	setupOnce.Do(func() {
		log.SetOutput(os.Stdout)
		log.SetReportCaller(true)
		log.SetFormatter(&Formatter{})
		log.RegisterExitHandler(closeFileOutput)
	})
}

// SetLevel sets the logrus level from a debug flag, logging the change
// when it actually flips.
func SetLevel(debug bool) {
	Setup()
	current := log.GetLevel()
	next := log.InfoLevel
	if debug {
		next = log.DebugLevel
	}
	if current != next {
		log.SetLevel(next)
		log.Infof("log level changed from %s to %s (debug=%t)", current, next, debug)
	}
}

// ToFile switches the log output to a rotating file under dir/filename,
// or back to stdout when dir is empty. Rotation is handled by lumberjack.
func ToFile(dir, filename string, maxSizeMB int) error {
	Setup()
	writerMu.Lock()
	defer writerMu.Unlock()

	if dir == "" {
		if fileLog != nil {
			_ = fileLog.Close()
			fileLog = nil
		}
		log.SetOutput(os.Stdout)
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: create log dir: %w", err)
	}
	if fileLog != nil {
		_ = fileLog.Close()
	}
	fileLog = &lumberjack.Logger{
		Filename: filepath.Join(dir, filename),
		MaxSize:  maxSizeMB,
		Compress: false,
	}
	log.SetOutput(fileLog)
	return nil
}

func closeFileOutput() {
	writerMu.Lock()
	defer writerMu.Unlock()
	if fileLog != nil {
		_ = fileLog.Close()
		fileLog = nil
	}
}
