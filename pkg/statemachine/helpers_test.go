package statemachine

import (
	"fmt"
	"testing"
	"time"

	"github.com/fluxorio/switchboard/pkg/core"
)

// tLogger routes runtime logs through the test log so failures carry context.
type tLogger struct {
	t *testing.T
}

func testLogger(t *testing.T) core.Logger { return tLogger{t: t} }

func (l tLogger) log(level string, args ...interface{}) {
	l.t.Helper()
	l.t.Logf("[%s] %s", level, fmt.Sprint(args...))
}

func (l tLogger) logf(level, format string, args ...interface{}) {
	l.t.Helper()
	l.t.Logf("["+level+"] "+format, args...)
}

func (l tLogger) Error(args ...interface{})                 { l.log("ERROR", args...) }
func (l tLogger) Errorf(format string, args ...interface{}) { l.logf("ERROR", format, args...) }
func (l tLogger) Warn(args ...interface{})                  { l.log("WARN", args...) }
func (l tLogger) Warnf(format string, args ...interface{})  { l.logf("WARN", format, args...) }
func (l tLogger) Info(args ...interface{})                  { l.log("INFO", args...) }
func (l tLogger) Infof(format string, args ...interface{})  { l.logf("INFO", format, args...) }
func (l tLogger) Debug(args ...interface{})                 { l.log("DEBUG", args...) }
func (l tLogger) Debugf(format string, args ...interface{}) { l.logf("DEBUG", format, args...) }

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
