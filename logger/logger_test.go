package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLoggerFunctions(t *testing.T) {
	Init("invalid") // should default to info
	if log == nil {
		t.Fatal("log not initialized")
	}
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level, got %s", log.GetLevel())
	}
	// Avoid os.Exit on Fatal
	log.ExitFunc = func(int) {}

	Trace("trace")
	Debug("debug")
	Info("info")
	Warn("warn")
	Error("error")
	Tracef("%s", "tracef")
	Debugf("%s", "debugf")
	Infof("%s", "infof")
	Warnf("%s", "warnf")
	Errorf("%s", "errorf")
	Fatal("fatal")
	Fatalf("%s", "fatalf")
}

func TestTraceLevelFiltering(t *testing.T) {
	Init("info")
	var buf bytes.Buffer
	log.SetOutput(&buf)
	Trace("hidden trace")
	if buf.Len() != 0 {
		t.Fatalf("expected trace to be filtered at info level, got %q", buf.String())
	}
	if TraceEnabled() {
		t.Fatal("trace should be disabled at info level")
	}

	Init("trace")
	log.SetOutput(&buf)
	Trace("visible trace")
	if !strings.Contains(buf.String(), "visible trace") {
		t.Fatalf("expected trace output, got %q", buf.String())
	}
}

func TestWithFields(t *testing.T) {
	Init("info")
	var buf bytes.Buffer
	log.SetOutput(&buf)
	WithFields(map[string]interface{}{"rule": "StaleScript"}).Info("finding")
	if !strings.Contains(buf.String(), "rule=StaleScript") {
		t.Fatalf("expected structured field, got %q", buf.String())
	}
	Init("error")
}
