package evaluation

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFmtLoggerRendersPairsAndFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := WithLoggerFields(NewFmtLogger(buf), map[string]any{"component": "worker"})

	logger.Info("case started", "uuid", "c1")

	line := buf.String()
	assert.Contains(t, line, "INFO")
	assert.Contains(t, line, "case started")
	assert.Contains(t, line, "component=worker")
	assert.Contains(t, line, "uuid=c1")
}

func TestFmtLoggerOddArgs(t *testing.T) {
	buf := &bytes.Buffer{}
	NewFmtLogger(buf).Warn("dangling", "key")
	assert.Contains(t, buf.String(), "!BADKEY=key")
}

func TestTextLoggerFiltersLevelsAndQuotes(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewTextLogger(buf, "warn")

	logger.Info("hidden")
	logger.Warn("shown", "error", "dial tcp: refused")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, `error="dial tcp: refused"`)
}

func TestFmtLoggerKeepsBoundFieldsFirst(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := WithLoggerFields(WithLoggerFields(NewFmtLogger(buf), map[string]any{"component": "worker"}), map[string]any{"uuid": "c1"})

	logger.Debug("tick", "abnormal", 2)

	line := buf.String()
	assert.Less(t, strings.Index(line, "component=worker"), strings.Index(line, "uuid=c1"))
	assert.Less(t, strings.Index(line, "uuid=c1"), strings.Index(line, "abnormal=2"))
}

func TestNormalizeLoggerFallback(t *testing.T) {
	logger := NormalizeLogger(nil)
	_, ok := logger.(*FmtLogger)
	assert.True(t, ok)
	assert.NotNil(t, logger.WithContext(context.Background()))
}

func TestJSONLoggerWritesStructuredFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := WithLoggerFields(NewJSONLogger(buf, "trace"), map[string]any{"uuid": "c1"})

	logger.Info("provisioned")

	out := buf.String()
	if strings.TrimSpace(out) == "" {
		t.Fatalf("expected go-logger output")
	}
	assert.Contains(t, out, "provisioned")
	assert.Contains(t, out, "c1")
}

func TestPanicHandlerLogs(t *testing.T) {
	buf := &bytes.Buffer{}
	handler := MakePanicHandler(LoggerPanicLogger(NewFmtLogger(buf)))

	func() {
		defer handler("reaper.sweep", map[string]any{"uuid": "c9"})
		panic("boom")
	}()

	out := buf.String()
	assert.Contains(t, out, "recovered from panic")
	assert.Contains(t, out, "func=reaper.sweep")
	assert.Contains(t, out, "uuid=c9")
}
