package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"trace":   TRACE,
		"DEBUG":   DEBUG,
		"info":    INFO,
		"warning": WARN,
		"warn":    WARN,
		"err":     ERROR,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		assert.Nil(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.NotNil(t, err)
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	assert.Nil(t, Init(&buf, WARN))
	defer Init(nil, TRACE) //nolint:errcheck // test cleanup

	l := NewLogger("bridge", 2)
	l.Debugf("hidden %d", 1)
	l.Warnf("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "bridge")
	assert.Contains(t, out, "logger_test.go")
}

func TestLoggerDisabled(t *testing.T) {
	assert.Nil(t, Init(nil, TRACE))
	// must not panic without a backend
	Errorf("nobody listens")
}
