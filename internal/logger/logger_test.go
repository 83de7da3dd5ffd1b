package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetFormat("text")
	SetLevel("WARN")
	t.Cleanup(func() { SetLevel("INFO") })

	Info("hidden %d", 1)
	Warn("shown %d", 2)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[WARN] shown 2")
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel("debug")
	SetFormat("json")
	t.Cleanup(func() {
		SetFormat("text")
		SetLevel("INFO")
	})

	Debug("entry %s dropped", "abc")

	var line jsonLine
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &line))
	assert.Equal(t, "DEBUG", line.Level)
	assert.Equal(t, "entry abc dropped", line.Message)
}
