package logger

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAskData_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 4, 5, 6, 7, 891_000_000, time.FixedZone("x", 3600))
	assert.Equal(t, "2026-03-04T04:06:07.891Z", formatRFC3339Millis(ts))
}

func TestAskData_Logger_JSONDropsEmptyStrings(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithFormat(&buf, FormatJSON, false)
	log.Info("run finished", "request_id", "ab12cd34", "error", "")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ab12cd34", line["request_id"])
	assert.NotContains(t, line, "error")
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`, line["time"])
}

func TestAskData_Logger_VerboseEnablesDebug(t *testing.T) {
	t.Parallel()

	var quiet, verbose bytes.Buffer
	NewWithFormat(&quiet, FormatText, false).Debug("hidden")
	NewWithFormat(&verbose, FormatText, true).Debug("shown")

	assert.Empty(t, quiet.String())
	assert.Contains(t, verbose.String(), "shown")
}

func TestAskData_Logger_ParseFormat(t *testing.T) {
	t.Parallel()

	assert.Equal(t, FormatJSON, ParseFormat("json"))
	assert.Equal(t, FormatText, ParseFormat("text"))
	assert.Equal(t, FormatText, ParseFormat(""))
}
