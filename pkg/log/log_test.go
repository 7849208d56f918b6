package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/rs/zerolog"
)

func TestNewSlog(t *testing.T) {
	for _, format := range []string{FormatAuto, FormatConsole, FormatJSON, FormatTint} {
		log, err := NewSlog(format, "debug")
		assert.NoError(t, err)
		assert.NotEqual(t, nil, log)
	}

	_, err := NewSlog("xml", "info")
	assert.EqualError(t, err, `unknown log format "xml"`)

	_, err = NewSlog(FormatJSON, "loud")
	assert.Error(t, err)
}

func TestSlog(t *testing.T) {
	var buf bytes.Buffer
	log := Slog(newZerolog(&buf, zerolog.InfoLevel))

	log.Info("Partition assigned", "partition", 3)
	log.Debug("hidden")

	out := buf.String()
	assert.True(t, strings.Contains(out, "Partition assigned"), out)
	assert.True(t, strings.Contains(out, `"partition":3`), out)
	assert.False(t, strings.Contains(out, "hidden"), out)
}
