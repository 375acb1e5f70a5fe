package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "quarry.log")

	l, err := New(Config{Level: "debug", File: path})
	require.NoError(t, err)
	defer l.Close()

	zl := l.Zerolog()
	zl.Info().Str("component", "test").Msg("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), "hello")
}

func TestNewInvalidLevelFallsBack(t *testing.T) {
	l, err := New(Config{Level: "shout"})
	require.NoError(t, err)
	defer l.Close()

	assert.Equal(t, "info", l.Zerolog().GetLevel().String())
}

func TestFileOutputRedactsKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.log")

	l, err := New(Config{Level: "info", File: path})
	require.NoError(t, err)
	defer l.Close()

	zl := l.Zerolog()
	zl.Error().
		Str("detail", "request with sk-ant-REDACTED failed").
		Msg("provider error")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-ant-abcdefghijklmnop")
	assert.Contains(t, string(data), "[REDACTED]")
}

func TestRedactor(t *testing.T) {
	r := NewRedactor()

	cases := map[string]string{
		"key sk-ant-REDACTED ok": "key [REDACTED] ok",
		"key sk-abcdefghijklmnopqrstuvwxyz ok":     "key [REDACTED] ok",
		"Authorization: Bearer abc.def.ghi":        "Authorization: [REDACTED]",
		"plain text stays":                         "plain text stays",
	}
	for in, want := range cases {
		assert.Equal(t, want, r.Redact(in))
	}

	redacted := r.Redact(`"secret": "hunter2"`)
	assert.False(t, strings.Contains(redacted, "hunter2"))
}
