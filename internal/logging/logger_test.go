package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": Debug, "": Info, "WARNING": Warn, " error ": Error}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("chatty")
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("logfmt")
	require.NoError(t, err)
	assert.Equal(t, Logfmt, f)
	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Debug, JSON, &buf).With(F("subsystem", "sdr"))
	l.Info("stream active", F("direction", "rx"), Field{Key: "", Value: "dropped"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "stream active", entry["msg"])
	assert.Equal(t, "sdr", entry["subsystem"])
	assert.Equal(t, "rx", entry["direction"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Warn, Logfmt, &buf)
	l.Debug("hidden")
	l.Info("hidden too")
	l.Warn("shown")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, 1, strings.Count(out, "shown"))
}

func TestDefaultNeverNil(t *testing.T) {
	assert.NotNil(t, Default())
	SetDefault(nil)
	assert.NotNil(t, Default())
}
