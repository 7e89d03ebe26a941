package cli

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/momentics/hioload-bus/control"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand()
	names := []string{}
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "derive-port")
	assert.Contains(t, names, "validate")
	assert.NotNil(t, cmd.PersistentFlags().Lookup("verbose"))
}

func TestRunCommand_RequiresConfig(t *testing.T) {
	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config")
}

func TestRunCommand_MissingFile(t *testing.T) {
	_, err := execute(t, "run", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`node_id: 65537
listen: {ip: 127.0.0.1, port: 7000}
peers:
  - {id: 65538, ip: 127.0.0.1, port: 7001}
`), 0o600))

	out, err := execute(t, "validate", path, "-v")
	require.NoError(t, err)
	assert.Contains(t, out, "node 0x00010001")
	assert.Contains(t, out, "1 peers")
	assert.Contains(t, out, "peer 0x00010002 127.0.0.1:7001")
}

func TestValidateCommand_Rejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: 0\n"), 0o600))

	_, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node_id")
}

func TestPortCommand_InvalidArgument(t *testing.T) {
	for _, arg := range []string{"0", "-1", "70000", "http"} {
		_, err := execute(t, "derive-port", arg)
		assert.Error(t, err, arg)
	}
}

func TestPortCommand_PrintsPort(t *testing.T) {
	out, err := execute(t, "derive-port", "39411")
	if err != nil {
		t.Skipf("no free port in range: %v", err)
	}
	assert.NotEmpty(t, strings.TrimSpace(out))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestNewLogHandler(t *testing.T) {
	_, isJSON := newLogHandler(control.LogConfig{Level: "info", Format: "json"}, false).(*slog.JSONHandler)
	assert.True(t, isJSON)

	h := newLogHandler(control.LogConfig{Level: "error", Format: "text"}, true)
	_, isText := h.(*slog.TextHandler)
	assert.True(t, isText)
	assert.True(t, h.Enabled(t.Context(), slog.LevelDebug))
}
