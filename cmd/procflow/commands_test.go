package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// execute runs the root command against the bundled example models with an
// in-memory store.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	base := []string{
		"--config", filepath.Join(t.TempDir(), "settings.yaml"),
		"--store", "memory",
		"--models-dir", filepath.Join("..", "..", "examples"),
		"--log-level", "error",
	}
	rootCmd.SetArgs(append(base, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestValidateCommand(t *testing.T) {
	out, err := execute(t, "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "model Orders")
	assert.Contains(t, out, "model Reports")
}

func TestRunCommand(t *testing.T) {
	out, err := execute(t, "--retain-completed-tokens", "run", "/Orders/Intake", "-p", "amount=50", "-p", "customer=acme")
	require.NoError(t, err)

	var tc store.TokenContext
	require.NoError(t, json.Unmarshal([]byte(out), &tc))
	assert.Equal(t, schema.StateCompleted, tc.State)
	assert.Equal(t, "/Orders/Intake", tc.Process)
}

func TestRunCommand_SuspendsOnReview(t *testing.T) {
	out, err := execute(t, "--retain-completed-tokens", "run", "/Orders/Intake", "-p", "amount=500")
	require.NoError(t, err)

	var tc store.TokenContext
	require.NoError(t, json.Unmarshal([]byte(out), &tc))
	assert.Equal(t, schema.StateSuspended, tc.State)
	require.Len(t, tc.CallStack.Frames, 1)
	assert.Equal(t, "/Orders/Approval", tc.CallStack.Frames[0].Process)
}

func TestRunCommand_UnknownProcess(t *testing.T) {
	_, err := execute(t, "run", "/Orders/Nope")
	assert.Error(t, err)
}

func TestGraphCommand(t *testing.T) {
	out, err := execute(t, "graph", "/Orders/Intake", "--format", "mermaid")
	require.NoError(t, err)
	assert.Contains(t, out, "graph LR")
	assert.Contains(t, out, "Check")
}
