package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callcore/pkg/logging"
	"github.com/arzzra/callcore/pkg/metrics"
)

const twoCalls = `
name: two outgoing calls
steps:
  - {action: begin, uri: alice, as: alice}
  - {action: begin, uri: bob, as: bob}
  - {action: expect, session: bob, want: {state: initializing}}
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReplaySampleScenarios(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("..", "..", "..", "pkg", "scenario", "testdata", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	args := append([]string{"replay", "--default-domain", "example.com", "--max-outgoing", "4", "--log-level", "error"}, files...)
	out, err := execute(t, args...)
	require.NoError(t, err, out)
	assert.Contains(t, out, "PASS outgoing SRTP call with hold and a failed transfer")
	assert.Contains(t, out, "PASS conference of an outgoing and an incoming call")
	assert.Contains(t, out, "PASS DTLS-SRTP call with DTMF, recording and RTP statistics")
	assert.Contains(t, out, "transfer_bytes=400")
}

func TestReplayUsesConfigFile(t *testing.T) {
	scenarioPath := writeFile(t, "calls.yaml", twoCalls)

	out, err := execute(t, "replay", "--log-level", "error", scenarioPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "PASS two outgoing calls")

	cfg := writeFile(t, "callcore.yaml", "max_outgoing: 1\ndefault_domain: example.com\n")
	out, err = execute(t, "replay", "--config", cfg, "--log-level", "error", scenarioPath)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrScenarioFailed))
	assert.Contains(t, out, "FAIL two outgoing calls")
	assert.Contains(t, out, "step 2 (begin)")
}

func TestReplayReadsEnvironment(t *testing.T) {
	t.Setenv("CALLCORE_MAX_OUTGOING", "1")
	scenarioPath := writeFile(t, "calls.yaml", twoCalls)

	_, err := execute(t, "replay", "--log-level", "error", scenarioPath)
	assert.True(t, errors.Is(err, ErrScenarioFailed))
}

func TestReplayInvalidInput(t *testing.T) {
	_, err := execute(t, "replay", "--log-level", "loud", writeFile(t, "calls.yaml", twoCalls))
	assert.Error(t, err)

	_, err = execute(t, "replay", "--log-level", "error", writeFile(t, "bad.yaml", "steps: [{action: dance}]"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrScenarioFailed))

	_, err = execute(t, "replay", "--max-outgoing", "0", "--log-level", "error", writeFile(t, "calls.yaml", twoCalls))
	assert.Error(t, err)

	_, err = execute(t, "replay", "--config", filepath.Join(t.TempDir(), "missing.yaml"), writeFile(t, "calls.yaml", twoCalls))
	assert.Error(t, err)

	_, err = execute(t, "replay")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "callcore ")
}

func TestServeMetrics(t *testing.T) {
	collector := metrics.New(metrics.DefaultConfig())
	collector.SessionStarted("outgoing")

	addr, stop, err := serveMetrics(context.Background(), "127.0.0.1:0", collector, logging.NoOpLogger{})
	require.NoError(t, err)
	defer stop()

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "callcore_session_sessions_total")
}
