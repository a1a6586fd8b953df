package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/internal/config"
)

// TestParseSentinelOutput_RoundTrip is the literal sentinel-parse scenario:
// sentinel-framed JSON wins over surrounding debug output, a missing frame
// falls back to the last non-empty line, and a malformed fallback is an
// error.
func TestParseSentinelOutput_RoundTrip(t *testing.T) {
	stdout := "debug line\n---NANOCLAW_OUTPUT_START---\n{\"status\":\"success\",\"result\":\"hi\"}\n---NANOCLAW_OUTPUT_END---\n"

	env, err := parseSentinelOutput(stdout)
	require.NoError(t, err)
	assert.Equal(t, "success", env.Status)
	require.NotNil(t, env.Result)
	assert.Equal(t, "hi", *env.Result)
}

func TestParseSentinelOutput_EncodeDecodeEquality(t *testing.T) {
	session := "sess-42"
	original := outputEnvelope{Status: "success", Result: strPtr("done"), NewSessionID: &session}
	body, err := json.Marshal(original)
	require.NoError(t, err)

	stdout := "noise\n" + sentinelStart + "\n" + string(body) + "\n" + sentinelEnd + "\n"
	decoded, err := parseSentinelOutput(stdout)
	require.NoError(t, err)
	assert.Equal(t, original, *decoded)
}

func TestParseSentinelOutput_LastLineFallback(t *testing.T) {
	stdout := "debug line\n{\"status\":\"success\",\"result\":\"hi\"}\n"
	env, err := parseSentinelOutput(stdout)
	require.NoError(t, err)
	assert.Equal(t, "success", env.Status)
	require.NotNil(t, env.Result)
	assert.Equal(t, "hi", *env.Result)
}

func TestParseSentinelOutput_MalformedLastLine(t *testing.T) {
	_, err := parseSentinelOutput("debug line\nnot json at all\n")
	require.Error(t, err)
}

func TestParseSentinelOutput_Empty(t *testing.T) {
	_, err := parseSentinelOutput("")
	require.Error(t, err)
}

func TestParseSentinelOutput_ErrorEnvelope(t *testing.T) {
	stdout := sentinelStart + "\n{\"status\":\"error\",\"result\":null,\"error\":\"agent crashed\"}\n" + sentinelEnd
	env, err := parseSentinelOutput(stdout)
	require.NoError(t, err)
	assert.Equal(t, "error", env.Status)
	assert.Nil(t, env.Result)
	require.NotNil(t, env.Error)
	assert.Equal(t, "agent crashed", *env.Error)
}

func strPtr(s string) *string { return &s }

func TestBoundedBuffer_DropsBeyondCap(t *testing.T) {
	b := newBoundedBuffer(10)

	n, err := b.Write([]byte("12345"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.False(t, b.truncated)

	// Write crossing the cap keeps the fitting prefix and flags truncation.
	n, err = b.Write([]byte("6789AB"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.True(t, b.truncated)
	assert.Equal(t, "123456789A", b.String())

	// Further writes are dropped entirely.
	_, _ = b.Write([]byte("XYZ"))
	assert.Equal(t, "123456789A", b.String())
}

func TestBoundedBuffer_Tail(t *testing.T) {
	b := newBoundedBuffer(100)
	_, _ = b.Write([]byte("abcdefghij"))
	assert.Equal(t, "hij", b.tail(3))
	assert.Equal(t, "abcdefghij", b.tail(50))
}

func TestSanitizeEnvValue(t *testing.T) {
	assert.Equal(t, "one two three", sanitizeEnvValue("one\ntwo\r\nthree"))
}

func TestRun_RejectsInvalidFolderName(t *testing.T) {
	r := New(config.ContainerConfig{Image: "img", TimeoutSeconds: 1, MaxConcurrent: 1})
	t.Cleanup(r.Shutdown)

	_, err := r.Run(t.Context(), Request{GroupFolder: "../escape"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fails")
}

func TestBuildArgs_MountAndEnvShape(t *testing.T) {
	r := New(config.ContainerConfig{Image: "nanoclaw/sandbox:latest", TimeoutSeconds: 30, MaxConcurrent: 1})
	t.Cleanup(r.Shutdown)

	req := Request{
		GroupFolder: "family",
		Mounts: []Mount{
			{ContainerPath: "/workspace/project", HostPath: "/host/project", ReadOnly: true},
			{ContainerPath: "/workspace/group", HostPath: "/host/groups/family", ReadOnly: false},
		},
		APIKey: "key123",
		Model:  "gemini-2.0-flash",
		Input:  Input{SystemPrompt: "line one\nline two", EnableWebSearch: true},
	}

	args := r.buildArgs(req)
	joined := strings.Join(args, " ")

	assert.Equal(t, []string{"run", "-i", "--rm"}, args[:3])
	assert.Contains(t, joined, "--mount type=bind,source=/host/project,target=/workspace/project,readonly")
	assert.Contains(t, joined, "-v /host/groups/family:/workspace/group")
	assert.Contains(t, joined, "API_KEY=key123")
	assert.Contains(t, joined, "SYSTEM_PROMPT=line one line two")
	assert.Contains(t, joined, "ENABLE_WEB_SEARCH=1")
	assert.Equal(t, "nanoclaw/sandbox:latest", args[len(args)-1])
}

func TestWriteEnvFile_FiltersToAllowedKeys(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("NANOCLAW_TEST_ALLOWED", "yes")
	t.Setenv("NANOCLAW_TEST_SECRET", "no")

	require.NoError(t, WriteEnvFile(dir, []string{"NANOCLAW_TEST_ALLOWED", "NANOCLAW_TEST_MISSING"}))

	data, err := os.ReadFile(filepath.Join(dir, "container.env"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "NANOCLAW_TEST_ALLOWED=yes")
	assert.NotContains(t, content, "SECRET")
	assert.NotContains(t, content, "MISSING")
}
