package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testEnv is a config file pointing at a temp database and object root.
type testEnv struct {
	dir    string
	db     string
	config string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	t.Setenv(ConfigEnv, "")

	dir := t.TempDir()
	e := testEnv{
		dir:    dir,
		db:     filepath.Join(dir, "tidemark.db"),
		config: filepath.Join(dir, "tidemark.yaml"),
	}
	cfg := fmt.Sprintf("log_level: error\nstore:\n  path: %s\nobjects:\n  root: %s\n", e.db, filepath.Join(dir, "objects"))
	require.NoError(t, os.WriteFile(e.config, []byte(cfg), 0o644))
	return e
}

type cliResult struct {
	stdout string
	stderr string
	code   int
}

func (e testEnv) run(t *testing.T, args ...string) cliResult {
	t.Helper()
	return e.runContext(t, context.Background(), args...)
}

func (e testEnv) runContext(t *testing.T, ctx context.Context, args ...string) cliResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(ctx, append([]string{"--config", e.config}, args...), &stdout, &stderr)
	return cliResult{stdout: stdout.String(), stderr: stderr.String(), code: code}
}

// decodeData unmarshals the data field of a JSON CLIResponse into target.
func decodeData(t *testing.T, stdout string, target any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	require.Equal(t, "ok", resp.Status, stdout)
	require.NoError(t, json.Unmarshal(resp.Data, target), stdout)
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "tidemark", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"blob", "put"}, {"blob", "get"},
		{"ingest"},
		{"item", "show"}, {"item", "list"}, {"item", "edges"}, {"item", "ancestry"},
		{"run", "show"}, {"run", "logs"}, {"run", "list"},
		{"task", "enqueue"}, {"task", "lease"}, {"task", "renew"}, {"task", "ack"},
		{"task", "fail"}, {"task", "show"}, {"task", "list"},
		{"work"},
		{"test"},
	}

	for _, path := range commands {
		t.Run(fmt.Sprint(path), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	assert.NotNil(t, cmd.PersistentFlags().Lookup("db"))
	assert.NotNil(t, cmd.PersistentFlags().Lookup("config"))
}

func TestExecute_InvalidFormat(t *testing.T) {
	e := newTestEnv(t)
	res := e.run(t, "--format", "xml", "item", "list")
	assert.Equal(t, ExitCommandError, res.code)
	assert.Contains(t, res.stderr, `invalid format "xml"`)
}

func TestExecute_UnknownFlag(t *testing.T) {
	e := newTestEnv(t)
	res := e.run(t, "item", "list", "--bogus")
	assert.Equal(t, ExitCommandError, res.code)
}

func TestExecute_JSONErrorEnvelope(t *testing.T) {
	e := newTestEnv(t)
	res := e.run(t, "--format", "json", "item", "show", "missing")
	assert.Equal(t, ExitFailure, res.code)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(res.stdout), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestLoadConfig(t *testing.T) {
	t.Run("missing env file uses defaults", func(t *testing.T) {
		t.Setenv(ConfigEnv, filepath.Join(t.TempDir(), "absent.yaml"))
		cfg, err := loadConfig(&RootOptions{})
		require.NoError(t, err)
		assert.Equal(t, "./tidemark.db", cfg.Store.Path)
	})

	t.Run("missing explicit file is an error", func(t *testing.T) {
		_, err := loadConfig(&RootOptions{ConfigPath: filepath.Join(t.TempDir(), "absent.yaml")})
		require.Error(t, err)
	})

	t.Run("db flag overrides file", func(t *testing.T) {
		e := newTestEnv(t)
		cfg, err := loadConfig(&RootOptions{ConfigPath: e.config, Database: "/tmp/other.db"})
		require.NoError(t, err)
		assert.Equal(t, "/tmp/other.db", cfg.Store.Path)
	})
}

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]string{"result": "success"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	require.NoError(t, formatter.Error("VALIDATION", "bad input", "field x"))
	assert.Contains(t, buf.String(), "Error [VALIDATION]: bad input")
	assert.Contains(t, buf.String(), "Details: field x")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "x")))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("wrapped: %w", WrapExitError(ExitFailure, "y", nil))))
	assert.Equal(t, ExitFailure, GetExitCode(fmt.Errorf("plain")))
}
