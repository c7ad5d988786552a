package cli

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/storesync/internal/db"
	"github.com/livinlefevreloca/storesync/internal/models"
	"github.com/livinlefevreloca/storesync/internal/testutil"
)

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "storesync", cmd.Use)

	for _, path := range [][]string{{"serve"}, {"migrate"}, {"migrate", "status"}, {"run"}, {"logs", "export"}} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "migrate", "status", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "migrate", "--config", filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad", assert.AnError)))
}

// =============================================================================
// End to end against a temp database and in-memory stores
// =============================================================================

type env struct {
	config string
	dsn    string
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "storesync.db")
	path := filepath.Join(dir, "storesync.toml")

	content := `
[database]
dsn = "` + dsn + `"

[http]
enabled = false

[metrics]
enabled = false

[logging]
level = "error"

[[stores]]
id = "store-a"
tenant_id = "t1"
platform = "memory"

[[stores]]
id = "store-b"
tenant_id = "t1"
platform = "memory"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return env{config: path, dsn: dsn}
}

// seedRule writes a rule straight into the database the commands will open
func (e env) seedRule(t *testing.T, id string) {
	t.Helper()
	cfg := db.DefaultConfig()
	cfg.DSN = e.dsn
	database, err := db.OpenWithConfig(cfg)
	require.NoError(t, err)
	defer database.Close()

	testutil.InsertRule(t, database, testutil.MakeRule(id, "store-a", "store-b", models.SyncTypeInventory, models.ModeOneWay))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrateAndStatus(t *testing.T) {
	e := newEnv(t)

	_, err := execute(t, "migrate", "--config", e.config)
	require.NoError(t, err)

	out, err := execute(t, "migrate", "status", "--config", e.config, "--format", "json")
	require.NoError(t, err)

	var rows []migrationRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.NotEmpty(t, rows)
	for _, r := range rows {
		assert.True(t, r.Applied, "migration %d applied", r.Version)
	}

	out, err = execute(t, "migrate", "status", "--config", e.config)
	require.NoError(t, err)
	assert.Contains(t, out, "VERSION")
	assert.Contains(t, out, "001")
}

func TestRunAndExport(t *testing.T) {
	e := newEnv(t)
	_, err := execute(t, "migrate", "--config", e.config)
	require.NoError(t, err)
	e.seedRule(t, "r1")

	out, err := execute(t, "run", "r1", "--config", e.config, "--format", "json")
	require.NoError(t, err)

	var l models.SyncLog
	require.NoError(t, json.Unmarshal([]byte(out), &l))
	assert.Equal(t, "r1", l.RuleID)
	assert.Equal(t, models.RunSuccess, l.Status)
	assert.Equal(t, models.TriggerManual, l.Trigger)

	out, err = execute(t, "logs", "export", "--config", e.config, "--rule", "r1")
	require.NoError(t, err)
	records, err := csv.NewReader(bytes.NewBufferString(out)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 2)

	file := filepath.Join(t.TempDir(), "out.csv")
	_, err = execute(t, "logs", "export", "--config", e.config, "-o", file)
	require.NoError(t, err)
	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "success")
}

func TestRun_Errors(t *testing.T) {
	e := newEnv(t)

	_, err := execute(t, "run", "missing", "--config", e.config)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.True(t, models.IsNotFound(err))

	_, err = execute(t, "logs", "export", "--config", e.config, "--from", "soon")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
