package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Service202508/BattwheelsGarages-sub003/internal/catalog"
	"github.com/Service202508/BattwheelsGarages-sub003/internal/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
[[card]]
title = "BMS cell imbalance cutoff"
subsystem = "bms"
symptom_text = "Vehicle cuts out under load while battery shows 40 percent"
error_codes = ["BMS-017"]
root_cause = "Weak cell group drops below cutoff under load"
approve = true

  [[card.steps]]
  action = "Replace weak cell group"
  minutes = 90
`

// writeTestConfig writes a config that keeps everything local: SQLite in a
// temp dir, no vector index, no broker, no cache.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf(`
database:
  path: %s
vectorstore:
  provider: none
logging:
  level: error
`, filepath.Join(dir, "cards.db"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(&errOut)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
	assert.Contains(t, out, "Commit:")
}

func TestSeedAndMatch(t *testing.T) {
	cfgPath := writeTestConfig(t)
	catPath := filepath.Join(t.TempDir(), "cards.toml")
	require.NoError(t, os.WriteFile(catPath, []byte(testCatalog), 0o600))

	out, err := execute(t, "--config", cfgPath, "seed", "--actor", "ops", catPath)
	require.NoError(t, err)
	var res catalog.ImportResult
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	require.Len(t, res.Created, 1)
	assert.Equal(t, res.Created, res.Approved)
	failureID := res.Created[0]

	out, err = execute(t, "--config", cfgPath, "seed", catPath)
	require.NoError(t, err)
	res = catalog.ImportResult{}
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	assert.Empty(t, res.Created)
	assert.Equal(t, []string{"BMS cell imbalance cutoff"}, res.Skipped)

	out, err = execute(t, "--config", cfgPath, "match",
		"--symptoms", "scooter cuts out under load",
		"--error-code", "bms-017",
	)
	require.NoError(t, err)
	var resp failure.MatchResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.NotEmpty(t, resp.Matches)
	assert.Equal(t, "BMS cell imbalance cutoff", resp.Matches[0].Title)
	assert.Equal(t, failureID, resp.Matches[0].FailureID)
}

func TestSeed_DryRunWritesNothing(t *testing.T) {
	cfgPath := writeTestConfig(t)
	catPath := filepath.Join(t.TempDir(), "cards.toml")
	require.NoError(t, os.WriteFile(catPath, []byte(testCatalog), 0o600))

	_, err := execute(t, "--config", cfgPath, "seed", "--dry-run", catPath)
	require.NoError(t, err)

	out, err := execute(t, "--config", cfgPath, "match", "--error-code", "BMS-017")
	require.NoError(t, err)
	var resp failure.MatchResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Empty(t, resp.Matches)
}

func TestCommandErrors(t *testing.T) {
	cfgPath := writeTestConfig(t)

	_, err := execute(t, "--config", cfgPath, "match")
	assert.ErrorContains(t, err, "--symptoms")

	_, err = execute(t, "--config", cfgPath, "match", "--ticket", "T-404")
	assert.ErrorIs(t, err, failure.ErrTicketNotFound)

	_, err = execute(t, "--config", cfgPath, "seed", filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = execute(t, "seed")
	assert.Error(t, err)

	_, err = execute(t, "--config", cfgPath, "seed", "--watch", "--dry-run", "cards.toml")
	assert.ErrorContains(t, err, "none of the others can be")
}
