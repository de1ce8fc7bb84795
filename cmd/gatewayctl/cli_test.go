package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/query-gateway/internal/billing"
	"github.com/vnmchuo/query-gateway/internal/credential"
	"github.com/vnmchuo/query-gateway/internal/provider"
)

const catalogYAML = `
providers:
  - name: openai
    credential_ref: OPENAI_API_KEY
    priority: 1
    timeout: 20s
    models: [gpt-4o-mini]
    cost_per_input_token: "0.00000015"
    cost_per_output_token: "0.0000006"
  - name: claude
    credential_ref: ANTHROPIC_API_KEY
    priority: 2
    models: [claude-3-5-haiku-20241022]
`

func executeCLI(t *testing.T, d deps, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(d)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeCatalog(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestCatalogValidate(t *testing.T) {
	path := writeCatalog(t, catalogYAML)
	stdout, err := executeCLI(t, deps{}, "catalog", "validate", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "catalog ok: 2 providers")
	assert.Contains(t, stdout, "gpt-4o-mini")
}

func TestCatalogValidate_MissingCredential(t *testing.T) {
	path := writeCatalog(t, catalogYAML)
	d := deps{credentials: credential.MapStore{"OPENAI_API_KEY": "sk-test"}}

	stdout, err := executeCLI(t, d, "catalog", "validate", "--file", path, "--check-credentials")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")
	assert.Contains(t, stdout, "OPENAI_API_KEY (ok)")
}

func TestCatalogValidate_Invalid(t *testing.T) {
	path := writeCatalog(t, "providers:\n  - name: openai\n    credential_ref: K\n    priority: 1\n")
	_, err := executeCLI(t, deps{}, "catalog", "validate", "--file", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no supported models")
}

func usageDeps(t *testing.T) deps {
	t.Helper()
	store := billing.NewMemoryStore()
	_, err := store.Apply(context.Background(), &billing.QueryRecord{
		ID: "r1", TenantID: "shop-1", Provider: provider.OpenAI,
		InputTokens: 100, OutputTokens: 50, Cost: decimal.RequireFromString("0.000045"),
		Outcome: billing.OutcomeSuccess, CreatedAt: time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return deps{openUsageStore: func(context.Context) (billing.Store, func(), error) {
		return store, func() {}, nil
	}}
}

func TestUsageDaily(t *testing.T) {
	stdout, err := executeCLI(t, usageDeps(t), "usage", "daily", "--tenant", "shop-1", "--from", "2026-06-01", "--to", "2026-06-03")
	require.NoError(t, err)
	assert.Contains(t, stdout, "2026-06-02")
	assert.Contains(t, stdout, "openai=150")
	assert.Contains(t, stdout, "0.000045")
}

func TestUsageDaily_JSON(t *testing.T) {
	stdout, err := executeCLI(t, usageDeps(t), "usage", "daily", "--tenant", "shop-1", "--from", "2026-06-01", "--to", "2026-06-03", "--json")
	require.NoError(t, err)

	var aggs []billing.DailyAggregate
	require.NoError(t, json.Unmarshal([]byte(stdout), &aggs))
	require.Len(t, aggs, 1)
	assert.Equal(t, int64(1), aggs[0].TotalQueries)
}

func TestUsageDaily_RequiresTenant(t *testing.T) {
	_, err := executeCLI(t, usageDeps(t), "usage", "daily")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "tenant" not set`)
}
