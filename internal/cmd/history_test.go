package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/ralph/internal/history"
)

func seedHistory(t *testing.T, dir string) {
	t.Helper()
	store, err := history.NewStore(filepath.Join(dir, ".ralph", "history.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	for _, a := range []*history.Attempt{
		{RunID: "run-0001-abcdef", Project: "shop", TaskID: "US-001", Backend: "claude", Attempt: 1,
			ErrorCode: "timeout", Reason: "timed out after 30m0s", Diagnosis: "**ROOT CAUSE:** tests hang\nAVOID: sleeping", CostUSD: 0.5},
		{RunID: "run-0001-abcdef", Project: "shop", TaskID: "US-001", Backend: "claude", Attempt: 2, Success: true, CostUSD: 0.25},
		{RunID: "run-0002", Project: "blog", TaskID: "B-1", Backend: "codex", Attempt: 1, ErrorCode: "max_turns", CostUSD: 1},
	} {
		require.NoError(t, store.Record(ctx, a))
	}
}

func TestHistoryCommandSummary(t *testing.T) {
	dir := t.TempDir()
	seedHistory(t, dir)

	output, err := execute(t, "history", "--dir", dir, "--project", "shop")
	require.NoError(t, err)
	assert.Contains(t, output, "Attempt History for shop")
	assert.Contains(t, output, "US-001")
	assert.Contains(t, output, "attempts=2")
	assert.Contains(t, output, "last=success")
	assert.Contains(t, output, "Total cost: $0.7500")
	assert.NotContains(t, output, "B-1")
}

func TestHistoryCommandAllProjects(t *testing.T) {
	dir := t.TempDir()
	seedHistory(t, dir)

	output, err := execute(t, "history", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, output, "all projects")
	assert.Contains(t, output, "B-1")
	assert.Contains(t, output, "last=max_turns")
}

func TestHistoryCommandTaskDetail(t *testing.T) {
	dir := t.TempDir()
	seedHistory(t, dir)

	output, err := execute(t, "history", "--dir", dir, "US-001")
	require.NoError(t, err)
	assert.Contains(t, output, "Attempts of US-001")
	assert.Contains(t, output, "run run-0001 attempt 2 (claude)")
	assert.Contains(t, output, "PASSED")
	assert.Contains(t, output, "FAILED (timeout)")
	assert.Contains(t, output, "Reason: timed out after 30m0s")
	assert.Contains(t, output, "Diagnosis: ROOT CAUSE: tests hang")
}

func TestHistoryCommandEmpty(t *testing.T) {
	dir := t.TempDir()

	output, err := execute(t, "history", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, output, "No attempt history found")

	seedHistory(t, dir)
	output, err = execute(t, "history", "--dir", dir, "US-999")
	require.NoError(t, err)
	assert.Contains(t, output, "No attempts recorded for task US-999")
}

func TestRunRecordsHistory(t *testing.T) {
	p := newTestProject(t, testDoc, passingAgent, true)

	_, err := p.run(t)
	require.NoError(t, err)

	output, err := execute(t, "history", "--dir", p.dir, "--project", "shop")
	require.NoError(t, err)
	assert.Contains(t, output, "US-001")
	assert.Contains(t, output, "US-002")
	assert.Contains(t, output, "Total attempts: 2 (2 successful)")
}
