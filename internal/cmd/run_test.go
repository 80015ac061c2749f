package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/harrison/ralph/internal/executor"
	"github.com/harrison/ralph/internal/filelock"
	"github.com/harrison/ralph/internal/logger"
	"github.com/harrison/ralph/internal/models"
	"github.com/harrison/ralph/internal/state"
)

const testDoc = `{
  "project": "shop",
  "branchName": "ralph/login",
  "userStories": [
    {"id": "US-002", "title": "Logout", "acceptanceCriteria": ["Session cleared"], "priority": 2, "passes": false, "notes": ""},
    {"id": "US-001", "title": "Login", "acceptanceCriteria": ["Form renders"], "priority": 1, "passes": false, "notes": ""}
  ]
}`

const (
	passingAgent = `echo '{"type":"result","is_error":false,"result":"all criteria verified","total_cost_usd":0.02,"num_turns":3}'`
	failingAgent = `echo "compile error" >&2; exit 1`
)

// testProject is a temporary project directory with a task document, a fake
// claude binary and a config file pointing at it.
type testProject struct {
	dir     string
	docPath string
	bin     string
}

func newTestProject(t *testing.T, doc, agent string, history bool) *testProject {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}

	dir := t.TempDir()
	p := &testProject{
		dir:     dir,
		docPath: filepath.Join(dir, "prd.json"),
		bin:     filepath.Join(dir, "fake-claude"),
	}
	require.NoError(t, os.WriteFile(p.docPath, []byte(doc), 0644))
	p.setAgent(t, agent)

	cfg := "binary: " + p.bin + "\nhistory:\n  enabled: " + map[bool]string{true: "true", false: "false"}[history] + "\n"
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".ralph"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".ralph", "config.yaml"), []byte(cfg), 0644))
	return p
}

func (p *testProject) setAgent(t *testing.T, body string) {
	t.Helper()
	script := "#!/bin/sh\necho called >> " + filepath.Join(p.dir, "calls") + "\n" + body + "\n"
	require.NoError(t, os.WriteFile(p.bin, []byte(script), 0755))
}

// calls counts backend invocations.
func (p *testProject) calls(t *testing.T) int {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(p.dir, "calls"))
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return strings.Count(string(data), "called")
}

func (p *testProject) stateFile() string {
	return filepath.Join(p.dir, ".ralph", "state.json")
}

func (p *testProject) task(t *testing.T, id, field string) gjson.Result {
	t.Helper()
	data, err := os.ReadFile(p.docPath)
	require.NoError(t, err)
	return gjson.GetBytes(data, `userStories.#(id=="`+id+`").`+field)
}

// execute runs the root command with args and returns the combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func (p *testProject) run(t *testing.T, flags ...string) (string, error) {
	t.Helper()
	args := append([]string{"run", "--dir", p.dir}, flags...)
	return execute(t, append(args, p.docPath)...)
}

func TestRunCommandAllTasksPass(t *testing.T) {
	p := newTestProject(t, testDoc, passingAgent, false)

	output, err := p.run(t)
	require.NoError(t, err)
	assert.Equal(t, executor.ExitOK, ExitCode(err))
	assert.Contains(t, output, "All tasks passed")
	assert.Equal(t, 2, p.calls(t))

	assert.True(t, p.task(t, "US-001", "passes").Bool())
	assert.True(t, p.task(t, "US-002", "passes").Bool())
	assert.Contains(t, p.task(t, "US-001", "notes").String(), "passed on attempt 1 of 3")

	runs, err := state.Load(p.stateFile())
	require.NoError(t, err)
	require.Contains(t, runs, "shop")
	assert.Equal(t, "ralph/login", runs["shop"].Branch)
	assert.NotNil(t, runs["shop"].FinishedAt)
	assert.Equal(t, models.StatusSuccess, runs["shop"].Tasks["US-001"].Status)
	assert.InDelta(t, 0.02, runs["shop"].Tasks["US-001"].CostUSD, 1e-9)

	_, err = os.Lstat(filepath.Join(p.dir, ".ralph", "logs", "latest.log"))
	assert.NoError(t, err)
	prompts, err := filepath.Glob(filepath.Join(p.dir, ".ralph", "runs", "*", "US-001", "attempt-1", executor.ArtifactPrompt))
	require.NoError(t, err)
	assert.Len(t, prompts, 1)
}

func TestRunCommandFailedTaskExitsIncomplete(t *testing.T) {
	p := newTestProject(t, testDoc, failingAgent, false)

	_, err := p.run(t, "--max-retries", "2")
	require.Error(t, err)
	assert.Equal(t, executor.ExitIncomplete, ExitCode(err))
	assert.Contains(t, err.Error(), "2 task(s) failed")
	assert.Equal(t, 4, p.calls(t))

	assert.False(t, p.task(t, "US-001", "passes").Bool())
	assert.True(t, strings.HasPrefix(p.task(t, "US-001", "notes").String(), "failed after 2 attempts"))
}

func TestRunCommandResumeWithLargerBudget(t *testing.T) {
	p := newTestProject(t, testDoc, failingAgent, false)

	_, err := p.run(t, "--max-retries", "1")
	require.Error(t, err)
	assert.Equal(t, 2, p.calls(t))

	p.setAgent(t, passingAgent)
	_, err = p.run(t, "--resume", "--max-retries", "2")
	require.NoError(t, err)
	assert.Equal(t, 4, p.calls(t))

	runs, err := state.Load(p.stateFile())
	require.NoError(t, err)
	ts := runs["shop"].Tasks["US-001"]
	assert.Equal(t, models.StatusSuccess, ts.Status)
	assert.Equal(t, 2, ts.Attempts)
	require.Len(t, ts.Errors, 1)
	assert.Equal(t, models.ErrorGeneric, ts.Errors[0].Code)
	assert.Contains(t, p.task(t, "US-001", "notes").String(), "passed on attempt 2 of 2")
}

func TestRunCommandDryRun(t *testing.T) {
	p := newTestProject(t, testDoc, passingAgent, false)
	before, err := os.ReadFile(p.docPath)
	require.NoError(t, err)

	output, err := p.run(t, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, output, "Prompts written to")
	assert.Equal(t, 0, p.calls(t))

	after, err := os.ReadFile(p.docPath)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	_, err = os.Stat(p.stateFile())
	assert.True(t, os.IsNotExist(err), "dry run must not create the state file")

	prompts, err := filepath.Glob(filepath.Join(p.dir, ".ralph", "runs", "*", "*", "attempt-1", executor.ArtifactPrompt))
	require.NoError(t, err)
	assert.Len(t, prompts, 2)
}

func TestRunCommandRefusesConcurrentRun(t *testing.T) {
	p := newTestProject(t, testDoc, passingAgent, false)

	lock, err := filelock.TryAcquire(p.stateFile())
	require.NoError(t, err)
	defer lock.Unlock()

	_, err = p.run(t)
	require.Error(t, err)
	assert.True(t, errors.Is(err, filelock.ErrLocked))
	assert.Equal(t, executor.ExitSetupError, ExitCode(err))
	assert.Equal(t, 0, p.calls(t))
}

func TestRunCommandSetupErrors(t *testing.T) {
	tests := []struct {
		name    string
		flags   []string
		wantErr string
	}{
		{"invalid mode", []string{"--mode", "bogus"}, "invalid mode"},
		{"invalid timeout", []string{"--timeout", "soon"}, "invalid timeout format"},
		{"unknown backend", []string{"--backend", "nope"}, "nope"},
		{"zero retries", []string{"--max-retries", "0"}, "max_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProject(t, testDoc, passingAgent, false)
			_, err := p.run(t, tt.flags...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, executor.ExitSetupError, ExitCode(err))
			assert.Equal(t, 0, p.calls(t))
		})
	}
}

func TestRunCommandMissingDocument(t *testing.T) {
	_, err := execute(t, "run", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load task document")
	assert.Equal(t, executor.ExitSetupError, ExitCode(err))
}

func TestRunCommandCorruptStateFile(t *testing.T) {
	p := newTestProject(t, testDoc, passingAgent, false)
	require.NoError(t, os.WriteFile(p.stateFile(), []byte("{not json"), 0644))

	_, err := p.run(t, "--resume")
	require.Error(t, err)
	assert.True(t, errors.Is(err, state.ErrCorruptState))
	assert.Equal(t, executor.ExitSetupError, ExitCode(err))
}

func TestRunCommandDocumentConfigBlock(t *testing.T) {
	doc := `{
  "project": "shop",
  "config": {"maxRetries": 1},
  "userStories": [{"id": "US-001", "title": "Login", "priority": 1, "passes": false}]
}`
	p := newTestProject(t, doc, failingAgent, false)

	_, err := p.run(t)
	require.Error(t, err)
	assert.Equal(t, 1, p.calls(t), "document config block caps the attempts")

	// Flags beat the document block.
	p2 := newTestProject(t, doc, failingAgent, false)
	_, err = p2.run(t, "--max-retries", "2")
	require.Error(t, err)
	assert.Equal(t, 2, p2.calls(t))
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

func TestMultiLoggerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	ml := &multiLogger{loggers: []executor.Logger{
		logger.NewConsoleLogger(&a, "info"),
		logger.NewConsoleLogger(&b, "debug"),
	}}

	ml.LogInfo("hello")
	ml.LogDebug("details")
	assert.Contains(t, a.String(), "hello")
	assert.Contains(t, b.String(), "hello")
	assert.NotContains(t, a.String(), "details")
	assert.Contains(t, b.String(), "details")

	result := models.TaskResult{Task: models.Task{ID: "US-001", Title: "Login"}, Outcome: models.OutcomeSuccess, Attempts: 1}
	assert.NoError(t, ml.LogTaskResult(result))
	assert.Contains(t, a.String(), "PASSED")

	ml.loggers = append(ml.loggers, logger.NewConsoleLogger(errWriter{}, "info"))
	assert.Error(t, ml.LogTaskResult(result))
}

func TestRunCommandSilentAgentIsEmptyResult(t *testing.T) {
	p := newTestProject(t, testDoc, "exit 0", false)

	_, err := p.run(t, "--max-retries", "1")
	require.Error(t, err)

	runs, err := state.Load(p.stateFile())
	require.NoError(t, err)
	errs := runs["shop"].Tasks["US-001"].Errors
	require.Len(t, errs, 1)
	assert.Equal(t, models.ErrorEmptyResult, errs[0].Code)
	assert.Contains(t, p.task(t, "US-001", "notes").String(), "(empty_result)")
}

func TestRunCommandTimeoutFlag(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"plain seconds", "90"},
		{"go duration", "90s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProject(t, testDoc, passingAgent, false)
			output, err := p.run(t, "--verbose", "--timeout", tt.value)
			require.NoError(t, err)
			assert.Contains(t, output, "timeout 1m30s")
		})
	}
}
