package tasksource

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/harrison/ralph/internal/models"
)

const jsonDoc = `{
  "project": "shop",
  "branchName": "ralph/checkout",
  "description": "Checkout flow",
  "config": {"maxRetries": 5, "backend": "codex"},
  "userStories": [
    {
      "id": "US-002",
      "title": "Pay",
      "description": "Payment step",
      "acceptanceCriteria": ["charge card"],
      "priority": 2,
      "passes": false,
      "notes": "",
      "owner": "kept"
    },
    {
      "id": "US-001",
      "title": "Cart",
      "description": "Cart step",
      "acceptanceCriteria": ["add item", "remove item"],
      "priority": 1,
      "passes": true,
      "notes": "done earlier"
    }
  ]
}
`

const yamlDoc = `# checkout plan
project: shop
branch: ralph/checkout
config:
  max_retries: 2
  timeout: 600
tasks:
  - id: T1
    title: Cart
    description: Cart step
    acceptance_criteria:
      - add item
    priority: 1
  # keep this comment
  - id: T2
    title: Pay
    priority: 1
    passes: false
    notes: ""
`

func writeDoc(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, DetectFormat("prd.json"))
	assert.Equal(t, FormatYAML, DetectFormat("plan.YAML"))
	assert.Equal(t, FormatYAML, DetectFormat("plan.yml"))
	assert.Equal(t, FormatUnknown, DetectFormat("plan.md"))
}

func TestLoadJSON(t *testing.T) {
	doc, err := Load(writeDoc(t, "prd.json", jsonDoc))
	require.NoError(t, err)

	assert.Equal(t, "shop", doc.Project)
	assert.Equal(t, "ralph/checkout", doc.Branch)
	require.NotNil(t, doc.Config)
	require.NotNil(t, doc.Config.MaxRetries)
	assert.Equal(t, 5, *doc.Config.MaxRetries)
	assert.Equal(t, "codex", *doc.Config.Backend)
	assert.Nil(t, doc.Config.TimeoutSeconds)

	require.Len(t, doc.Tasks, 2)
	assert.Equal(t, "US-002", doc.Tasks[0].ID)
	assert.Equal(t, []string{"add item", "remove item"}, doc.Tasks[1].AcceptanceCriteria)
	assert.True(t, doc.Tasks[1].Passes)
}

func TestLoadJSONTasksKey(t *testing.T) {
	doc, err := Load(writeDoc(t, "tasks.json", `{"project":"p","tasks":[{"id":"a","title":"A"}]}`))
	require.NoError(t, err)
	require.Len(t, doc.Tasks, 1)
	assert.Equal(t, "a", doc.Tasks[0].ID)
}

func TestLoadYAML(t *testing.T) {
	doc, err := Load(writeDoc(t, "plan.yaml", yamlDoc))
	require.NoError(t, err)

	assert.Equal(t, "shop", doc.Project)
	assert.Equal(t, 2, *doc.Config.MaxRetries)
	assert.Equal(t, 600, *doc.Config.TimeoutSeconds)
	require.Len(t, doc.Tasks, 2)
	assert.Equal(t, []string{"add item"}, doc.Tasks[0].AcceptanceCriteria)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr error
	}{
		{name: "unsupported", file: "plan.md", content: "# x", wantErr: ErrUnsupportedFormat},
		{name: "malformed json", file: "a.json", content: `{"project":`, wantErr: ErrInvalidDocument},
		{name: "missing project", file: "a.json", content: `{"userStories":[]}`, wantErr: ErrInvalidDocument},
		{name: "duplicate ids", file: "a.yaml", content: "project: p\ntasks:\n  - {id: a, title: A}\n  - {id: a, title: B}\n", wantErr: ErrInvalidDocument},
		{name: "missing title", file: "a.yaml", content: "project: p\ntasks:\n  - {id: a}\n", wantErr: ErrInvalidDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeDoc(t, tt.file, tt.content))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestSortByPriority(t *testing.T) {
	tasks := []models.Task{
		{ID: "c", Priority: 2},
		{ID: "a", Priority: 1},
		{ID: "d", Priority: 2},
		{ID: "b", Priority: 1},
	}
	sorted := SortByPriority(tasks)

	var ids []string
	for _, task := range sorted {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
	assert.Equal(t, "c", tasks[0].ID, "input must not be reordered")
}

func TestReportJSON(t *testing.T) {
	path := writeDoc(t, "prd.json", jsonDoc)
	r, err := NewReporter(path)
	require.NoError(t, err)

	require.NoError(t, r.ReportPass("US-002", "passed on attempt 1 in 12s"))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(content, "userStories.0.passes").Bool())
	assert.Equal(t, "passed on attempt 1 in 12s", gjson.GetBytes(content, "userStories.0.notes").String())
	assert.Equal(t, "kept", gjson.GetBytes(content, "userStories.0.owner").String())

	// The other task and the top-level fields are untouched.
	assert.Equal(t, "done earlier", gjson.GetBytes(content, "userStories.1.notes").String())
	assert.True(t, gjson.GetBytes(content, "userStories.1.passes").Bool())
	assert.Equal(t, strings.SplitN(jsonDoc, "userStories", 2)[0], strings.SplitN(string(content), "userStories", 2)[0])

	require.NoError(t, r.ReportFail("US-002", "failed after 3 attempts: timeout"))
	content, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(content, "userStories.0.passes").Bool())
	assert.Equal(t, "failed after 3 attempts: timeout", gjson.GetBytes(content, "userStories.0.notes").String())
}

func TestReportYAML(t *testing.T) {
	path := writeDoc(t, "plan.yaml", yamlDoc)
	r, err := NewReporter(path)
	require.NoError(t, err)

	require.NoError(t, r.ReportFail("T1", `attempt 1: exit code 1 "quoted"`))
	require.NoError(t, r.ReportPass("T2", "passed on attempt 2"))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "# checkout plan")

	doc, err := Load(path)
	require.NoError(t, err)
	assert.False(t, doc.Tasks[0].Passes)
	assert.Equal(t, `attempt 1: exit code 1 "quoted"`, doc.Tasks[0].Notes)
	assert.Equal(t, []string{"add item"}, doc.Tasks[0].AcceptanceCriteria)
	assert.True(t, doc.Tasks[1].Passes)
	assert.Equal(t, "passed on attempt 2", doc.Tasks[1].Notes)
	assert.Equal(t, 600, *doc.Config.TimeoutSeconds)
}

func TestReportUnknownTask(t *testing.T) {
	for _, name := range []string{"prd.json", "plan.yaml"} {
		content := jsonDoc
		if name == "plan.yaml" {
			content = yamlDoc
		}
		path := writeDoc(t, name, content)
		r, err := NewReporter(path)
		require.NoError(t, err)

		err = r.ReportPass("nope", "x")
		require.ErrorIs(t, err, ErrTaskNotFound, name)

		after, readErr := os.ReadFile(path)
		require.NoError(t, readErr)
		assert.Equal(t, content, string(after), "document must be unchanged")
	}
}

func TestReportConcurrentWriters(t *testing.T) {
	path := writeDoc(t, "prd.json", jsonDoc)
	r, err := NewReporter(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "US-001"
			if i%2 == 0 {
				id = "US-002"
			}
			assert.NoError(t, r.ReportFail(id, "n"))
		}(i)
	}
	wg.Wait()

	doc, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, doc.Tasks, 2)
	assert.False(t, doc.Tasks[0].Passes)
	assert.False(t, doc.Tasks[1].Passes)
}

func TestNewReporterUnsupported(t *testing.T) {
	_, err := NewReporter("plan.txt")
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}
