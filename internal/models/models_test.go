package models

import (
	"testing"
	"time"
)

func TestTaskValidation(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{
			name:    "valid task",
			task:    Task{ID: "US-001", Title: "Add login"},
			wantErr: false,
		},
		{
			name:    "missing title",
			task:    Task{ID: "US-001"},
			wantErr: true,
		},
		{
			name:    "blank id",
			task:    Task{ID: "  ", Title: "Add login"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTaskDocumentValidate(t *testing.T) {
	doc := TaskDocument{
		Project: "shop",
		Tasks: []Task{
			{ID: "A", Title: "one"},
			{ID: "A", Title: "two"},
		},
	}
	if err := doc.Validate(); err == nil {
		t.Fatal("expected duplicate id error")
	}

	doc.Tasks[1].ID = "B"
	if err := doc.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc.Project = ""
	if err := doc.Validate(); err == nil {
		t.Fatal("expected missing project error")
	}
}

func TestNewTaskState(t *testing.T) {
	if got := NewTaskState(true).Status; got != StatusSuccess {
		t.Errorf("passes=true: got %s, want success", got)
	}
	if got := NewTaskState(false).Status; got != StatusPending {
		t.Errorf("passes=false: got %s, want pending", got)
	}
}

func TestTaskStateCloneIsDeep(t *testing.T) {
	now := time.Now()
	orig := &TaskState{
		Status:    StatusRunning,
		StartedAt: &now,
		Errors:    []ErrorEntry{{Code: ErrorTimeout}},
	}

	c := orig.Clone()
	c.Errors[0].Code = ErrorGeneric
	*c.StartedAt = now.Add(time.Hour)

	if orig.Errors[0].Code != ErrorTimeout {
		t.Error("clone shares the error slice")
	}
	if !orig.StartedAt.Equal(now) {
		t.Error("clone shares the start timestamp")
	}
}

func TestNormalizedResponseTotalInput(t *testing.T) {
	r := NormalizedResponse{InputTokens: 10, CacheReadTokens: 5, CacheCreateTokens: 2}
	if got := r.TotalInput(); got != 17 {
		t.Errorf("TotalInput() = %d, want 17", got)
	}
}

func TestExecutionResultClean(t *testing.T) {
	r := ExecutionResult{Passed: 2}
	if !r.Clean() {
		t.Error("expected clean result")
	}
	r.Remaining = 1
	if r.Clean() {
		t.Error("remaining tasks must not be clean")
	}
	r.Remaining, r.Failed = 0, 1
	if r.Clean() {
		t.Error("failed tasks must not be clean")
	}
}
