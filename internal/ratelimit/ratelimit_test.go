package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 1, 10, 10, 30, 0, 0, time.UTC)

func TestDetect(t *testing.T) {
	reset := now.Add(2 * time.Hour)

	tests := []struct {
		name      string
		texts     []string
		wantReset time.Time
		wantKind  Kind
	}{
		{
			name:      "unix timestamp",
			texts:     []string{fmt.Sprintf("Claude AI usage limit reached|%d", reset.Unix())},
			wantReset: reset,
			wantKind:  KindSession,
		},
		{
			name:      "clock time later today",
			texts:     []string{"Claude usage limit hit. Your limit will reset at 2pm (UTC)"},
			wantReset: time.Date(2026, 1, 10, 14, 0, 0, 0, time.UTC),
			wantKind:  KindSession,
		},
		{
			name:      "clock time already passed wraps to tomorrow",
			texts:     []string{"usage limit reached ∙ resets 9am (UTC)"},
			wantReset: time.Date(2026, 1, 11, 9, 0, 0, 0, time.UTC),
			wantKind:  KindWeekly,
		},
		{
			name:      "unknown zone falls back to UTC",
			texts:     []string{"usage limit reached, resets 12pm (Mars/Base)"},
			wantReset: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
			wantKind:  KindSession,
		},
		{
			name:      "retry after seconds",
			texts:     []string{"rate limited, retry in 45 seconds"},
			wantReset: now.Add(45 * time.Second),
			wantKind:  KindSession,
		},
		{
			name:      "json error with retry_after",
			texts:     []string{`{"error":"rate_limit_error","retry_after":30}`},
			wantReset: now.Add(30 * time.Second),
			wantKind:  KindSession,
		},
		{
			name:      "json error without retry_after infers window",
			texts:     []string{`{"error":{"type":"rate_limit_error","message":"slow down"}}`},
			wantReset: time.Date(2026, 1, 10, 15, 0, 0, 0, time.UTC),
			wantKind:  KindSession,
		},
		{
			name:      "indicator without reset infers window",
			texts:     []string{"", "compile ok\nHTTP 429 Too Many Requests"},
			wantReset: time.Date(2026, 1, 10, 15, 0, 0, 0, time.UTC),
			wantKind:  KindSession,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Detect(now, tt.texts...)
			require.NotNil(t, info)
			assert.True(t, tt.wantReset.Equal(info.ResetAt), "reset %s, want %s", info.ResetAt, tt.wantReset)
			assert.Equal(t, tt.wantKind, info.Kind)
			assert.Equal(t, now, info.DetectedAt)
			assert.NotEmpty(t, info.Message)
		})
	}
}

func TestDetectIgnoresNonLimitText(t *testing.T) {
	tests := []struct {
		name  string
		texts []string
	}{
		{"empty", nil},
		{"plain failure", []string{"compile error: undefined: Foo"}},
		{"cost digits", []string{"total cost 0.0429 USD"}},
		{"log prefix", []string{"[RATE LIMIT] waiting for reset..."}},
		{"inline code", []string{"Added `rateLimit` middleware to the router"}},
		{"unrelated json", []string{`{"type":"result","is_error":true,"result":"tests failed"}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Nil(t, Detect(now, tt.texts...))
		})
	}
}

func TestInferReset(t *testing.T) {
	tests := []struct {
		hour int
		want time.Time
	}{
		{0, time.Date(2026, 1, 10, 5, 0, 0, 0, time.UTC)},
		{4, time.Date(2026, 1, 10, 5, 0, 0, 0, time.UTC)},
		{5, time.Date(2026, 1, 10, 10, 0, 0, 0, time.UTC)},
		{14, time.Date(2026, 1, 10, 15, 0, 0, 0, time.UTC)},
		{21, time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("hour %d", tt.hour), func(t *testing.T) {
			at := time.Date(2026, 1, 10, tt.hour, 17, 0, 0, time.UTC)
			assert.Equal(t, tt.want, InferReset(at))
		})
	}
}

func TestInfoRemaining(t *testing.T) {
	var nilInfo *Info
	assert.Zero(t, nilInfo.Remaining(now))
	assert.Zero(t, (&Info{}).Remaining(now))
	assert.Zero(t, (&Info{ResetAt: now.Add(-time.Minute)}).Remaining(now))
	assert.Equal(t, time.Minute, (&Info{ResetAt: now.Add(time.Minute)}).Remaining(now))
}
