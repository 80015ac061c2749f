package backend

import (
	"bytes"
	"context"
	"time"

	"github.com/tidwall/gjson"

	"github.com/harrison/ralph/internal/models"
)

// Codex drives `codex exec --json`, which streams one JSON event per line.
//
// Failure is signalled by a nullable error object on "turn.failed" events or
// by a top-level "error" event. The final agent message is the result text.
// Token usage arrives on each "turn.completed"; cost is not reported.
type Codex struct {
	opts Options
}

// NewCodex creates a codex adapter.
func NewCodex(opts Options) *Codex {
	return &Codex{opts: opts}
}

// Name implements Adapter.
func (c *Codex) Name() string { return "codex" }

func (c *Codex) invocation(prompt string, writable bool, timeout time.Duration) invocation {
	args := []string{"exec", "--json", "--skip-git-repo-check"}
	if writable {
		args = append(args, "--full-auto")
	} else {
		args = append(args, "--sandbox", "read-only")
	}
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}
	args = append(args, c.opts.ExtraArgs...)
	// "-" makes codex read the prompt from stdin.
	args = append(args, "-")

	return invocation{
		binary:  c.opts.binary("codex"),
		args:    args,
		stdin:   prompt,
		dir:     c.opts.WorkDir,
		timeout: timeout,
	}
}

// Execute implements Adapter. Codex has no turn budget flag; MaxTurns is ignored.
func (c *Codex) Execute(ctx context.Context, prompt string, timeout time.Duration) (*Execution, error) {
	return run(ctx, c.invocation(prompt, true, timeout))
}

// ConvertOnce implements Adapter.
func (c *Codex) ConvertOnce(ctx context.Context, prompt string) (string, error) {
	return auxiliary(ctx, c, c.invocation(prompt, false, c.opts.auxTimeout()))
}

// DiagnoseOnce implements Adapter.
func (c *Codex) DiagnoseOnce(ctx context.Context, prompt string) (string, error) {
	return auxiliary(ctx, c, c.invocation(prompt, false, c.opts.auxTimeout()))
}

// Parse implements Adapter.
func (c *Codex) Parse(raw []byte) models.NormalizedResponse {
	var (
		resp   models.NormalizedResponse
		events int
		errMsg string
	)

	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] != '{' || !gjson.ValidBytes(line) {
			continue
		}
		events++
		ev := gjson.ParseBytes(line)

		switch ev.Get("type").String() {
		case "item.completed":
			item := ev.Get("item")
			if item.Get("type").String() == "agent_message" {
				resp.Result = item.Get("text").String()
			}
		case "turn.completed":
			resp.NumTurns++
			resp.InputTokens += ev.Get("usage.input_tokens").Int()
			resp.CacheReadTokens += ev.Get("usage.cached_input_tokens").Int()
			resp.OutputTokens += ev.Get("usage.output_tokens").Int()
		case "turn.failed":
			if e := ev.Get("error"); e.Exists() && e.Type != gjson.Null {
				resp.IsError = true
				resp.Subtype = "turn.failed"
				errMsg = e.Get("message").String()
			}
		case "error":
			resp.IsError = true
			if resp.Subtype == "" {
				resp.Subtype = "error"
			}
			errMsg = ev.Get("message").String()
		}
	}

	if events == 0 {
		return unparseable(raw)
	}
	if resp.IsError && resp.Result == "" {
		resp.Result = errMsg
	}
	return finalize(resp)
}
