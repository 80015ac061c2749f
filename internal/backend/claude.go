package backend

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/harrison/ralph/internal/models"
)

// hooksDisabled keeps user hooks from firing inside automated runs.
const hooksDisabled = `{"disableAllHooks": true}`

// Claude drives the claude CLI in print mode with JSON output.
//
// Response schema: a single JSON object with a boolean is_error, result,
// subtype (e.g. "success", "error_max_turns"), total_cost_usd, num_turns and
// a usage block including cache read/creation token counts.
type Claude struct {
	opts Options
}

// NewClaude creates a claude adapter.
func NewClaude(opts Options) *Claude {
	return &Claude{opts: opts}
}

// Name implements Adapter.
func (c *Claude) Name() string { return "claude" }

func (c *Claude) invocation(prompt string, maxTurns int, bypassPerms bool, timeout time.Duration) invocation {
	args := []string{"-p", prompt, "--output-format", "json"}
	if bypassPerms {
		args = append(args, "--dangerously-skip-permissions")
	}
	if maxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(maxTurns))
	}
	if c.opts.Model != "" {
		args = append(args, "--model", c.opts.Model)
	}
	args = append(args, "--settings", hooksDisabled)
	args = append(args, c.opts.ExtraArgs...)

	return invocation{
		binary:  c.opts.binary("claude"),
		args:    args,
		dir:     c.opts.WorkDir,
		timeout: timeout,
		prepare: setCleanEnv,
	}
}

// Execute implements Adapter.
func (c *Claude) Execute(ctx context.Context, prompt string, timeout time.Duration) (*Execution, error) {
	return run(ctx, c.invocation(prompt, c.opts.MaxTurns, true, timeout))
}

// ConvertOnce implements Adapter.
func (c *Claude) ConvertOnce(ctx context.Context, prompt string) (string, error) {
	return auxiliary(ctx, c, c.invocation(prompt, 1, false, c.opts.auxTimeout()))
}

// DiagnoseOnce implements Adapter.
func (c *Claude) DiagnoseOnce(ctx context.Context, prompt string) (string, error) {
	return auxiliary(ctx, c, c.invocation(prompt, c.opts.diagnoseTurns(), false, c.opts.auxTimeout()))
}

// Parse implements Adapter.
func (c *Claude) Parse(raw []byte) models.NormalizedResponse {
	doc, ok := lastJSONObject(raw)
	if !ok {
		return unparseable(raw)
	}

	resp := models.NormalizedResponse{
		IsError:           doc.Get("is_error").Bool(),
		Result:            doc.Get("result").String(),
		Subtype:           doc.Get("subtype").String(),
		NumTurns:          int(doc.Get("num_turns").Int()),
		InputTokens:       doc.Get("usage.input_tokens").Int(),
		OutputTokens:      doc.Get("usage.output_tokens").Int(),
		CacheReadTokens:   doc.Get("usage.cache_read_input_tokens").Int(),
		CacheCreateTokens: doc.Get("usage.cache_creation_input_tokens").Int(),
	}
	if cost := doc.Get("total_cost_usd"); cost.Exists() {
		resp.CostUSD = cost.Float()
	} else {
		resp.CostUSD = doc.Get("cost_usd").Float()
	}
	return finalize(resp)
}

// lastJSONObject returns the last line of raw that is a JSON object. CLIs
// sometimes print warnings ahead of the JSON payload.
func lastJSONObject(raw []byte) (gjson.Result, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return gjson.Result{}, false
	}
	if gjson.ValidBytes(trimmed) && trimmed[0] == '{' {
		return gjson.ParseBytes(trimmed), true
	}
	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) > 0 && line[0] == '{' && gjson.ValidBytes(line) {
			return gjson.ParseBytes(line), true
		}
	}
	return gjson.Result{}, false
}

// unparseable reports output that matched no known schema as a failure,
// keeping the raw text for diagnosis.
func unparseable(raw []byte) models.NormalizedResponse {
	return models.NormalizedResponse{
		IsError: true,
		Result:  strings.TrimSpace(string(raw)),
		Subtype: SubtypeUnparseable,
	}
}

// finalize applies the rule shared by every backend: a response that claims
// success but carries no result text is a failure.
func finalize(resp models.NormalizedResponse) models.NormalizedResponse {
	if !resp.IsError && strings.TrimSpace(resp.Result) == "" {
		resp.IsError = true
		if resp.Subtype == "" || resp.Subtype == "success" {
			resp.Subtype = SubtypeEmptyResult
		}
	}
	return resp
}
