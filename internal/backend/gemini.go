package backend

import (
	"context"
	"time"

	"github.com/tidwall/gjson"

	"github.com/harrison/ralph/internal/models"
)

// Gemini drives the gemini CLI with --output-format json.
//
// Response schema: {"response": "...", "stats": {"models": {<name>: {"tokens":
// {...}}}}, "error": {...}}. The error object is absent on success. Cost and
// turn counts are not reported.
type Gemini struct {
	opts Options
}

// NewGemini creates a gemini adapter.
func NewGemini(opts Options) *Gemini {
	return &Gemini{opts: opts}
}

// Name implements Adapter.
func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) invocation(prompt string, yolo bool, timeout time.Duration) invocation {
	args := []string{"-p", prompt, "--output-format", "json"}
	if yolo {
		args = append(args, "--yolo")
	}
	if g.opts.Model != "" {
		args = append(args, "--model", g.opts.Model)
	}
	args = append(args, g.opts.ExtraArgs...)

	return invocation{
		binary:  g.opts.binary("gemini"),
		args:    args,
		dir:     g.opts.WorkDir,
		timeout: timeout,
	}
}

// Execute implements Adapter. Gemini has no turn budget flag; MaxTurns is ignored.
func (g *Gemini) Execute(ctx context.Context, prompt string, timeout time.Duration) (*Execution, error) {
	return run(ctx, g.invocation(prompt, true, timeout))
}

// ConvertOnce implements Adapter.
func (g *Gemini) ConvertOnce(ctx context.Context, prompt string) (string, error) {
	return auxiliary(ctx, g, g.invocation(prompt, false, g.opts.auxTimeout()))
}

// DiagnoseOnce implements Adapter.
func (g *Gemini) DiagnoseOnce(ctx context.Context, prompt string) (string, error) {
	return auxiliary(ctx, g, g.invocation(prompt, false, g.opts.auxTimeout()))
}

// Parse implements Adapter.
func (g *Gemini) Parse(raw []byte) models.NormalizedResponse {
	doc, ok := lastJSONObject(raw)
	if !ok {
		return unparseable(raw)
	}

	resp := models.NormalizedResponse{
		Result: doc.Get("response").String(),
	}
	if e := doc.Get("error"); e.Exists() && e.Type != gjson.Null {
		resp.IsError = true
		resp.Subtype = e.Get("type").String()
		if resp.Subtype == "" {
			resp.Subtype = "error"
		}
		if resp.Result == "" {
			resp.Result = e.Get("message").String()
		}
	}

	doc.Get("stats.models").ForEach(func(_, model gjson.Result) bool {
		tokens := model.Get("tokens")
		resp.InputTokens += tokens.Get("prompt").Int()
		resp.OutputTokens += tokens.Get("candidates").Int()
		resp.CacheReadTokens += tokens.Get("cached").Int()
		return true
	})
	return finalize(resp)
}
