// Package policy evaluates site-specific Rego rules over the visitor
// directory.
package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lobby/pkg/utils/logging"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/topdown/print"
)

// regoPrintHook forwards Rego print() statements to the context logger
type regoPrintHook struct {
	ctx context.Context
}

func (h *regoPrintHook) Print(_ print.Context, message string) error {
	logging.From(h.ctx).Debug("rego print", "message", message)
	return nil
}

// Engine holds prepared queries loaded from a policy directory
type Engine struct {
	notify *rego.PreparedEvalQuery
}

// Load reads every .rego file in dir. An empty or missing directory yields
// an engine without rules.
func Load(ctx context.Context, dir string) (*Engine, error) {
	if dir == "" {
		return &Engine{}, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.V("dir", dir))
	}
	if len(files) == 0 {
		return &Engine{}, nil
	}

	modules := make([]func(*rego.Rego), 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file", goerr.V("path", file))
		}
		modules = append(modules, rego.Module(file, string(data)))
	}

	notify, err := prepareQuery(ctx, modules, "data.notify")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare notify query")
	}

	return &Engine{notify: notify}, nil
}

func prepareQuery(ctx context.Context, modules []func(*rego.Rego), query string) (*rego.PreparedEvalQuery, error) {
	options := make([]func(*rego.Rego), 0, len(modules)+2)
	options = append(options, rego.Query(query), rego.EnablePrintStatements(true))
	options = append(options, modules...)

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare query", goerr.V("query", query))
	}

	return &prepared, nil
}

// Alert is a notification produced by the notify policy
type Alert struct {
	Kind      string `json:"kind"`
	VisitorID string `json:"visitor_id"`
	Message   string `json:"message"`
}

// HasNotify reports whether a notify policy is loaded
func (e *Engine) HasNotify() bool {
	return e != nil && e.notify != nil
}

// Notify evaluates data.notify.alert against input
func (e *Engine) Notify(ctx context.Context, input any) ([]*Alert, error) {
	if !e.HasNotify() {
		return nil, nil
	}

	rs, err := e.notify.Eval(ctx, rego.EvalInput(input), rego.EvalPrintHook(&regoPrintHook{ctx: ctx}))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to evaluate notify policy")
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	data, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, goerr.New("invalid notify result: not an object")
	}
	raw, ok := data["alert"]
	if !ok {
		return nil, nil
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to marshal notify result")
	}
	var alerts []*Alert
	if err := json.Unmarshal(encoded, &alerts); err != nil {
		return nil, goerr.Wrap(err, "invalid notify result: alert must be a set of objects")
	}

	for _, a := range alerts {
		if a.Message == "" {
			return nil, goerr.New("invalid notify result: message is empty", goerr.V("alert", a))
		}
	}

	return alerts, nil
}
