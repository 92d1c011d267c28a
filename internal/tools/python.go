package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"strings"

	"github.com/noetl/noetl/pkg/api"
)

// Python performs the python tool kind by running a subprocess harness. The
// task's code runs with `context` bound to the variable context; whatever it
// assigns to `result` comes back as the tool result
type Python struct {
	interpreter string
}

var _ Tool = (*Python)(nil)

var ErrCodeMissing = errors.New("python tool has no code")

// harness wraps user code: context arrives as JSON on stdin, the result (or
// the raised exception) leaves as one JSON document on stdout
const pythonHarness = `
import json, sys, traceback
context = json.load(sys.stdin)
_ns = {"context": context, "result": None}
try:
    exec(sys.argv[1], _ns)
    print(json.dumps({"ok": True, "result": _ns.get("result")}, default=str))
except Exception as e:
    print(json.dumps({
        "ok": False,
        "exception": type(e).__name__,
        "message": str(e),
        "traceback": traceback.format_exc(),
    }, default=str))
`

// NewPython creates the python tool. An empty interpreter means python3
func NewPython(interpreter string) *Python {
	if interpreter == "" {
		interpreter = "python3"
	}
	return &Python{interpreter: interpreter}
}

func (p *Python) Kind() api.ToolKind {
	return api.ToolPython
}

func (p *Python) Call(ctx context.Context, call *Call) (any, error) {
	code := call.Config.GetString("code", "")
	if code == "" {
		return nil, ErrCodeMissing
	}

	input, err := json.Marshal(pythonContext(call))
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, p.interpreter, "-c", pythonHarness, code)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &PythonError{
			ExceptionType: "ProcessError",
			Message:       strings.TrimSpace(stderr.String()),
		}
	}

	var report struct {
		Result    any    `json:"result"`
		Exception string `json:"exception"`
		Message   string `json:"message"`
		OK        bool   `json:"ok"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		return nil, &PythonError{
			ExceptionType: "SyntaxError",
			Message:       strings.TrimSpace(stdout.String()),
		}
	}
	if !report.OK {
		return nil, &PythonError{
			ExceptionType: report.Exception,
			Message:       report.Message,
		}
	}
	return report.Result, nil
}

func pythonContext(call *Call) map[string]any {
	ctx := make(map[string]any, len(call.Context)+1)
	for k, v := range call.Context {
		ctx[k] = v
	}
	if args := call.Config.GetMap("args"); args != nil {
		ctx["args"] = args
	}
	return ctx
}
