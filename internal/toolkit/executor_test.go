package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/outreach-orchestrator/runtime/pkg/models"
)

type fakePolicyGate struct {
	approved   bool
	violations []string
	err        error
	calls      int
}

func (f *fakePolicyGate) EvaluateToolCall(ctx context.Context, tenantID, subjectID, toolName string, at time.Time) (bool, []string, error) {
	f.calls++
	return f.approved, f.violations, f.err
}

type fakeExecLog struct {
	mu    sync.Mutex
	calls []models.ToolCall
}

func (f *fakeExecLog) LogToolUsage(ctx context.Context, executionID string, call models.ToolCall, result Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return nil
}

func schemaRequiring(field string) json.RawMessage {
	return json.RawMessage(`{"type":"object","required":["` + field + `"],"properties":{"` + field + `":{"type":"string"}}}`)
}

func TestExecutor_ExecuteSucceeds(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(stubTool{
		BaseTool: BaseTool{ToolName: "echo", ToolSchema: schemaRequiring("text")},
		runFn: func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
			return params, nil
		},
	})
	execLog := &fakeExecLog{}
	e := NewExecutor(r, nil, nil, execLog, nil)

	res := e.Execute(context.Background(), Invocation{
		ToolName:    "echo",
		ExecutionID: "exec-1",
		Params:      json.RawMessage(`{"text":"hi"}`),
	})

	if !res.Success {
		t.Fatalf("expected success, got error %s", res.Error)
	}
	if len(execLog.calls) != 1 {
		t.Errorf("expected tool usage to be logged once, got %d", len(execLog.calls))
	}
}

func TestExecutor_MissingToolIsLoggedAndFails(t *testing.T) {
	r := NewRegistry(nil)
	missingLog := r
	e := NewExecutor(r, missingLog, nil, nil, nil)

	res := e.Execute(context.Background(), Invocation{
		ToolName:  "nonexistent",
		TenantID:  "t1",
		SubjectID: "s1",
	})

	if res.Success {
		t.Fatal("expected failure for unregistered tool")
	}

	missing := r.MissingTools()
	if len(missing) != 1 || missing[0].ToolName != "nonexistent" {
		t.Errorf("expected missing tool to be logged, got %v", missing)
	}
}

func TestExecutor_InvalidParamsFailsValidation(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(stubTool{BaseTool: BaseTool{ToolName: "echo", ToolSchema: schemaRequiring("text")}})
	e := NewExecutor(r, nil, nil, nil, nil)

	res := e.Execute(context.Background(), Invocation{
		ToolName: "echo",
		Params:   json.RawMessage(`{}`),
	})

	if res.Success {
		t.Fatal("expected schema validation failure")
	}
}

func TestExecutor_PolicyGateDeniesCommunicationChannelTool(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newStubTool("send-email"))
	MarkCommunicationChannel("send-email")

	gate := &fakePolicyGate{approved: false, violations: []string{"email daily limit (1) exceeded"}}
	e := NewExecutor(r, nil, gate, nil, nil)

	res := e.Execute(context.Background(), Invocation{
		ToolName:  "send-email",
		TenantID:  "t1",
		SubjectID: "s1",
	})

	if res.Success {
		t.Fatal("expected policy denial to fail execution")
	}
	if gate.calls != 1 {
		t.Errorf("expected policy gate to be consulted once, got %d", gate.calls)
	}
}

func TestExecutor_PolicyGateSkippedForNonChannelTool(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newStubTool("crm-lookup"))

	gate := &fakePolicyGate{approved: false}
	e := NewExecutor(r, nil, gate, nil, nil)

	res := e.Execute(context.Background(), Invocation{
		ToolName:  "crm-lookup",
		TenantID:  "t1",
		SubjectID: "s1",
	})

	if !res.Success {
		t.Fatalf("expected success since policy gate should not apply, got %s", res.Error)
	}
	if gate.calls != 0 {
		t.Errorf("expected policy gate not to be consulted, got %d calls", gate.calls)
	}
}

func TestExecutor_TimesOutWhenToolExceedsDeadline(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(stubTool{
		BaseTool: BaseTool{ToolName: "slow", ToolTimeout: 10 * time.Millisecond},
		runFn: func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	e := NewExecutor(r, nil, nil, nil, nil)

	res := e.Execute(context.Background(), Invocation{ToolName: "slow"})
	if res.Success {
		t.Fatal("expected timeout to fail the execution")
	}
}

func TestExecutor_RetriesTransientFailureThenSucceeds(t *testing.T) {
	r := NewRegistry(nil)
	attempts := 0
	r.Register(stubTool{
		BaseTool: BaseTool{ToolName: "flaky", ToolRetry: RetryPolicy{RetryOnTimeout: true, MaxRetries: 2}},
		runFn: func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
			attempts++
			if attempts < 2 {
				return nil, errors.New("transient failure")
			}
			return json.RawMessage(`{"ok":true}`), nil
		},
	})
	e := NewExecutor(r, nil, nil, nil, nil)

	res := e.Execute(context.Background(), Invocation{ToolName: "flaky"})
	if !res.Success {
		t.Fatalf("expected eventual success, got %s", res.Error)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestExecutor_UnavailableToolFailsProbe(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(stubTool{BaseTool: BaseTool{
		ToolName:  "needs-creds",
		ToolProbe: func(ctx context.Context) error { return errors.New("missing api key") },
	}})
	e := NewExecutor(r, nil, nil, nil, nil)

	res := e.Execute(context.Background(), Invocation{ToolName: "needs-creds"})
	if res.Success {
		t.Fatal("expected probe failure to fail execution")
	}
}
