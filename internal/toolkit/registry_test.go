package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

type stubTool struct {
	BaseTool
	runFn func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
}

func (s stubTool) Run(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	if s.runFn != nil {
		return s.runFn(ctx, params)
	}
	return json.RawMessage(`{}`), nil
}

func newStubTool(name string) stubTool {
	return stubTool{BaseTool: BaseTool{ToolName: name, ToolCategory: "test"}}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newStubTool("send-email"))

	tool, ok := r.Get("send-email")
	if !ok {
		t.Fatal("expected tool to be registered")
	}
	if tool.Name() != "send-email" {
		t.Errorf("expected name send-email, got %s", tool.Name())
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("expected unregistered tool lookup to miss")
	}
}

func TestRegistry_RegisterReplacesByName(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newStubTool("send-email"))
	r.Register(stubTool{BaseTool: BaseTool{ToolName: "send-email", ToolCategory: "v2"}})

	tool, _ := r.Get("send-email")
	if tool.Category() != "v2" {
		t.Errorf("expected second registration to win, got category %s", tool.Category())
	}
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newStubTool("a"))
	r.Register(newStubTool("b"))

	if len(r.List()) != 2 {
		t.Errorf("expected 2 tools, got %d", len(r.List()))
	}
}

func TestRegistry_RefreshAvailabilityCollectsFailures(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(newStubTool("ok"))
	r.Register(stubTool{BaseTool: BaseTool{
		ToolName: "broken",
		ToolProbe: func(ctx context.Context) error {
			return errors.New("no credentials")
		},
	}})

	failures := r.RefreshAvailability(context.Background())
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(failures))
	}
	if _, ok := failures["broken"]; !ok {
		t.Errorf("expected broken tool to fail probe, got %v", failures)
	}
}

func TestRegistry_LogMissingTool_FirstCallInsertsAtCountOne(t *testing.T) {
	r := NewRegistry(nil)
	if err := r.LogMissingTool(context.Background(), "t1", "crm-lookup", "wf1", "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	missing := r.MissingTools()
	if len(missing) != 1 {
		t.Fatalf("expected 1 missing tool entry, got %d", len(missing))
	}
	if missing[0].Count != 1 {
		t.Errorf("expected count 1, got %d", missing[0].Count)
	}
}

func TestRegistry_LogMissingTool_RepeatedCallsIncrementCount(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = r.LogMissingTool(ctx, "t1", "crm-lookup", "wf1", "s1")
	}

	missing := r.MissingTools()
	if len(missing) != 1 {
		t.Fatalf("expected entries to collapse to 1, got %d", len(missing))
	}
	if missing[0].Count != 3 {
		t.Errorf("expected count 3, got %d", missing[0].Count)
	}
}

func TestRegistry_LogMissingTool_PriorityOnlyUpgrades(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	_ = r.LogMissingToolWithDetail(ctx, "t1", "crm-lookup", "wf1", "s1", "normal", "first report")
	_ = r.LogMissingToolWithDetail(ctx, "t1", "crm-lookup", "wf1", "s1", "low", "should not downgrade")
	_ = r.LogMissingToolWithDetail(ctx, "t1", "crm-lookup", "wf1", "s1", "critical", "escalating")

	missing := r.MissingTools()
	if len(missing) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(missing))
	}
	if missing[0].Priority != "critical" {
		t.Errorf("expected priority to upgrade to critical, got %s", missing[0].Priority)
	}
}

func TestRegistry_LogMissingTool_NotesConcatenate(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	_ = r.LogMissingToolWithDetail(ctx, "t1", "crm-lookup", "wf1", "s1", "normal", "seen in onboarding flow")
	_ = r.LogMissingToolWithDetail(ctx, "t1", "crm-lookup", "wf1", "s1", "normal", "seen in renewal flow")

	missing := r.MissingTools()
	want := "seen in onboarding flow; seen in renewal flow"
	if missing[0].Notes != want {
		t.Errorf("expected concatenated notes %q, got %q", want, missing[0].Notes)
	}
}

func TestRegistry_LogMissingTool_DistinctTenantsDoNotCollapse(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	_ = r.LogMissingTool(ctx, "t1", "crm-lookup", "wf1", "s1")
	_ = r.LogMissingTool(ctx, "t2", "crm-lookup", "wf1", "s1")

	if len(r.MissingTools()) != 2 {
		t.Errorf("expected separate entries per tenant, got %d", len(r.MissingTools()))
	}
}

func TestRegistry_MarkImplementedClearsMatchingEntries(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()
	_ = r.LogMissingTool(ctx, "t1", "crm-lookup", "wf1", "s1")
	_ = r.LogMissingTool(ctx, "t1", "invoice-fetch", "wf1", "s1")

	r.MarkImplemented("crm-lookup")

	missing := r.MissingTools()
	if len(missing) != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", len(missing))
	}
	if missing[0].ToolName != "invoice-fetch" {
		t.Errorf("expected invoice-fetch to remain, got %s", missing[0].ToolName)
	}
}

func TestBaseTool_DefaultTimeout(t *testing.T) {
	bt := BaseTool{}
	if bt.Timeout() != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %s", bt.Timeout())
	}

	bt.ToolTimeout = 5 * time.Second
	if bt.Timeout() != 5*time.Second {
		t.Errorf("expected overridden timeout 5s, got %s", bt.Timeout())
	}
}
