package permission

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"vaultagent/internal/agentdef"
	"vaultagent/internal/events"
	"vaultagent/internal/llm"
	"vaultagent/internal/usage"
	"vaultagent/internal/vault"
)

func testBroker(t *testing.T, timeout time.Duration) (*Broker, *events.Bus) {
	t.Helper()
	store, err := vault.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	return NewBroker(Options{Store: store, Bus: bus, Timeout: timeout}), bus
}

func testAgent() *agentdef.Definition {
	return &agentdef.Definition{
		Path: "agents/helper",
		Name: "Helper",
		Permissions: agentdef.Permissions{
			Write: []string{"notes/*"},
			Spawn: []string{"agents/*"},
		},
	}
}

func toolCall(id, name string, input map[string]any) llm.ToolCall {
	raw, _ := json.Marshal(input)
	return llm.ToolCall{ID: id, Name: name, Input: raw}
}

func TestNonWriteToolAllowed(t *testing.T) {
	b, _ := testBroker(t, time.Second)
	cb := b.Callback("sess1", testAgent(), &DenialList{})
	res := cb(context.Background(), toolCall("t1", "read", map[string]any{"file_path": "projects/secret.txt"}))
	if !res.Allow {
		t.Fatalf("read should always be allowed")
	}
}

func TestInPolicyWriteAllowed(t *testing.T) {
	b, _ := testBroker(t, time.Second)
	cb := b.Callback("sess1", testAgent(), &DenialList{})
	res := cb(context.Background(), toolCall("t1", "write", map[string]any{"file_path": "notes/today.txt"}))
	if !res.Allow {
		t.Fatalf("in-policy write should be allowed without brokering")
	}
	if len(b.ListPending()) != 0 {
		t.Fatalf("no pending request expected")
	}
}

func TestOutOfPolicyWriteDenied(t *testing.T) {
	b, bus := testBroker(t, 5*time.Second)
	sub := bus.Subscribe(events.PermissionTopic)
	defer sub.Close()

	denials := &DenialList{}
	cb := b.Callback("sess1", testAgent(), denials)
	done := make(chan llm.ApprovalResult, 1)
	go func() {
		done <- cb(context.Background(), toolCall("tool-use-9", "write", map[string]any{"file_path": "projects/secret.txt"}))
	}()

	ev := <-sub.C
	if ev.Type != "permissionRequest" {
		t.Fatalf("event type = %s", ev.Type)
	}
	req := ev.Fields["request"].(*Request)
	if req.ID != "sess1-tool-use-9" {
		t.Fatalf("request id = %s", req.ID)
	}

	if !b.Deny(req.ID) {
		t.Fatalf("deny should resolve the pending request")
	}
	res := <-done
	if res.Allow {
		t.Fatalf("denied request must not allow")
	}
	items := denials.Items()
	if len(items) != 1 || items[0].Reason != "denied" || items[0].Subject != "projects/secret.txt" {
		t.Fatalf("denials = %+v", items)
	}
	if len(b.ListPending()) != 0 {
		t.Fatalf("request should leave pending immediately after resolution")
	}
	// Second deny is a safe no-op.
	if b.Deny(req.ID) {
		t.Fatalf("repeat deny should return false")
	}
}

func TestGrantAllows(t *testing.T) {
	b, bus := testBroker(t, 5*time.Second)
	sub := bus.Subscribe(events.PermissionTopic)
	defer sub.Close()

	cb := b.Callback("sess1", testAgent(), &DenialList{})
	done := make(chan llm.ApprovalResult, 1)
	go func() {
		done <- cb(context.Background(), toolCall("t2", "edit", map[string]any{"path": "projects/secret.txt"}))
	}()
	ev := <-sub.C
	req := ev.Fields["request"].(*Request)
	if !b.Grant(req.ID) {
		t.Fatalf("grant failed")
	}
	res := <-done
	if !res.Allow {
		t.Fatalf("granted request should allow")
	}
	ev = <-sub.C
	if ev.Type != "permissionGranted" {
		t.Fatalf("expected granted event, got %s", ev.Type)
	}
}

func TestTimeoutDenies(t *testing.T) {
	b, _ := testBroker(t, 50*time.Millisecond)
	denials := &DenialList{}
	cb := b.Callback("sess1", testAgent(), denials)
	res := cb(context.Background(), toolCall("t3", "write", map[string]any{"file_path": "projects/x.txt"}))
	if res.Allow {
		t.Fatalf("timeout must deny")
	}
	items := denials.Items()
	if len(items) != 1 || items[0].Reason != "timeout" {
		t.Fatalf("denials = %+v", items)
	}
	if len(b.ListPending()) != 0 {
		t.Fatalf("pending map should be empty after timeout")
	}
}

func TestBashWithWriteAnyAllowed(t *testing.T) {
	b, _ := testBroker(t, time.Second)
	agent := testAgent()
	agent.Permissions.Write = []string{"*"}
	cb := b.Callback("sess1", agent, &DenialList{})
	res := cb(context.Background(), toolCall("t4", "bash", map[string]any{"command": "rm -rf /tmp/x"}))
	if !res.Allow {
		t.Fatalf("bash with write:any should be allowed unconditionally")
	}
}

func TestBashBrokeredOnCommand(t *testing.T) {
	b, _ := testBroker(t, 50*time.Millisecond)
	denials := &DenialList{}
	cb := b.Callback("sess1", testAgent(), denials)
	res := cb(context.Background(), toolCall("t5", "bash", map[string]any{"command": "curl http://example.com"}))
	if res.Allow {
		t.Fatalf("bash without write:any should be brokered")
	}
	if items := denials.Items(); len(items) != 1 || items[0].Subject != "curl http://example.com" {
		t.Fatalf("denials = %+v", items)
	}
}

func TestGrantUnknownIDIsNoop(t *testing.T) {
	b, _ := testBroker(t, time.Second)
	if b.Grant("nope") {
		t.Fatalf("grant of unknown id should return false")
	}
	if b.Deny("nope") {
		t.Fatalf("deny of unknown id should return false")
	}
}

func TestDecisionsRecordedInTracker(t *testing.T) {
	store, err := vault.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tracker, err := usage.NewTracker(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer tracker.Close()
	bus := events.NewBus()
	b := NewBroker(Options{Store: store, Bus: bus, Tracker: tracker, Timeout: 5 * time.Second})

	sub := bus.Subscribe(events.PermissionTopic)
	defer sub.Close()

	cb := b.Callback("sess1", testAgent(), &DenialList{})
	done := make(chan llm.ApprovalResult, 1)
	go func() {
		done <- cb(context.Background(), toolCall("t7", "write", map[string]any{"file_path": "projects/x.txt"}))
	}()
	ev := <-sub.C
	req := ev.Fields["request"].(*Request)
	if !b.Deny(req.ID) {
		t.Fatal("deny failed")
	}
	<-done

	totals, err := tracker.Totals()
	if err != nil {
		t.Fatal(err)
	}
	if totals.PermissionDecisions != 1 || totals.PermissionDenied != 1 {
		t.Fatalf("totals = %+v", totals)
	}
}

func TestSweepResolvesStuck(t *testing.T) {
	b, _ := testBroker(t, 10*time.Second)
	cb := b.Callback("sess1", testAgent(), &DenialList{})
	go cb(context.Background(), toolCall("t6", "write", map[string]any{"file_path": "projects/x.txt"}))
	for len(b.ListPending()) == 0 {
		time.Sleep(time.Millisecond)
	}
	if n := b.Sweep(time.Now().UTC().Add(10 * time.Minute)); n != 1 {
		t.Fatalf("sweep = %d, want 1", n)
	}
	if len(b.ListPending()) != 0 {
		t.Fatalf("swept request should be gone")
	}
}
