package backend

import (
	"context"
	"testing"

	"github.com/manifoldmcp/manifold/internal/model"
)

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.RegisterProtocol(ProtocolLoopback, NewLoopbackTransport)
	return r
}

func TestRegisterAndLookup(t *testing.T) {
	r := newTestRegistry()

	err := r.Register(model.BackendConfig{Name: "tools", Protocol: ProtocolLoopback, IsActive: true})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	cfg, err := r.Lookup("tools")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if cfg.Name != "tools" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestRegisterUnknownProtocol(t *testing.T) {
	r := newTestRegistry()
	err := r.Register(model.BackendConfig{Name: "x", Protocol: "carrier-pigeon", IsActive: true})
	if err == nil {
		t.Fatal("expected an error for an unregistered protocol")
	}
}

func TestLookupUnknownBackend(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Lookup("nope")
	if kind, _ := model.KindOf(err); kind != model.KindBackendNotFound {
		t.Fatalf("expected BackendNotFound, got %v", err)
	}
}

func TestLookupDisabledBackend(t *testing.T) {
	r := newTestRegistry()
	r.Register(model.BackendConfig{Name: "off", Protocol: ProtocolLoopback, IsActive: false})

	_, err := r.Lookup("off")
	if kind, _ := model.KindOf(err); kind != model.KindBackendNotFound {
		t.Fatalf("expected BackendNotFound for disabled backend, got %v", err)
	}
}

func TestMarkCrashed(t *testing.T) {
	r := newTestRegistry()
	r.Register(model.BackendConfig{Name: "flaky", Protocol: ProtocolLoopback, IsActive: true})

	r.MarkCrashed("flaky")
	_, err := r.Lookup("flaky")
	if kind, _ := model.KindOf(err); kind != model.KindBackendCrashed {
		t.Fatalf("expected BackendCrashed, got %v", err)
	}

	// Re-registering clears the crashed flag.
	r.Register(model.BackendConfig{Name: "flaky", Protocol: ProtocolLoopback, IsActive: true})
	if _, err := r.Lookup("flaky"); err != nil {
		t.Errorf("lookup after re-register: %v", err)
	}
}

func TestDialLoopback(t *testing.T) {
	r := newTestRegistry()
	r.Register(model.BackendConfig{Name: "tools", Protocol: ProtocolLoopback, IsActive: true})

	tr, err := r.Dial(context.Background(), "tools")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer tr.Close()

	if !tr.IsAlive() {
		t.Error("freshly dialed transport should be alive")
	}

	bt, ok := tr.(Transport)
	if !ok {
		t.Fatal("dialed transport must implement backend.Transport")
	}

	res, err := bt.CallTool(context.Background(), "echo", map[string]any{"message": "hello"})
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if len(res.Content) == 0 {
		t.Fatal("echo returned no content")
	}

	tools, err := bt.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(tools) != 2 {
		t.Errorf("expected 2 loopback tools, got %d", len(tools))
	}

	tr.Close()
	if tr.IsAlive() {
		t.Error("closed transport must not report alive")
	}
}
