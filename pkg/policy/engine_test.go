package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/pilot/pkg/engine"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	eng, err := NewEngine(context.Background(), cfg, engine.Instruments{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func systemStep(command string) *engine.Step {
	return engine.NewStep("s1", "run a command", engine.CapabilitySystem,
		map[string]any{"command": command})
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t, Config{})

	policies := eng.ListPolicies()
	expected := []string{
		PolicyBrowserSchemes,
		PolicyDestructiveCommands,
		PolicyPathTraversal,
		PolicyPrivilegeEscalation,
	}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %s at %d, got %s", name, i, policies[i].Name)
		}
		if !policies[i].Builtin || !policies[i].Enabled {
			t.Errorf("Policy %s should be an enabled builtin", name)
		}
	}
}

func TestCheck_DestructiveCommands(t *testing.T) {
	eng := newTestEngine(t, Config{})

	tests := []struct {
		command string
		denied  bool
	}{
		{"rm -rf /", true},
		{"rm -rf /*", true},
		{"sudo rm -rf ~", true},
		{"mkfs.ext4 /dev/sdb1", true},
		{"dd if=/dev/zero of=/dev/sda bs=1M", true},
		{":(){ :|:& };:", true},
		{"echo done; reboot", true},
		{"chmod -R 777 /", true},
		{"rm -rf /tmp/build", false},
		{"ls -la /var/log", false},
		{"df -h", false},
		{"echo reboot later", false},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			err := eng.Check(context.Background(), "task-1", systemStep(tt.command))
			if tt.denied {
				if err == nil {
					t.Fatal("Expected command to be denied")
				}
				if engine.ErrorCode(err) != engine.ErrCodePolicyDenied {
					t.Errorf("Expected POLICY_DENIED, got %s", engine.ErrorCode(err))
				}
				if !engine.IsPermanent(err) {
					t.Error("Policy denial must be permanent")
				}
				return
			}
			if err != nil {
				t.Errorf("Expected command to be allowed, got %v", err)
			}
		})
	}
}

func TestCheck_PathTraversal(t *testing.T) {
	eng := newTestEngine(t, Config{AllowedRoots: []string{"/srv/work/"}})

	tests := []struct {
		name   string
		params map[string]any
		denied bool
	}{
		{"relative path", map[string]any{"operation": "read", "path": "docs/readme.md"}, false},
		{"parent segment", map[string]any{"operation": "read", "path": "../etc/passwd"}, true},
		{"inner parent segment", map[string]any{"operation": "read", "path": "notes/../../x"}, true},
		{"inside root", map[string]any{"operation": "write", "path": "/srv/work/out.txt"}, false},
		{"root itself", map[string]any{"operation": "list", "path": "/srv/work"}, false},
		{"outside root", map[string]any{"operation": "read", "path": "/etc/passwd"}, true},
		{"root prefix only", map[string]any{"operation": "read", "path": "/srv/workshop/x"}, true},
		{"copy destination", map[string]any{"operation": "copy", "source": "a.txt", "destination": "/tmp/a.txt"}, true},
		{"non-string path", map[string]any{"operation": "read", "path": 42}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := engine.NewStep("f1", "touch a file", engine.CapabilityFile, tt.params)
			decision, err := eng.EvaluateStep(context.Background(), "task-1", step)
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if decision.Allowed == tt.denied {
				t.Errorf("Expected denied=%v, got violations %+v", tt.denied, decision.Violations)
			}
			if tt.denied && decision.Violations[0].Policy != PolicyPathTraversal {
				t.Errorf("Expected %s violation, got %s", PolicyPathTraversal, decision.Violations[0].Policy)
			}
		})
	}
}

func TestCheck_PathTraversalWithoutRoots(t *testing.T) {
	eng := newTestEngine(t, Config{})

	step := engine.NewStep("f1", "read", engine.CapabilityFile, map[string]any{"path": "/etc/hosts"})
	if err := eng.Check(context.Background(), "task-1", step); err != nil {
		t.Errorf("Absolute paths are allowed without roots, got %v", err)
	}
}

func TestCheck_BrowserSchemes(t *testing.T) {
	eng := newTestEngine(t, Config{})

	tests := []struct {
		url    string
		denied bool
	}{
		{"https://example.com/docs", false},
		{"http://localhost:8080", false},
		{"example.com", false},
		{"file:///etc/passwd", true},
		{"ftp://mirror.example.com", true},
		{"javascript:alert(1)", true},
		{"DATA:text/html,<b>x</b>", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			step := engine.NewStep("b1", "open page", engine.CapabilityBrowser, map[string]any{"url": tt.url})
			err := eng.Check(context.Background(), "task-1", step)
			if (err != nil) != tt.denied {
				t.Errorf("Expected denied=%v, got %v", tt.denied, err)
			}
		})
	}
}

func TestEvaluateStep_PrivilegeEscalationWarns(t *testing.T) {
	eng := newTestEngine(t, Config{})

	decision, err := eng.EvaluateStep(context.Background(), "task-1", systemStep("sudo apt-get update"))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}

	if !decision.Allowed {
		t.Fatalf("Warnings must not block, got %+v", decision.Violations)
	}
	if len(decision.Warnings) != 1 {
		t.Fatalf("Expected 1 warning, got %d", len(decision.Warnings))
	}
	if decision.Warnings[0].Policy != PolicyPrivilegeEscalation {
		t.Errorf("Expected %s warning, got %s", PolicyPrivilegeEscalation, decision.Warnings[0].Policy)
	}
	if len(decision.EvaluatedPolicies) != 4 {
		t.Errorf("Expected 4 evaluated policies, got %d", len(decision.EvaluatedPolicies))
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t, Config{Disabled: []string{PolicyDestructiveCommands, "unknown"}})
	ctx := context.Background()

	if err := eng.Check(ctx, "task-1", systemStep("rm -rf /")); err != nil {
		t.Fatalf("Disabled policy should not deny, got %v", err)
	}

	if err := eng.EnablePolicy(PolicyDestructiveCommands); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if err := eng.Check(ctx, "task-1", systemStep("rm -rf /")); err == nil {
		t.Fatal("Enabled policy should deny")
	}

	if err := eng.DisablePolicy("does-not-exist"); err == nil {
		t.Error("Expected error for unknown policy")
	}

	p, err := eng.GetPolicy(PolicyDestructiveCommands)
	if err != nil {
		t.Fatalf("Failed to get policy: %v", err)
	}
	if !p.Enabled || p.Severity != SeverityCritical {
		t.Errorf("Unexpected policy state: %+v", p)
	}
}

func TestCustomPoliciesFromPaths(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no-workspace-rm.rego"), denyRmRego)

	eng := newTestEngine(t, Config{Paths: []string{dir}})

	err := eng.Check(context.Background(), "task-1", systemStep("rm -r workspace"))
	if err == nil {
		t.Fatal("Expected custom policy to deny")
	}
	if engine.ErrorCode(err) != engine.ErrCodePolicyDenied {
		t.Errorf("Expected POLICY_DENIED, got %s", engine.ErrorCode(err))
	}

	if _, err := eng.GetPolicy("no-workspace-rm"); err != nil {
		t.Errorf("Custom policy not listed: %v", err)
	}
}

func TestNewEngine_InvalidCustomPolicy(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken.rego"), "package broken\n\ndeny contains if {")

	_, err := NewEngine(context.Background(), Config{Paths: []string{dir}}, engine.Instruments{Logger: zerolog.Nop()})
	if err == nil {
		t.Fatal("Expected compile error for invalid rego")
	}
}

func TestReplaceCustomPolicies(t *testing.T) {
	eng := newTestEngine(t, Config{})
	ctx := context.Background()

	custom := Policy{Name: "no-workspace-rm", Rego: denyRmRego, Severity: SeverityError, Enabled: true}
	if err := eng.ReplaceCustomPolicies(ctx, []Policy{custom}); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}
	if err := eng.Check(ctx, "task-1", systemStep("rm -r workspace")); err == nil {
		t.Fatal("Expected custom policy to deny")
	}

	broken := Policy{Name: "broken", Rego: "package broken\n\ndeny contains if {", Enabled: true}
	if err := eng.ReplaceCustomPolicies(ctx, []Policy{broken}); err == nil {
		t.Fatal("Expected compile error")
	}
	if err := eng.Check(ctx, "task-1", systemStep("rm -r workspace")); err == nil {
		t.Fatal("Failed replacement must keep the previous policies")
	}

	if err := eng.ReplaceCustomPolicies(ctx, nil); err != nil {
		t.Fatalf("Failed to clear custom policies: %v", err)
	}
	if err := eng.Check(ctx, "task-1", systemStep("rm -r workspace")); err != nil {
		t.Errorf("Expected custom policy to be gone, got %v", err)
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("Built-in policies must survive replacement, got %d", len(eng.ListPolicies()))
	}
}

func TestReplaceCustomPolicies_CannotShadowBuiltin(t *testing.T) {
	eng := newTestEngine(t, Config{})

	shadow := Policy{Name: PolicyDestructiveCommands, Rego: "package shadow\n", Enabled: true}
	if err := eng.ReplaceCustomPolicies(context.Background(), []Policy{shadow}); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}
	if err := eng.Check(context.Background(), "task-1", systemStep("rm -rf /")); err == nil {
		t.Fatal("Built-in policy must not be replaced")
	}
}

func TestEvaluatePlan(t *testing.T) {
	eng := newTestEngine(t, Config{})

	steps := []*engine.Step{
		engine.NewStep("a", "list", engine.CapabilitySystem, map[string]any{"command": "ls"}),
		engine.NewStep("b", "wipe", engine.CapabilitySystem, map[string]any{"command": "rm -rf /"}, "a"),
		engine.NewStep("c", "escape", engine.CapabilityFile, map[string]any{"path": "../secret"}, "a"),
	}

	decision, err := eng.EvaluatePlan(context.Background(), "task-1", steps)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected plan to be denied")
	}
	if len(decision.Violations) != 2 {
		t.Fatalf("Expected 2 violations, got %d", len(decision.Violations))
	}
	stepIDs := map[string]bool{}
	for _, v := range decision.Violations {
		stepIDs[v.StepID] = true
	}
	if !stepIDs["b"] || !stepIDs["c"] {
		t.Errorf("Expected violations for b and c, got %+v", decision.Violations)
	}
}

func TestCheck_CancelledContext(t *testing.T) {
	eng := newTestEngine(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eng.Check(ctx, "task-1", systemStep("ls"))
	if !engine.IsCancelled(err) {
		t.Errorf("Expected cancellation, got %v", err)
	}
}

func TestReloadPolicies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "no-workspace-rm.rego")
	writeFile(t, path, denyRmRego)

	eng := newTestEngine(t, Config{Paths: []string{dir}})
	if err := os.Remove(path); err != nil {
		t.Fatalf("Failed to remove policy: %v", err)
	}

	if err := eng.ReloadPolicies(context.Background()); err != nil {
		t.Fatalf("Failed to reload: %v", err)
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("Expected only built-ins after reload, got %d", len(eng.ListPolicies()))
	}
}

func TestWatch_HotReload(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := newTestEngine(t, Config{Paths: []string{dir}, Watch: true})
	if err := eng.Watch(ctx); err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}

	step := systemStep("rm -r workspace")
	if err := eng.Check(ctx, "task-1", step); err != nil {
		t.Fatalf("Expected allow before the policy exists, got %v", err)
	}

	writeFile(t, filepath.Join(dir, "no-workspace-rm.rego"), denyRmRego)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if err := eng.Check(ctx, "task-1", step); err != nil {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("Policy change was not picked up")
}
