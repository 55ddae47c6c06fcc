package queue

import (
	"testing"

	"github.com/supercheck-io/supercheck-sub010/internal/domain"
)

func TestKeysFor(t *testing.T) {
	k := keysFor("sq", domain.TaskKindBrowserTest)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"waiting", k.waiting(), "sq:browser-test-execution:waiting"},
		{"active", k.active(), "sq:browser-test-execution:active"},
		{"delayed", k.delayed(), "sq:browser-test-execution:delayed"},
		{"completed", k.completed(), "sq:browser-test-execution:completed"},
		{"failed", k.failed(), "sq:browser-test-execution:failed"},
		{"job", k.job("abc"), "sq:browser-test-execution:job:abc"},
		{"jobPrefix", k.jobPrefix(), "sq:browser-test-execution:job:"},
		{"dedup", k.dedup(), "sq:browser-test-execution:dedup"},
		{"seq", k.seq(), "sq:browser-test-execution:seq"},
		{"tenant", k.tenant(), "sq:browser-test-execution:tenant"},
		{"repeat", k.repeat(), "sq:browser-test-execution:repeat"},
		{"repeatMeta", k.repeatMeta("h1"), "sq:browser-test-execution:repeat:h1"},
		{"repeatIndex", k.repeatIndex(), "sq:browser-test-execution:repeat:index"},
		{"events", k.events(), "sq:browser-test-execution:events"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestKeysFor_KindsAreDisjoint(t *testing.T) {
	seen := make(map[string]domain.TaskKind)
	for _, kind := range domain.AllTaskKinds {
		k := keysFor("sq", kind)
		for _, key := range []string{k.waiting(), k.active(), k.delayed(), k.events()} {
			if prev, ok := seen[key]; ok {
				t.Fatalf("key %q shared by %s and %s", key, prev, kind)
			}
			seen[key] = kind
		}
	}
}

func TestKeysFor_PrefixIsolation(t *testing.T) {
	a := keysFor("sq", domain.TaskKindMonitorCheck)
	b := keysFor("staging", domain.TaskKindMonitorCheck)
	if a.waiting() == b.waiting() {
		t.Errorf("different prefixes must not collide: %q", a.waiting())
	}
}

func TestTenantField(t *testing.T) {
	got := tenantField("11111111-2222-3333-4444-555555555555", stateWaiting)
	want := "11111111-2222-3333-4444-555555555555:waiting"
	if got != want {
		t.Errorf("tenantField = %q, want %q", got, want)
	}
}
