package plugin

import (
	"testing"
	"time"

	"github.com/AssetsArt/nylon/internal/config"
)

func intPtr(v int) *int       { return &v }
func u64Ptr(v uint64) *uint64 { return &v }

func testMessagingConfig() *config.MessagingConfig {
	return &config.MessagingConfig{
		Name:             "bus",
		Servers:          []string{"nats://127.0.0.1:4222"},
		SubjectPrefix:    "nylon",
		RequestTimeoutMs: u64Ptr(500),
	}
}

func TestMessagingPluginSubjects(t *testing.T) {
	item := &config.PluginItem{Name: "authz", Type: config.PluginMessaging, Messaging: "bus"}
	mp, err := NewMessagingPlugin(item, testMessagingConfig())
	if err != nil {
		t.Fatal(err)
	}

	if got := mp.Subject(PhaseRequestFilter); got != "nylon.plugin.authz.request_filter" {
		t.Errorf("subject: %q", got)
	}
	if got := mp.Subject(PhaseLogging); got != "nylon.plugin.authz.logging" {
		t.Errorf("subject: %q", got)
	}
}

func TestQueueGroupDefault(t *testing.T) {
	item := &config.PluginItem{Name: "p", Type: config.PluginMessaging, Messaging: "bus"}
	mp, _ := NewMessagingPlugin(item, testMessagingConfig())
	if mp.QueueGroup != "default" {
		t.Errorf("expected default queue group, got %q", mp.QueueGroup)
	}

	item.Group = "workers"
	mp, _ = NewMessagingPlugin(item, testMessagingConfig())
	if mp.QueueGroup != "workers" {
		t.Errorf("expected workers, got %q", mp.QueueGroup)
	}
}

func TestPerPhasePolicies(t *testing.T) {
	item := &config.PluginItem{
		Name: "p", Type: config.PluginMessaging, Messaging: "bus",
		PerPhase: map[string]config.PhasePolicyConfig{
			"request_filter": {
				TimeoutMs: u64Ptr(200),
				OnError:   "continue",
				Retry:     &config.RetryPolicyConfig{Max: intPtr(3)},
			},
		},
	}
	mp, err := NewMessagingPlugin(item, testMessagingConfig())
	if err != nil {
		t.Fatal(err)
	}

	policy := mp.PhasePolicy(PhaseRequestFilter)
	if policy.Timeout != 200*time.Millisecond {
		t.Errorf("timeout: %v", policy.Timeout)
	}
	if policy.OnError != OnErrorContinue {
		t.Errorf("on_error: %v", policy.OnError)
	}
	if policy.Retry.MaxAttempts != 3 {
		t.Errorf("retry max: %d", policy.Retry.MaxAttempts)
	}

	// Unconfigured phases abort.
	if mp.PhasePolicy(PhaseLogging).OnError != OnErrorAbort {
		t.Error("unset phase should default to abort")
	}
}

func TestMessagingPluginRequiresServers(t *testing.T) {
	item := &config.PluginItem{Name: "p", Type: config.PluginMessaging, Messaging: "bus"}
	if _, err := NewMessagingPlugin(item, &config.MessagingConfig{Name: "bus"}); err == nil {
		t.Error("expected error for empty server list")
	}
}

func TestMessagingTransportDedup(t *testing.T) {
	mp, _ := NewMessagingPlugin(
		&config.PluginItem{Name: "p", Type: config.PluginMessaging, Messaging: "bus"},
		testMessagingConfig())
	tr := OpenMessaging(mp, NewSessionID(), PhaseRequestFilter)

	method := MethodSetResponseStatus
	resp := &Response{
		Version:   ProtocolVersion,
		RequestID: "dup-id",
		SessionID: tr.SessionID(),
		Method:    &method,
		Action:    ActionNext,
		Data:      []byte{0x00, 0xC8},
	}

	first, err := tr.decode(resp)
	if err != nil {
		t.Fatal(err)
	}
	if first.Method != method {
		t.Fatalf("first delivery should carry the method, got %d", first.Method)
	}

	// Redelivery of the same request id is dropped: the handler sees a
	// bare advance instead of a second side effect.
	second, err := tr.decode(resp)
	if err != nil {
		t.Fatal(err)
	}
	if second.Method != MethodNext {
		t.Errorf("duplicate should decode to Next, got method %d", second.Method)
	}
}

func TestMessagingTransportDecodeActions(t *testing.T) {
	mp, _ := NewMessagingPlugin(
		&config.PluginItem{Name: "p", Type: config.PluginMessaging, Messaging: "bus"},
		testMessagingConfig())
	tr := OpenMessaging(mp, NewSessionID(), PhaseRequestFilter)

	if inv, err := tr.decode(&Response{Version: 1, RequestID: "a", Action: ActionEnd}); err != nil || inv.Method != MethodEnd {
		t.Errorf("End: inv=%+v err=%v", inv, err)
	}
	if inv, err := tr.decode(&Response{Version: 1, RequestID: "b", Action: ActionNext}); err != nil || inv.Method != MethodNext {
		t.Errorf("Next: inv=%+v err=%v", inv, err)
	}
	if _, err := tr.decode(&Response{Version: 1, RequestID: "c", Action: ActionError, Error: "boom"}); err == nil {
		t.Error("Error action should surface as an error")
	}
}
