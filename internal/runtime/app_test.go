package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tjfontaine/supportdesk/internal/auth"
	"github.com/tjfontaine/supportdesk/internal/pkg/config"
	"github.com/tjfontaine/supportdesk/internal/storage/memory"
)

const agentKey = "sk-acme-alice"

func writeConfig(t *testing.T, path string, extraTenant bool) {
	t.Helper()
	content := `
server:
  port: 0
responder:
  type: static
  static_response: "Reset it from the account page."
  static_confidence: 0.9
auth:
  session_secret: test-secret
tenants:
  - id: acme
    company_name: Acme Corp
    chatbot_greeting: Welcome to Acme!
    api_keys:
      - key_hash: "` + auth.HashAPIKey(agentKey) + `"
        agent_id: alice
        agent_name: Alice
    knowledge_base:
      - question: How do I reset my password?
        answer: From the account page.
`
	if extraTenant {
		content += `
  - id: globex
    company_name: Globex
`
	}
	// Write then rename so the watcher sees one complete file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename config: %v", err)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startApp(t *testing.T, opts ...Option) (*App, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, false)

	app, err := New(append([]Option{WithConfigFile(path), WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := app.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() error = %v", err)
		}
	})
	return app, path
}

func TestNew_RequiresConfig(t *testing.T) {
	if _, err := New(); err == nil {
		t.Fatal("expected error without config source")
	}
	if _, err := New(WithConfigFile("")); err == nil {
		t.Fatal("expected error for empty config path")
	}
	if _, err := New(WithConfigFile("config.yaml"), WithLogger(nil)); err == nil {
		t.Fatal("expected error for nil logger")
	}
}

func TestApp_StartServesWidgetAndAgentAPIs(t *testing.T) {
	app, _ := startApp(t, WithoutConfigWatch(), WithStore(memory.New()))

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{
		"customer_name":  "Jane",
		"customer_email": "jane@example.com",
	})
	resp, err := http.Post(srv.URL+"/api/widget/acme/conversations", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("start conversation: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d, want 201", resp.StatusCode)
	}

	var started struct {
		Conversation struct {
			ID string `json:"id"`
		} `json:"conversation"`
		SessionToken string `json:"session_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&started); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if started.Conversation.ID == "" || started.SessionToken == "" {
		t.Fatalf("incomplete start response: %+v", started)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/agent/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+agentKey)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp2.StatusCode)
	}

	items, err := app.store.ListKnowledgeBase(context.Background(), "acme", true)
	if err != nil {
		t.Fatalf("ListKnowledgeBase() error = %v", err)
	}
	if len(items) != 1 {
		t.Errorf("seeded knowledge base items = %d, want 1", len(items))
	}
}

func TestApp_ReloadAddsTenant(t *testing.T) {
	app, path := startApp(t)

	if _, ok := app.Tenants().GetTenant("globex"); ok {
		t.Fatal("globex should not exist before reload")
	}

	writeConfig(t, path, true)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := app.Tenants().GetTenant("globex"); ok {
			if _, ok := app.Tenants().GetTenant("acme"); !ok {
				t.Fatal("acme lost after reload")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("globex not loaded after config change")
}

func TestNewEventBus(t *testing.T) {
	bus, err := newEventBus(context.Background(), config.EventsConfig{Type: "direct"}, quietLogger())
	if err != nil {
		t.Fatalf("direct bus: %v", err)
	}
	bus.Close()

	if _, err := newEventBus(context.Background(), config.EventsConfig{Type: "kafka"}, quietLogger()); err == nil {
		t.Error("expected error for unknown events type")
	}
}
