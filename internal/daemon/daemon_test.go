package daemon

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/wppcrm/internal/api"
	"github.com/matheus3301/wppcrm/internal/config"
	"github.com/matheus3301/wppcrm/internal/profile"
	"github.com/matheus3301/wppcrm/internal/realtime"
	"github.com/matheus3301/wppcrm/internal/store"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

// rejectingDialer refuses every handshake and records the credential it saw.
type rejectingDialer struct {
	mu     sync.Mutex
	header string
}

func (d *rejectingDialer) Dial(_ context.Context, _ string, h http.Header) (realtime.Conn, error) {
	d.mu.Lock()
	d.header = h.Get("Authorization")
	d.mu.Unlock()
	return nil, fmt.Errorf("%w: 401 Unauthorized", realtime.ErrUnauthorized)
}

func (d *rejectingDialer) seen() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.header
}

func crmServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = io.WriteString(w, `{"data": [{"id": 1, "contact": {"name": "Ana"}, "updated_at": "2026-03-01T10:00:00Z"}], "pagination": {"total": 1}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testHome points the profile tree at a short /tmp dir; Unix socket paths are
// limited to about 104 bytes on macOS.
func testHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "wppcrm-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv("WPPCRM_HOME", dir)
	return dir
}

func testConfig(apiURL string) *config.Profile {
	cfg := config.Defaults()
	cfg.APIBaseURL = apiURL
	cfg.RealtimeURL = "ws://127.0.0.1:1"
	cfg.MaxReconnectAttempts = 1
	cfg.ReconnectDelay = config.Duration{}
	cfg.PollInterval = config.Duration{Duration: time.Hour}
	cfg.Token = "tok"
	return &cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDaemonLifecycle(t *testing.T) {
	testHome(t)
	dialer := &rejectingDialer{}
	p := Params{
		ProfileName: "test",
		Config:      testConfig(crmServer(t).URL),
		Dialer:      dialer,
		Logger:      zap.NewNop(),
	}

	app := fxtest.New(t, Module(p))
	app.RequireStart()

	if _, err := profile.Acquire("test"); err == nil {
		t.Fatal("profile lock must be held while the daemon runs")
	}

	c, err := api.Dial(profile.SocketPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	waitFor(t, "initial conversation page", func() bool {
		out, err := c.Call(ctx, "ListConversations", nil)
		return err == nil && len(out.GetFields()["conversations"].GetListValue().GetValues()) == 1
	})

	waitFor(t, "handshake rejection", func() bool {
		out, err := c.Call(ctx, "GetStatus", nil)
		return err == nil && out.GetFields()["status"].GetStringValue() == "error"
	})
	if got := dialer.seen(); got != "Bearer tok" {
		t.Errorf("Authorization = %q, want Bearer tok", got)
	}

	if _, err := c.Call(ctx, "SetDraft", map[string]any{"conversation_id": 1, "text": "até já"}); err != nil {
		t.Fatalf("SetDraft error = %v", err)
	}

	app.RequireStop()

	if _, err := os.Stat(profile.SocketPath("test")); !os.IsNotExist(err) {
		t.Errorf("socket still present after stop: %v", err)
	}
	l, err := profile.Acquire("test")
	if err != nil {
		t.Fatalf("lock not released: %v", err)
	}
	defer func() { _ = l.Release() }()

	// Stop flushes pending drafts and the env token is remembered for the next run.
	db, err := store.Open(profile.AppDBPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	d, err := db.GetDraft(1)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.Body != "até já" {
		t.Errorf("draft = %+v, want flushed body", d)
	}
	if tok, _ := db.Token(); tok != "tok" {
		t.Errorf("saved token = %q, want tok", tok)
	}
}

func TestSavedTokenIsUsedWithoutEnv(t *testing.T) {
	testHome(t)
	if err := profile.EnsureDir("test"); err != nil {
		t.Fatal(err)
	}
	db, err := store.Open(profile.AppDBPath("test"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveToken("saved"); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	cfg := testConfig(crmServer(t).URL)
	cfg.Token = ""
	dialer := &rejectingDialer{}
	app := fxtest.New(t, Module(Params{ProfileName: "test", Config: cfg, Dialer: dialer, Logger: zap.NewNop()}))
	app.RequireStart()
	defer app.RequireStop()

	waitFor(t, "dial with saved token", func() bool { return dialer.seen() == "Bearer saved" })
}

func TestInvalidConfigFailsStartup(t *testing.T) {
	testHome(t)
	cfg := testConfig("")
	app := fx.New(fx.NopLogger, Module(Params{ProfileName: "test", Config: cfg, Logger: zap.NewNop()}))
	if app.Err() == nil {
		t.Fatal("expected startup to fail without api_base_url")
	}
}

func TestNewServerUsesSocketOverride(t *testing.T) {
	dir := testHome(t)
	socketPath := dir + "/d.sock"

	srv, err := NewServer(Params{ProfileName: "fxtest", SocketPath: socketPath}, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if _, err := os.Stat(socketPath); err != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, err)
	}
	srv.Stop(context.Background())
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket not removed: %v", err)
	}
}
