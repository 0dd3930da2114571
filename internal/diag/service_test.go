package diag

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"warden/internal/supervisor"
	logx "warden/pkg/logx"
)

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func get(t *testing.T, url string, header map[string]string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, http.NoBody)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestServiceServesHealthAndStatus(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop(),
		WithStatus(func() any { return map[string]any{"children": 2} }),
	)
	if s.Name() != "diag" || s.Policy() != supervisor.Permanent {
		t.Fatalf("child identity = %q/%v", s.Name(), s.Policy())
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	addr := s.Addr()
	if addr == "" {
		t.Fatal("Addr() empty after Start")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}

	code, body := get(t, "http://"+addr+"/healthz", nil)
	if code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}

	code, body = get(t, "http://"+addr+"/statusz", nil)
	if code != http.StatusOK {
		t.Fatalf("statusz = %d", code)
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("statusz not JSON: %v\n%s", err, body)
	}
	if doc["children"] != float64(2) {
		t.Fatalf("statusz doc = %v", doc)
	}

	snap := s.Snapshot()
	if !snap.Enabled || snap.Addr == "" || snap.TokenSet {
		t.Fatalf("Snapshot = %+v", snap)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("Addr() non-empty after Stop")
	}
}

func TestServiceDisabledIsIdle(t *testing.T) {
	s := New(Config{Enabled: false}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("disabled service bound a listener")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestServiceTokenAuth(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "hunter2"}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	addr := s.Addr()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}

	if code, _ := get(t, "http://"+addr+"/healthz", nil); code != http.StatusUnauthorized {
		t.Fatalf("no-token status = %d, want 401", code)
	}
	if code, _ := get(t, "http://"+addr+"/healthz?token=hunter2", nil); code != http.StatusOK {
		t.Fatalf("query-token status = %d, want 200", code)
	}
	if code, _ := get(t, "http://"+addr+"/healthz", map[string]string{"Authorization": "Bearer hunter2"}); code != http.StatusOK {
		t.Fatalf("bearer status = %d, want 200", code)
	}
	if code, _ := get(t, "http://"+addr+"/healthz", map[string]string{"Authorization": "Bearer wrong"}); code != http.StatusUnauthorized {
		t.Fatalf("bad-bearer status = %d, want 401", code)
	}

	if !s.Snapshot().TokenSet {
		t.Fatal("Snapshot.TokenSet = false with token configured")
	}
}

func TestServiceRefusesInsecureBind(t *testing.T) {
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	err := s.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("Start on 0.0.0.0 without auth = %v, want insecure-bind error", err)
	}
}

func TestServiceApplyBouncesOnChange(t *testing.T) {
	var exits atomic.Int32
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop(),
		WithOnExit(func(error) { exits.Add(1) }),
	)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	addr := s.Addr()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}
	if code, _ := get(t, "http://"+addr+"/debug/pprof/", nil); code != http.StatusNotFound {
		t.Fatalf("pprof disabled status = %d, want 404", code)
	}

	// Toggling pprof needs a listener bounce.
	s.Apply(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true})
	addr = s.Addr()
	if addr == "" {
		t.Fatal("Addr() empty after Apply bounce")
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable after bounce: %v", err)
	}
	if code, _ := get(t, "http://"+addr+"/debug/pprof/", nil); code != http.StatusOK {
		t.Fatalf("pprof enabled status = %d, want 200", code)
	}

	// Disable flips the listener off.
	s.Apply(ctx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatal("Addr() non-empty after disable")
	}

	// Orderly bounces and stops never count as unexpected exits.
	if got := exits.Load(); got != 0 {
		t.Fatalf("onExit fired %d times during orderly lifecycle", got)
	}
}

func TestServiceReportsUnexpectedExit(t *testing.T) {
	exitErr := make(chan error, 1)
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop(),
		WithOnExit(func(err error) { exitErr <- err }),
	)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	// Yank the listener out from under the server.
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	_ = ln.Close()

	select {
	case err := <-exitErr:
		if err == nil {
			t.Fatal("onExit called with nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onExit not called after listener death")
	}
	if s.Addr() != "" {
		t.Fatal("Addr() non-empty after server death")
	}
}
