package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"batchd/internal/httpapi"
	"batchd/internal/manager"
	"batchd/internal/registry"
	"batchd/internal/runtime"
	"batchd/pkg/types"
)

// createTempModelsDir writes one .gguf file per entry; the file size becomes
// the model footprint.
func createTempModelsDir(t *testing.T, sizes map[string]int) string {
	t.Helper()
	dir := t.TempDir()
	for name, size := range sizes {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, make([]byte, size), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir
}

// newServer scans dir, starts a manager on the sim runtime (unless cfg has a
// runtime) and serves it.
func newServer(t *testing.T, dir string, cfg manager.ManagerConfig) (*httptest.Server, *manager.Manager, *runtime.Sim) {
	t.Helper()
	reg, err := registry.NewGGUFScanner().Scan(dir)
	if err != nil {
		t.Fatalf("scan models: %v", err)
	}
	cfg.Registry = reg
	sim := runtime.NewSim(runtime.SimConfig{})
	if cfg.Runtime == nil {
		cfg.Runtime = sim
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 5 * time.Millisecond
	}
	mgr, err := manager.NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(mgr))
	t.Cleanup(func() {
		srv.Close()
		_ = mgr.Close()
	})
	return srv, mgr, sim
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func postInfer(t *testing.T, url, client string, req types.InferRequest) (*http.Response, []byte) {
	t.Helper()
	body, _ := json.Marshal(req)
	hreq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if client != "" {
		hreq.Header.Set("X-Client-ID", client)
	}
	resp, err := http.DefaultClient.Do(hreq)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func getStatus(t *testing.T, base string) types.StatusResponse {
	t.Helper()
	resp, b := httpGet(t, base+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status %d: %s", resp.StatusCode, b)
	}
	var st types.StatusResponse
	if err := json.Unmarshal(b, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}

func residentIDs(st types.StatusResponse) map[string]bool {
	out := map[string]bool{}
	for _, r := range st.Resident {
		out[r.ModelID] = true
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}
