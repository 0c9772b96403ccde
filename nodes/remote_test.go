package nodes

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sebastianwelsh/modex/exchange"
	"github.com/sebastianwelsh/modex/exchange/omap"
)

// branchServer is a minimal stand-in for the remote modeling service's
// wire API: GET returns the current model + dateModified, PATCH merges
// root/blocks/delete and bumps dateModified.
type branchServer struct {
	mu           sync.Mutex
	root         map[string]any
	blocks       map[string]map[string]any
	dateModified int
	authHeader   string
	authValue    string
}

func newBranchServer() *branchServer {
	return &branchServer{root: map[string]any{}, blocks: map[string]map[string]any{}}
}

func (s *branchServer) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authHeader != "" && r.Header.Get(s.authHeader) != s.authValue {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case r.Method == http.MethodGet:
			data := map[string]any{"blocks": s.blocks, "index": map[string]any{}}
			for k, v := range s.root {
				data[k] = v
			}
			raw, _ := json.Marshal(data)
			resp := map[string]any{"data": json.RawMessage(raw), "dateModified": fmt.Sprintf("t%d", s.dateModified)}
			json.NewEncoder(w).Encode(resp)

		case r.Method == http.MethodPatch:
			var body patchBody
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			for k, v := range body.Root {
				s.root[k] = v
			}
			for _, b := range body.Blocks {
				id, _ := b["id"].(string)
				existing, ok := s.blocks[id]
				if !ok {
					existing = map[string]any{}
				}
				for k, v := range b {
					if k == "id" {
						continue
					}
					existing[k] = v
				}
				s.blocks[id] = existing
			}
			for _, id := range body.Delete {
				delete(s.blocks, id)
			}
			s.dateModified++
			json.NewEncoder(w).Encode(map[string]any{"branch": map[string]any{"dateModified": fmt.Sprintf("t%d", s.dateModified)}})

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
}

func TestRemoteReadFetchesAndWritesMetadata(t *testing.T) {
	srv := newBranchServer()
	srv.root["name"] = "widget"
	httpSrv := srv.server()
	defer httpSrv.Close()

	dir := t.TempDir()
	r := NewRemote("x", "branch1", httpSrv.URL, filepath.Join(dir, "x.sedaroml.json"), WithAPIKey("secret"))

	ir, err := r.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	name, ok := ir.Root.Get("name")
	if !ok || name != "widget" {
		t.Errorf("Root[name] = %v, %v, want \"widget\", true", name, ok)
	}

	if _, err := os.Stat(r.metadataPath()); err != nil {
		t.Errorf("Read did not write metadata sidecar: %v", err)
	}
}

func TestRemoteCheckConflictNoLocalFileIsNil(t *testing.T) {
	srv := newBranchServer()
	httpSrv := srv.server()
	defer httpSrv.Close()

	dir := t.TempDir()
	r := NewRemote("x", "branch1", httpSrv.URL, filepath.Join(dir, "x.sedaroml.json"), WithAPIKey("secret"))

	if _, err := r.Read(); err != nil {
		t.Fatalf("Read: %v", err)
	}
	diff, err := r.CheckConflict()
	if err != nil {
		t.Fatalf("CheckConflict: %v", err)
	}
	if diff != nil {
		t.Errorf("CheckConflict = %v, want nil (no local sedaroml file yet)", diff)
	}
}

func TestRemoteCheckConflictDetectsDivergence(t *testing.T) {
	srv := newBranchServer()
	srv.root["name"] = "remote-widget"
	httpSrv := srv.server()
	defer httpSrv.Close()

	dir := t.TempDir()
	irPath := filepath.Join(dir, "x.sedaroml.json")
	r := NewRemote("x", "branch1", httpSrv.URL, irPath, WithAPIKey("secret"))

	local := exchange.NewModelIR()
	local.Root.Set("name", "local-widget")
	writeIRFile(t, irPath, local)
	writeMetadataFile(t, r.metadataPath(), "t0")

	if _, err := r.Read(); err != nil {
		t.Fatalf("Read: %v", err)
	}
	diff, err := r.CheckConflict()
	if err != nil {
		t.Fatalf("CheckConflict: %v", err)
	}
	if diff == nil || diff.IsEmpty() {
		t.Fatalf("CheckConflict = %v, want a non-empty diff", diff)
	}
}

func TestRemoteWriteDiffPatchesAddedBlock(t *testing.T) {
	srv := newBranchServer()
	httpSrv := srv.server()
	defer httpSrv.Close()

	dir := t.TempDir()
	r := NewRemote("x", "branch1", httpSrv.URL, filepath.Join(dir, "x.sedaroml.json"), WithAPIKey("secret"))

	old := exchange.NewModelIR()
	next := exchange.NewModelIR()
	b := omap.New[any]()
	b.Set("v", exchange.NumberFromInt64(1))
	next.Blocks.Set("b1", b)
	diff := exchange.Diff(old, next)

	if err := r.WriteDiff(diff); err != nil {
		t.Fatalf("WriteDiff: %v", err)
	}
	srv.mu.Lock()
	_, ok := srv.blocks["b1"]
	srv.mu.Unlock()
	if !ok {
		t.Error("WriteDiff did not PATCH the added block to the server")
	}
}

func TestRemoteCredentialsSetAuthHeader(t *testing.T) {
	srv := newBranchServer()
	srv.authHeader = "X_API_KEY"
	srv.authValue = "secret"
	httpSrv := srv.server()
	defer httpSrv.Close()

	dir := t.TempDir()
	r := NewRemote("x", "branch1", httpSrv.URL, filepath.Join(dir, "x.sedaroml.json"), WithAPIKey("secret"))
	if _, err := r.Read(); err != nil {
		t.Fatalf("Read with correct api key: %v", err)
	}

	rWrong := NewRemote("x", "branch1", httpSrv.URL, filepath.Join(dir, "x2.sedaroml.json"), WithAPIKey("wrong"))
	if _, err := rWrong.Read(); err == nil {
		t.Fatal("expected Read with wrong api key to fail")
	}
}

func writeIRFile(t *testing.T, filename string, ir *exchange.ModelIR) {
	t.Helper()
	f, err := os.Create(filename)
	if err != nil {
		t.Fatalf("os.Create: %v", err)
	}
	defer f.Close()
	if err := exchange.EncodeModelIR(f, ir); err != nil {
		t.Fatalf("EncodeModelIR: %v", err)
	}
}

func writeMetadataFile(t *testing.T, filename, dateModified string) {
	t.Helper()
	f, err := os.Create(filename)
	if err != nil {
		t.Fatalf("os.Create: %v", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(metadataSidecar{DateModified: dateModified}); err != nil {
		t.Fatalf("encoding metadata: %v", err)
	}
}
