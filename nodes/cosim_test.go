package nodes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/sebastianwelsh/modex/exchange"
)

// cosimServer is a minimal stand-in for the co-simulation wire API (spec
// §6): job discovery, and a single externals slot's consumed/produced
// value.
type cosimServer struct {
	mu       sync.Mutex
	status   string
	consumed any
	produced any
}

func newCosimServer(status string, consumed any) *cosimServer {
	return &cosimServer{status: status, consumed: consumed}
}

func (s *cosimServer) server() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		switch {
		case strings.Contains(r.URL.Path, "/externals/"):
			switch r.Method {
			case http.MethodGet:
				json.NewEncoder(w).Encode(s.consumed)
			case http.MethodPatch:
				var body externalValue
				json.NewDecoder(r.Body).Decode(&body)
				var v any
				json.Unmarshal(body.Values, &v)
				s.produced = v
			}
		case strings.Contains(r.URL.Path, "/jobs/"):
			json.NewEncoder(w).Encode(jobStatus{Status: s.status, ID: "job1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestCosimReadConsumesValueWhenRunning(t *testing.T) {
	srv := newCosimServer("RUNNING", map[string]any{"temp": 72.0})
	httpSrv := srv.server()
	defer httpSrv.Close()

	dir := t.TempDir()
	c := NewCosim("sim", "job1", "agent1", "slot1", httpSrv.URL, filepath.Join(dir, "sim.sedaroml.json"), WithAPIKey("k"))

	ir, err := c.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	consumed, ok := ir.Root.Get(consumedValueField)
	if !ok {
		t.Fatal("Root[consumed_value] missing")
	}
	block, ok := consumed.(*exchange.Block)
	if !ok {
		t.Fatalf("consumed_value = %T, want *exchange.Block", consumed)
	}
	temp, _ := block.Get("temp")
	if !exchange.ValuesEqual(temp, exchange.NumberFromInt64(72)) {
		t.Errorf("consumed_value[temp] = %v, want 72", temp)
	}
}

func TestCosimWritePushesProducedValue(t *testing.T) {
	srv := newCosimServer("RUNNING", map[string]any{"temp": 72.0})
	httpSrv := srv.server()
	defer httpSrv.Close()

	dir := t.TempDir()
	c := NewCosim("sim", "job1", "agent1", "slot1", httpSrv.URL, filepath.Join(dir, "sim.sedaroml.json"), WithAPIKey("k"))

	ir := exchange.NewModelIR()
	ir.Root.Set(producedValueField, map[string]any{"setpoint": 5.0})
	if err := c.Write(ir); err != nil {
		t.Fatalf("Write: %v", err)
	}

	srv.mu.Lock()
	produced := srv.produced
	srv.mu.Unlock()
	m, ok := produced.(map[string]any)
	if !ok || m["setpoint"] != 5.0 {
		t.Errorf("server produced = %v, want {setpoint: 5}", produced)
	}
}

func TestCosimCheckPollDetectsUnchangedConsumedValue(t *testing.T) {
	srv := newCosimServer("RUNNING", map[string]any{"temp": 72.0})
	httpSrv := srv.server()
	defer httpSrv.Close()

	dir := t.TempDir()
	c := NewCosim("sim", "job1", "agent1", "slot1", httpSrv.URL, filepath.Join(dir, "sim.sedaroml.json"), WithAPIKey("k"))

	changed, err := c.checkPoll()
	if err != nil {
		t.Fatalf("checkPoll (first): %v", err)
	}
	if !changed {
		t.Error("first checkPoll should report changed (no prior baseline)")
	}

	changed, err = c.checkPoll()
	if err != nil {
		t.Fatalf("checkPoll (second): %v", err)
	}
	if changed {
		t.Error("second checkPoll with an unchanged consumed value should report unchanged")
	}
}

func TestCosimCheckPollDetectsChangedConsumedValue(t *testing.T) {
	srv := newCosimServer("RUNNING", map[string]any{"temp": 72.0})
	httpSrv := srv.server()
	defer httpSrv.Close()

	dir := t.TempDir()
	c := NewCosim("sim", "job1", "agent1", "slot1", httpSrv.URL, filepath.Join(dir, "sim.sedaroml.json"), WithAPIKey("k"))

	if _, err := c.checkPoll(); err != nil {
		t.Fatalf("checkPoll (first): %v", err)
	}

	srv.mu.Lock()
	srv.consumed = map[string]any{"temp": 75.0}
	srv.mu.Unlock()

	changed, err := c.checkPoll()
	if err != nil {
		t.Fatalf("checkPoll (second): %v", err)
	}
	if !changed {
		t.Error("checkPoll should report changed once the foreign consumed value differs")
	}
}
