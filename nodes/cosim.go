package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sebastianwelsh/modex/exchange"
	"github.com/sebastianwelsh/modex/exchange/emit"
	"github.com/sebastianwelsh/modex/exchange/transport"
	"github.com/sebastianwelsh/modex/exchange/watch"
)

const (
	consumedValueField = "consumed_value"
	producedValueField = "produced_value"
)

// Cosim connects a running co-simulation job's single external slot to
// ModEx: the foreign "consumed_value" it observes is mirrored into
// root.consumed_value, and root.produced_value (written by translations
// feeding this Node) is pushed back out on Changed.
type Cosim struct {
	identifier string
	jobRef     string // a job id, or a scenario id polled via /control?latest
	agent      string
	slot       string
	baseURL    string
	irPath     string
	client     *transport.Client

	mu              sync.Mutex
	lastConsumed    any
	haveLastConsume bool
}

// NewCosim wraps the externals slot (agent, slot) of co-simulation job
// jobRef at baseURL, caching its IR at irPath.
func NewCosim(identifier, jobRef, agent, slot, baseURL, irPath string, creds RemoteCredentials) *Cosim {
	client := transport.NewClient(10*time.Second, transport.DefaultRetryPolicy())
	client.Header.Set(creds.header, creds.value)
	return &Cosim{
		identifier: identifier,
		jobRef:     jobRef,
		agent:      agent,
		slot:       slot,
		baseURL:    baseURL,
		irPath:     irPath,
		client:     client,
	}
}

func (c *Cosim) Identifier() string       { return c.identifier }
func (c *Cosim) SedaromlFilename() string { return c.irPath }

type jobStatus struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

// awaitRunning polls job discovery until the job reaches RUNNING,
// returning the resolved job id.
func (c *Cosim) awaitRunning(ctx context.Context) (string, error) {
	urls := []string{
		fmt.Sprintf("%s/simulations/jobs/%s", c.baseURL, c.jobRef),
		fmt.Sprintf("%s/simulations/branches/%s/control?latest", c.baseURL, c.jobRef),
	}

	for {
		var status *jobStatus
		var err error
		for _, url := range urls {
			status, err = c.fetchJobStatus(ctx, url)
			if err == nil {
				break
			}
		}
		if err != nil {
			return "", fmt.Errorf("nodes: discovering cosim job %q: %w", c.jobRef, err)
		}
		if status.Status == "RUNNING" {
			return status.ID, nil
		}

		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (c *Cosim) fetchJobStatus(ctx context.Context, url string) (*jobStatus, error) {
	resp, err := c.client.Do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, err
	}

	var single jobStatus
	if err := json.Unmarshal(resp.Body, &single); err == nil && single.Status != "" {
		return &single, nil
	}

	var list []jobStatus
	if err := json.Unmarshal(resp.Body, &list); err != nil {
		return nil, fmt.Errorf("nodes: decoding job status: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("nodes: job status array empty for %q", url)
	}
	return &list[0], nil
}

type externalValue struct {
	Values json.RawMessage `json:"values"`
}

// decodeExternalValue decodes a raw JSON value the same way ModelIR's
// own fields are decoded (objects become *exchange.Block, not
// map[string]any), so the result is directly comparable with
// exchange.ValuesEqual — that function only recognizes *exchange.Block
// for object values, not a plain decoded map.
func decodeExternalValue(raw []byte) (any, error) {
	wrapped := append(append([]byte(`{"v":`), raw...), '}')
	ir, err := exchange.DecodeModelIR(bytes.NewReader(wrapped))
	if err != nil {
		return nil, err
	}
	value, _ := ir.Root.Get("v")
	return value, nil
}

// fetchConsumed pulls the externals slot's current value and records it
// as the node's last-seen consumed value.
func (c *Cosim) fetchConsumed(ctx context.Context, jobID string) (any, error) {
	url := fmt.Sprintf("%s/simulations/jobs/%s/externals/%s/%s", c.baseURL, jobID, c.agent, c.slot)
	resp, err := c.client.Do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("nodes: fetching external %s/%s: %w", c.agent, c.slot, err)
	}

	value, err := decodeExternalValue(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("nodes: decoding external value: %w", err)
	}

	c.mu.Lock()
	c.lastConsumed = value
	c.haveLastConsume = true
	c.mu.Unlock()
	return value, nil
}

// Read spins until the job is running, pulls the current consumed
// value, and returns a ModelIR with it stored at root.consumed_value.
// Any existing local sedaroml file's produced_value, if present, is
// preserved so a later translation into this node still has somewhere
// to write.
func (c *Cosim) Read() (*exchange.ModelIR, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	jobID, err := c.awaitRunning(ctx)
	if err != nil {
		return nil, err
	}
	consumed, err := c.fetchConsumed(ctx, jobID)
	if err != nil {
		return nil, err
	}

	ir := c.loadLocalOrEmpty()
	ir.Root.Set(consumedValueField, consumed)
	return ir, nil
}

func (c *Cosim) loadLocalOrEmpty() *exchange.ModelIR {
	f, err := os.Open(c.irPath)
	if err != nil {
		return exchange.NewModelIR()
	}
	defer f.Close()
	ir, err := exchange.DecodeModelIR(f)
	if err != nil {
		return exchange.NewModelIR()
	}
	return ir
}

// Write pushes root.produced_value to the foreign externals slot.
func (c *Cosim) Write(ir *exchange.ModelIR) error {
	produced, ok := ir.Root.Get(producedValueField)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.pushProduced(ctx, produced)
}

// WriteDiff implements exchange.DiffWriter: only the updated
// produced_value entry is pushed to the foreign system.
func (c *Cosim) WriteDiff(diff *exchange.ModelDiff) error {
	produced, ok := diff.RootDiff.Updated.Get(producedValueField)
	if !ok {
		produced, ok = diff.RootDiff.Added.Get(producedValueField)
	}
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.pushProduced(ctx, produced)
}

func (c *Cosim) pushProduced(ctx context.Context, produced any) error {
	jobID, err := c.awaitRunning(ctx)
	if err != nil {
		return err
	}
	body, err := json.Marshal(externalValue{Values: mustRawMessage(produced)})
	if err != nil {
		return fmt.Errorf("nodes: encoding produced value: %w", err)
	}

	url := fmt.Sprintf("%s/simulations/jobs/%s/externals/%s/%s", c.baseURL, jobID, c.agent, c.slot)
	headers := http.Header{"Content-Type": []string{"application/json"}}
	if _, err := c.client.Do(ctx, http.MethodPatch, url, headers, body); err != nil {
		return fmt.Errorf("nodes: pushing produced value: %w", err)
	}
	return nil
}

func mustRawMessage(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// Watcher implements exchange.Watched: Cosim polls the job's externals
// slot instead of watching a local path.
func (c *Cosim) Watcher(emitter emit.Emitter) watch.Watcher {
	return watch.NewPollWatcher(pollInterval, c.checkPoll, emitter, c.identifier)
}

// checkPoll compares the externals slot's current value structurally
// against the previous poll before treating the foreign state as
// changed, then overwrites the local IR so the round loop's subsequent
// Refresh sees the new consumed_value.
func (c *Cosim) checkPoll() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jobID, err := c.awaitRunning(ctx)
	if err != nil {
		return false, err
	}

	url := fmt.Sprintf("%s/simulations/jobs/%s/externals/%s/%s", c.baseURL, jobID, c.agent, c.slot)
	resp, err := c.client.Do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return false, fmt.Errorf("nodes: polling external %s/%s: %w", c.agent, c.slot, err)
	}
	value, err := decodeExternalValue(resp.Body)
	if err != nil {
		return false, fmt.Errorf("nodes: decoding polled external value: %w", err)
	}

	c.mu.Lock()
	unchanged := c.haveLastConsume && exchange.ValuesEqual(c.lastConsumed, value)
	c.lastConsumed = value
	c.haveLastConsume = true
	c.mu.Unlock()
	if unchanged {
		return false, nil
	}

	ir := c.loadLocalOrEmpty()
	ir.Root.Set(consumedValueField, value)
	f, err := os.Create(c.irPath)
	if err != nil {
		return false, err
	}
	if err := exchange.EncodeModelIR(f, ir); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}
