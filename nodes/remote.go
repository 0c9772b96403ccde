package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sebastianwelsh/modex/exchange"
	"github.com/sebastianwelsh/modex/exchange/emit"
	"github.com/sebastianwelsh/modex/exchange/transport"
	"github.com/sebastianwelsh/modex/exchange/watch"
)

// pollInterval is how often Remote polls the modeling service for
// external changes.
const pollInterval = 100 * time.Millisecond

// RemoteCredentials resolves a single (header, value) auth pair once at
// construction, from either an API key or an auth handle — the two
// credential shapes the modeling service's wire API accepts.
type RemoteCredentials struct {
	header string
	value  string
}

// WithAPIKey authenticates using the X_API_KEY header.
func WithAPIKey(key string) RemoteCredentials {
	return RemoteCredentials{header: "X_API_KEY", value: key}
}

// WithAuthHandle authenticates using the X_AUTH_HANDLE header.
func WithAuthHandle(handle string) RemoteCredentials {
	return RemoteCredentials{header: "X_AUTH_HANDLE", value: handle}
}

// Remote is the remote-modeling-service Node: it keeps a sedaroml IR
// file and a sibling "<branch>.metadata.json" sidecar
// recording the service's last-known dateModified, polls for external
// changes, and detects/resolves a startup conflict between its local
// file and the live service state.
type Remote struct {
	identifier string
	branchID   string
	baseURL    string
	irPath     string
	client     *transport.Client

	mu               sync.Mutex
	lastRemoteIR     *exchange.ModelIR
	lastDateModified string
}

// NewRemote wraps the modeling service branch branchID at baseURL,
// caching its IR at irPath. baseURL is used as-is (no trailing slash
// assumed) to build branch URLs.
func NewRemote(identifier, branchID, baseURL, irPath string, creds RemoteCredentials) *Remote {
	client := transport.NewClient(10*time.Second, transport.DefaultRetryPolicy())
	client.Header.Set(creds.header, creds.value)
	return &Remote{
		identifier: identifier,
		branchID:   branchID,
		baseURL:    baseURL,
		irPath:     irPath,
		client:     client,
	}
}

func (r *Remote) Identifier() string       { return r.identifier }
func (r *Remote) SedaromlFilename() string { return r.irPath }

func (r *Remote) metadataPath() string {
	return filepath.Join(filepath.Dir(r.irPath), r.branchID+".metadata.json")
}

type metadataSidecar struct {
	DateModified string `json:"date_modified"`
}

func (r *Remote) readMetadataDate() (string, error) {
	f, err := os.Open(r.metadataPath())
	if err != nil {
		return "", err
	}
	defer f.Close()
	var m metadataSidecar
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return "", err
	}
	// Quotes embedded in the stored value are a known artifact of the
	// service's own JSON-in-JSON encoding and are stripped on load.
	return strings.ReplaceAll(m.DateModified, `"`, ""), nil
}

func (r *Remote) writeMetadataDate(dateModified string) error {
	f, err := os.Create(r.metadataPath())
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(metadataSidecar{DateModified: dateModified})
}

type branchGetResponse struct {
	Data         json.RawMessage `json:"data"`
	DateModified string          `json:"dateModified"`
}

// fetch performs the GET and decodes both the IR and the dateModified
// marker, caching both for CheckConflict/ResolveConflict to reuse.
func (r *Remote) fetch(ctx context.Context) (*exchange.ModelIR, string, error) {
	url := fmt.Sprintf("%s/models/branches/%s", r.baseURL, r.branchID)
	resp, err := r.client.Do(ctx, http.MethodGet, url, nil, nil)
	if err != nil {
		return nil, "", fmt.Errorf("nodes: fetching branch %q: %w", r.branchID, err)
	}

	var body branchGetResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, "", fmt.Errorf("nodes: decoding branch %q response: %w", r.branchID, err)
	}
	ir, err := exchange.DecodeModelIR(bytes.NewReader(body.Data))
	if err != nil {
		return nil, "", fmt.Errorf("nodes: decoding branch %q ir: %w", r.branchID, err)
	}

	r.mu.Lock()
	r.lastRemoteIR = ir
	r.lastDateModified = body.DateModified
	r.mu.Unlock()

	return ir, body.DateModified, nil
}

// Read fetches the foreign IR and records the observed dateModified in
// the metadata sidecar, so CheckConflict and the next poll have a
// baseline. It does not touch the sedaroml IR file itself — that disk
// write is the caller's responsibility (handleStart bootstraps it,
// ResolveConflict's caller persists the resolution).
func (r *Remote) Read() (*exchange.ModelIR, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ir, dateModified, err := r.fetch(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.writeMetadataDate(dateModified); err != nil {
		return nil, fmt.Errorf("nodes: writing metadata sidecar: %w", err)
	}
	return ir, nil
}

// CheckConflict compares the local sedaroml file (if any) against the
// remote state already cached by the most recent Read: if both exist
// and the local/remote IR differ, a conflict is reported. Either file
// missing means nothing to disagree with yet.
func (r *Remote) CheckConflict() (*exchange.ModelDiff, error) {
	localFile, err := os.Open(r.irPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer localFile.Close()

	if _, err := r.readMetadataDate(); os.IsNotExist(err) {
		return nil, nil
	}

	localIR, err := exchange.DecodeModelIR(localFile)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	remoteIR := r.lastRemoteIR
	r.mu.Unlock()
	if remoteIR == nil {
		return nil, nil
	}

	diff := exchange.Diff(localIR, remoteIR)
	if diff.IsEmpty() {
		return nil, nil
	}
	return diff, nil
}

// ResolveConflict implements exchange.ConflictResolverHook. KeepRep
// pushes the local sedaroml file to the service; UpdateRep adopts the
// cached remote state. Either way it returns the IR the caller should
// persist as the new local disk cache.
func (r *Remote) ResolveConflict(resolution exchange.ConflictResolution) (*exchange.ModelIR, error) {
	switch resolution {
	case exchange.UpdateRep:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.lastRemoteIR, nil
	case exchange.KeepRep:
		localFile, err := os.Open(r.irPath)
		if err != nil {
			return nil, err
		}
		defer localFile.Close()
		localIR, err := exchange.DecodeModelIR(localFile)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.pushFull(ctx, localIR); err != nil {
			return nil, err
		}
		return localIR, nil
	default:
		return nil, fmt.Errorf("nodes: unknown conflict resolution %v", resolution)
	}
}

// Write implements exchange.Exchangeable for callers that have no diff
// to work from: it replaces the entire remote model.
func (r *Remote) Write(ir *exchange.ModelIR) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.pushFull(ctx, ir)
}

// WriteDiff implements exchange.DiffWriter: it patches the service using
// the diff (added & updated blocks as upserts; removed blocks as
// deletes; root updates). Block-level upserts carry only the fields the
// diff actually touched — the service is expected to merge a partial
// block onto its existing record, not replace it wholesale; see
// DESIGN.md.
func (r *Remote) WriteDiff(diff *exchange.ModelDiff) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	root := map[string]any{}
	diff.RootDiff.Added.Range(func(k string, v any) bool { root[k] = v; return true })
	diff.RootDiff.Updated.Range(func(k string, v any) bool { root[k] = v; return true })

	var blocks []map[string]any
	diff.AddedBlocks.Range(func(id string, b *exchange.Block) bool {
		blocks = append(blocks, blockToMap(id, b))
		return true
	})
	anyAdded := len(blocks) > 0
	diff.UpdatedBlocks.Range(func(id string, bd *exchange.BlockDiff) bool {
		m := map[string]any{"id": id}
		bd.Added.Range(func(k string, v any) bool { m[k] = v; return true })
		bd.Updated.Range(func(k string, v any) bool { m[k] = v; return true })
		blocks = append(blocks, m)
		return true
	})

	var deletes []string
	diff.RemovedBlocks.Range(func(id string, _ *exchange.Block) bool {
		deletes = append(deletes, id)
		return true
	})

	dateModified, err := r.patch(ctx, root, blocks, deletes)
	if err != nil {
		return err
	}

	if !anyAdded {
		return r.writeMetadataDate(dateModified)
	}

	// A service-assigned identifier may have replaced a temporary one;
	// re-fetch and reconcile the local cache.
	reconciled, newDateModified, err := r.fetch(ctx)
	if err != nil {
		return err
	}
	f, err := os.Create(r.irPath)
	if err != nil {
		return err
	}
	if err := exchange.EncodeModelIR(f, reconciled); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return r.writeMetadataDate(newDateModified)
}

func (r *Remote) pushFull(ctx context.Context, ir *exchange.ModelIR) error {
	root := map[string]any{}
	ir.Root.Range(func(k string, v any) bool { root[k] = v; return true })

	var blocks []map[string]any
	ir.Blocks.Range(func(id string, b *exchange.Block) bool {
		blocks = append(blocks, blockToMap(id, b))
		return true
	})

	dateModified, err := r.patch(ctx, root, blocks, nil)
	if err != nil {
		return err
	}
	return r.writeMetadataDate(dateModified)
}

type patchBody struct {
	Root   map[string]any   `json:"root,omitempty"`
	Blocks []map[string]any `json:"blocks,omitempty"`
	Delete []string         `json:"delete,omitempty"`
}

type patchResponse struct {
	Branch struct {
		DateModified string `json:"dateModified"`
	} `json:"branch"`
}

func (r *Remote) patch(ctx context.Context, root map[string]any, blocks []map[string]any, deletes []string) (string, error) {
	body, err := json.Marshal(patchBody{Root: root, Blocks: blocks, Delete: deletes})
	if err != nil {
		return "", fmt.Errorf("nodes: encoding patch body: %w", err)
	}

	url := fmt.Sprintf("%s/models/branches/%s/template", r.baseURL, r.branchID)
	headers := http.Header{"Content-Type": []string{"application/json"}}
	resp, err := r.client.Do(ctx, http.MethodPatch, url, headers, body)
	if err != nil {
		return "", fmt.Errorf("nodes: patching branch %q: %w", r.branchID, err)
	}

	var parsed patchResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return "", fmt.Errorf("nodes: decoding patch response: %w", err)
	}
	return parsed.Branch.DateModified, nil
}

func blockToMap(id string, b *exchange.Block) map[string]any {
	m := map[string]any{"id": id}
	b.Range(func(k string, v any) bool {
		m[k] = v
		return true
	})
	return m
}

// Watcher implements exchange.Watched: Remote polls the service instead
// of watching a local path.
func (r *Remote) Watcher(emitter emit.Emitter) watch.Watcher {
	return watch.NewPollWatcher(pollInterval, r.checkPoll, emitter, r.identifier)
}

// checkPoll fetches the branch and, if its dateModified differs from
// the locally cached marker, overwrites the local IR and metadata
// before reporting a change, so the round loop's subsequent Refresh
// sees it.
func (r *Remote) checkPoll() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ir, dateModified, err := r.fetch(ctx)
	if err != nil {
		return false, err
	}

	localDate, err := r.readMetadataDate()
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	if dateModified == localDate {
		return false, nil
	}

	f, err := os.Create(r.irPath)
	if err != nil {
		return false, err
	}
	if err := exchange.EncodeModelIR(f, ir); err != nil {
		f.Close()
		return false, err
	}
	if err := f.Close(); err != nil {
		return false, err
	}
	if err := r.writeMetadataDate(dateModified); err != nil {
		return false, err
	}
	return true, nil
}
