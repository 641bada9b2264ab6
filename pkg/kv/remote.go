package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/log"
)

// Remote is the KV facade for hypervisor-role nodes: every operation is
// proxied over HTTP/JSON to a coordinator's Server. It maintains its own
// kv_available boolean, flipping to false whenever a request fails to
// reach any configured coordinator.
type Remote struct {
	httpClient *http.Client
	coordAddrs []string

	mu        sync.RWMutex
	available atomic.Bool
}

// NewRemote creates a Remote client that tries each of coordinatorAddrs
// in turn until one answers.
func NewRemote(coordinatorAddrs []string) *Remote {
	r := &Remote{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		coordAddrs: coordinatorAddrs,
	}
	r.available.Store(true)
	return r
}

func (r *Remote) Available() bool { return r.available.Load() }

func (r *Remote) do(path string, reqBody, respBody any) error {
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	var lastErr error
	reached := false
	r.mu.RLock()
	addrs := append([]string(nil), r.coordAddrs...)
	r.mu.RUnlock()

	for _, addr := range addrs {
		url := fmt.Sprintf("http://%s%s", addr, path)
		resp, err := r.httpClient.Post(url, "application/json", bytes.NewReader(raw))
		if err != nil {
			lastErr = err
			continue
		}
		reached = true
		func() {
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				var e struct {
					Error string `json:"error"`
				}
				_ = json.NewDecoder(resp.Body).Decode(&e)
				lastErr = fmt.Errorf("%s: %s", addr, e.Error)
				return
			}
			if respBody != nil {
				lastErr = json.NewDecoder(resp.Body).Decode(respBody)
			} else {
				lastErr = nil
			}
		}()
		if lastErr == nil {
			r.available.Store(true)
			return nil
		}
	}

	r.available.Store(reached)
	log.Warn(fmt.Sprintf("kv remote call to %s failed on all coordinators: %v", path, lastErr))
	return lastErr
}

func (r *Remote) Get(path string) (*Record, error) {
	var rec Record
	if err := r.do("/v1/kv/get", pathRequest{Path: path}, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Remote) List(prefix string) ([]*Record, error) {
	var recs []*Record
	req := struct {
		Prefix string `json:"prefix"`
	}{Prefix: prefix}
	if err := r.do("/v1/kv/list", req, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (r *Remote) Put(path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	req := struct {
		Path  string          `json:"path"`
		Value json.RawMessage `json:"value"`
	}{Path: path, Value: raw}
	return r.do("/v1/kv/put", req, nil)
}

func (r *Remote) CAS(path string, expectedVersion uint64, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	req := struct {
		Path            string          `json:"path"`
		ExpectedVersion uint64          `json:"expected_version"`
		Value           json.RawMessage `json:"value"`
	}{Path: path, ExpectedVersion: expectedVersion, Value: raw}
	return r.do("/v1/kv/cas", req, nil)
}

func (r *Remote) Delete(path string) error {
	return r.do("/v1/kv/delete", pathRequest{Path: path}, nil)
}

// Watch opens a streaming HTTP connection to the first reachable
// coordinator and decodes newline-delimited Events until ctx is
// cancelled or the connection drops, in which case it is not retried —
// callers (the controllers) already re-derive state from the next watch
// they establish, per the reconnect contract.
func (r *Remote) Watch(ctx context.Context, path string, recursive bool) (<-chan Event, error) {
	r.mu.RLock()
	addrs := append([]string(nil), r.coordAddrs...)
	r.mu.RUnlock()

	var lastErr error
	for _, addr := range addrs {
		url := fmt.Sprintf("http://%s/v1/kv/watch?path=%s&recursive=%v", addr, path, recursive)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 300 {
			resp.Body.Close()
			lastErr = fmt.Errorf("watch %s: status %d", addr, resp.StatusCode)
			continue
		}

		out := make(chan Event, 64)
		go func() {
			defer close(out)
			defer resp.Body.Close()
			dec := json.NewDecoder(resp.Body)
			for {
				var ev Event
				if err := dec.Decode(&ev); err != nil {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}

	r.available.Store(false)
	return nil, fmt.Errorf("watch %s: no coordinator reachable: %w", path, lastErr)
}

// Session and AcquireLeader have no meaning for a node with no Raft
// voter: hypervisor-role nodes never hold the primary lease or a
// KV-level lock directly, they act through tasks a coordinator claims
// on their behalf.
func (r *Remote) Session(ttl time.Duration) (Session, error) {
	return nil, fmt.Errorf("sessions are not available on a hypervisor-role node")
}

func (r *Remote) AcquireLeader(path, identity string) (LeadershipHandle, error) {
	return nil, fmt.Errorf("leader election is not available on a hypervisor-role node")
}
