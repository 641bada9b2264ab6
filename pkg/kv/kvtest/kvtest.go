// Package kvtest provides an in-memory kv.Client for exercising
// controllers without a consensus group underneath them.
package kvtest

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parallelvirtualcluster/pvc/pkg/kv"
	"github.com/parallelvirtualcluster/pvc/pkg/storage"
)

// Fake is a map-backed kv.Client with the same version/CAS semantics as
// the real store.
type Fake struct {
	mu        sync.Mutex
	records   map[string]*kv.Record
	watchers  []chan kv.Event
	available bool

	// BeforeCAS, when set, runs under the lock just before every CAS
	// evaluates; tests use it to inject racing writers.
	BeforeCAS func(path string)

	leader   bool
	leaderCh chan bool
}

// NewFake returns an empty, available fake store.
func NewFake() *Fake {
	return &Fake{
		records:   map[string]*kv.Record{},
		available: true,
		leaderCh:  make(chan bool, 8),
	}
}

// SetAvailable flips the availability flag.
func (f *Fake) SetAvailable(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available = ok
}

func (f *Fake) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *Fake) Get(path string) (*kv.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[path]
	if !ok {
		return nil, &storage.ErrNotFound{Kind: "record", Key: path}
	}
	cp := *rec
	return &cp, nil
}

func (f *Fake) List(prefix string) ([]*kv.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix = strings.TrimSuffix(prefix, "/") + "/"
	var out []*kv.Record
	for path, rec := range f.records {
		if strings.HasPrefix(path, prefix) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) Put(path string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var version uint64 = 1
	if prev, ok := f.records[path]; ok {
		version = prev.Version + 1
	}
	f.records[path] = &kv.Record{Path: path, Value: raw, Version: version}
	f.notifyLocked(kv.Event{Kind: kv.EventPut, Record: *f.records[path]})
	return nil
}

func (f *Fake) CAS(path string, expectedVersion uint64, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BeforeCAS != nil {
		hook := f.BeforeCAS
		f.BeforeCAS = nil
		f.mu.Unlock()
		hook(path)
		f.mu.Lock()
	}
	prev, ok := f.records[path]
	if !ok {
		return &storage.ErrNotFound{Kind: "record", Key: path}
	}
	if prev.Version != expectedVersion {
		return &storage.ErrVersionConflict{Kind: "record", Key: path}
	}
	f.records[path] = &kv.Record{Path: path, Value: raw, Version: prev.Version + 1}
	f.notifyLocked(kv.Event{Kind: kv.EventPut, Record: *f.records[path]})
	return nil
}

func (f *Fake) Delete(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, path)
	f.notifyLocked(kv.Event{Kind: kv.EventDelete, Record: kv.Record{Path: path}})
	return nil
}

func (f *Fake) Watch(ctx context.Context, path string, recursive bool) (<-chan kv.Event, error) {
	ch := make(chan kv.Event, 64)
	f.mu.Lock()
	f.watchers = append(f.watchers, ch)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
	}()
	return ch, nil
}

func (f *Fake) notifyLocked(ev kv.Event) {
	for _, ch := range f.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

type fakeSession struct{ ttl time.Duration }

func (s *fakeSession) ID() string         { return "fake-session" }
func (s *fakeSession) TTL() time.Duration { return s.ttl }
func (s *fakeSession) Close() error       { return nil }

func (f *Fake) Session(ttl time.Duration) (kv.Session, error) {
	return &fakeSession{ttl: ttl}, nil
}

// SetLeader drives the fake election from tests.
func (f *Fake) SetLeader(isLeader bool) {
	f.mu.Lock()
	f.leader = isLeader
	f.mu.Unlock()
	select {
	case f.leaderCh <- isLeader:
	default:
	}
}

type fakeLeadership struct{ f *Fake }

func (h *fakeLeadership) IsLeader() bool {
	h.f.mu.Lock()
	defer h.f.mu.Unlock()
	return h.f.leader
}
func (h *fakeLeadership) Resign() error        { return nil }
func (h *fakeLeadership) Changes() <-chan bool { return h.f.leaderCh }

func (f *Fake) AcquireLeader(path, identity string) (kv.LeadershipHandle, error) {
	return &fakeLeadership{f: f}, nil
}

// MustPut seeds a record or fails the test.
func MustPut(t *testing.T, f *Fake, path string, value any) {
	t.Helper()
	if err := f.Put(path, value); err != nil {
		t.Fatalf("seed %s: %v", path, err)
	}
}

// MustGet decodes a record into dst or fails the test.
func MustGet(t *testing.T, f *Fake, path string, dst any) {
	t.Helper()
	rec, err := f.Get(path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	if err := json.Unmarshal(rec.Value, dst); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}
