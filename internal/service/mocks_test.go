package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Strob0t/MendForge/internal/domain"
	"github.com/Strob0t/MendForge/internal/domain/approval"
	"github.com/Strob0t/MendForge/internal/domain/audit"
	"github.com/Strob0t/MendForge/internal/domain/fingerprint"
	"github.com/Strob0t/MendForge/internal/domain/healing"
	"github.com/Strob0t/MendForge/internal/domain/locator"
	"github.com/Strob0t/MendForge/internal/port/browser"
	"github.com/Strob0t/MendForge/internal/port/database"
	"github.com/Strob0t/MendForge/internal/port/messagequeue"
	"github.com/Strob0t/MendForge/internal/port/repair"
)

// mockStore is an in-memory database.Store.
type mockStore struct {
	mu           sync.Mutex
	locatorSets  map[string]locator.Set
	fingerprints []fingerprint.Fingerprint
	proposals    map[string]*healing.Proposal
	policies     map[approval.Environment]approval.Policy
	auditEntries []audit.Entry

	applyErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		locatorSets: make(map[string]locator.Set),
		proposals:   make(map[string]*healing.Proposal),
		policies:    make(map[approval.Environment]approval.Policy),
	}
}

func setKey(testID, elementRef string) string { return testID + "/" + elementRef }

func (s *mockStore) GetLocatorSet(_ context.Context, testID, elementRef string) (*locator.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.locatorSets[setKey(testID, elementRef)]
	if !ok {
		return nil, fmt.Errorf("locator set %s/%s: %w", testID, elementRef, domain.ErrNotFound)
	}
	out := set
	return &out, nil
}

func (s *mockStore) PutLocatorSet(_ context.Context, set *locator.Set) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locatorSets[setKey(set.TestID, set.ElementRef)] = *set
	return nil
}

func (s *mockStore) SaveFingerprint(_ context.Context, fp *fingerprint.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fingerprints = append(s.fingerprints, *fp)
	return nil
}

func (s *mockStore) LatestKnownGoodFingerprint(_ context.Context, testID string) (*fingerprint.Fingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.fingerprints) - 1; i >= 0; i-- {
		if s.fingerprints[i].TestID == testID && s.fingerprints[i].KnownGood {
			out := s.fingerprints[i]
			return &out, nil
		}
	}
	return nil, fmt.Errorf("known-good fingerprint for %s: %w", testID, domain.ErrNotFound)
}

func (s *mockStore) PruneFingerprints(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []fingerprint.Fingerprint
	var pruned int64
	for _, fp := range s.fingerprints {
		if fp.CapturedAt.Before(olderThan) {
			pruned++
			continue
		}
		kept = append(kept, fp)
	}
	s.fingerprints = kept
	return pruned, nil
}

func (s *mockStore) CreateProposal(_ context.Context, p *healing.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.Version = 1
	s.proposals[p.ID] = &cp
	p.Version = 1
	return nil
}

func (s *mockStore) GetProposal(_ context.Context, id string) (*healing.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return nil, fmt.Errorf("proposal %s: %w", id, domain.ErrNotFound)
	}
	out := *p
	return &out, nil
}

func (s *mockStore) UpdateProposal(_ context.Context, p *healing.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.proposals[p.ID]
	if !ok {
		return fmt.Errorf("proposal %s: %w", p.ID, domain.ErrNotFound)
	}
	if cur.Version != p.Version {
		return fmt.Errorf("proposal %s: %w", p.ID, domain.ErrConflict)
	}
	cp := *p
	cp.Version++
	s.proposals[p.ID] = &cp
	p.Version++
	return nil
}

func (s *mockStore) ListProposals(_ context.Context, f database.ProposalFilter) ([]healing.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []healing.Proposal
	for _, p := range s.proposals {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (s *mockStore) ApplyProposal(_ context.Context, p *healing.Proposal, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return s.applyErr
	}
	set, ok := s.locatorSets[setKey(p.TestID, p.ElementRef)]
	if !ok {
		return fmt.Errorf("locator set: %w", domain.ErrNotFound)
	}
	s.locatorSets[setKey(p.TestID, p.ElementRef)] = set.Prepend(*p.CandidateLocator)
	cp := *p
	cp.Version++
	s.proposals[p.ID] = &cp
	p.Version++
	s.auditEntries = append(s.auditEntries, *entry)
	return nil
}

func (s *mockStore) RevertProposal(_ context.Context, p *healing.Proposal, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.locatorSets[setKey(p.TestID, p.ElementRef)]
	if !ok {
		return fmt.Errorf("locator set: %w", domain.ErrNotFound)
	}
	reverted, err := set.Remove(*p.CandidateLocator)
	if err != nil {
		return err
	}
	s.locatorSets[setKey(p.TestID, p.ElementRef)] = reverted
	cp := *p
	cp.Version++
	s.proposals[p.ID] = &cp
	p.Version++
	s.auditEntries = append(s.auditEntries, *entry)
	return nil
}

func (s *mockStore) ActivePolicy(_ context.Context, env approval.Environment) (*approval.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[env]
	if !ok {
		return nil, fmt.Errorf("active policy for %s: %w", env, domain.ErrNotFound)
	}
	out := p
	return &out, nil
}

func (s *mockStore) PutPolicy(_ context.Context, p *approval.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Version = s.policies[p.Environment].Version + 1
	s.policies[p.Environment] = *p
	return nil
}

func (s *mockStore) ListPolicies(_ context.Context) ([]approval.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []approval.Policy
	for _, p := range s.policies {
		out = append(out, p)
	}
	return out, nil
}

func (s *mockStore) AppendAudit(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditEntries = append(s.auditEntries, *e)
	return nil
}

func (s *mockStore) QueryAudit(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Entry
	for _, e := range s.auditEntries {
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *mockStore) auditActions() []audit.Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Action
	for _, e := range s.auditEntries {
		out = append(out, e.Action)
	}
	return out
}

// mockQueue implements messagequeue.Queue for testing.
type mockQueue struct {
	mu        sync.Mutex
	published []struct {
		subject string
		data    []byte
	}
	handlers   map[string]messagequeue.Handler
	publishErr error
}

func newMockQueue() *mockQueue {
	return &mockQueue{handlers: make(map[string]messagequeue.Handler)}
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.mu.Lock()
	q.published = append(q.published, struct {
		subject string
		data    []byte
	}{subject, data})
	q.mu.Unlock()
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	q.mu.Lock()
	q.handlers[subject] = handler
	q.mu.Unlock()
	return func() {}, nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

func (q *mockQueue) subjects() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []string
	for _, p := range q.published {
		out = append(out, p.subject)
	}
	return out
}

// mockHub implements broadcast.Broadcaster.
type mockHub struct {
	mu     sync.Mutex
	events []string
}

func (h *mockHub) BroadcastEvent(_ context.Context, eventType string, _ any) {
	h.mu.Lock()
	h.events = append(h.events, eventType)
	h.mu.Unlock()
}

// mockCache implements cache.Cache.
type mockCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMockCache() *mockCache { return &mockCache{data: make(map[string][]byte)} }

func (c *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mockCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// fakePage is a scripted browser.Page. Locate consults the elements map;
// ExecuteScript returns scripted output per script string.
type fakePage struct {
	mu       sync.Mutex
	elements map[string]browser.ElementHandle // selector -> handle
	scripts  map[string]string                // script -> output
	navErr   error
	locates  []string
}

func newFakePage() *fakePage {
	return &fakePage{
		elements: make(map[string]browser.ElementHandle),
		scripts:  make(map[string]string),
	}
}

func (p *fakePage) Navigate(_ context.Context, _ string) error { return p.navErr }
func (p *fakePage) WaitReady(_ context.Context) error          { return nil }

func (p *fakePage) Locate(_ context.Context, selector string, _ locator.Kind) (browser.ElementHandle, error) {
	p.mu.Lock()
	p.locates = append(p.locates, selector)
	h, ok := p.elements[selector]
	p.mu.Unlock()
	if !ok {
		return browser.ElementHandle{}, browser.ErrElementNotFound
	}
	return h, nil
}

func (p *fakePage) Screenshot(_ context.Context) ([]byte, error) { return []byte("png"), nil }

func (p *fakePage) ExecuteScript(_ context.Context, script string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scripts[script], nil
}

// fakeDriver hands out pages per slot. currentPage serves NewPage, snapPage
// serves RestoreSnapshot.
type fakeDriver struct {
	mu          sync.Mutex
	currentPage *fakePage
	snapPage    *fakePage
	resets      []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{currentPage: newFakePage(), snapPage: newFakePage()}
}

func (d *fakeDriver) NewPage(_ context.Context, _ string) (browser.Page, error) {
	return d.currentPage, nil
}

func (d *fakeDriver) RestoreSnapshot(_ context.Context, _, _ string) (browser.Page, error) {
	return d.snapPage, nil
}

func (d *fakeDriver) Reset(_ context.Context, slotID string) error {
	d.mu.Lock()
	d.resets = append(d.resets, slotID)
	d.mu.Unlock()
	return nil
}

// stubGenerator implements repair.Generator.
type stubGenerator struct {
	resp repair.Response
	err  error
}

func (g *stubGenerator) Generate(_ context.Context, _ repair.Request) (repair.Response, error) {
	if g.err != nil {
		return repair.Response{}, g.err
	}
	return g.resp, nil
}
