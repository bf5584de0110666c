package classifier

import (
	"context"
	"sync"
	"sync/atomic"
)

type recordingSink struct {
	mu       sync.Mutex
	traces   []string
	errors   []string
	findings []Finding
}

func (s *recordingSink) Trace(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.traces = append(s.traces, msg)
}

func (s *recordingSink) Error(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, msg)
}

func (s *recordingSink) Finding(f Finding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, f)
}

type fakeProber struct {
	caps     AccessCapabilities
	panicMsg string
	calls    atomic.Int32
}

func (p *fakeProber) Probe(ctx context.Context, path string) AccessCapabilities {
	p.calls.Add(1)
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	return p.caps
}

type fixedRule struct {
	name    string
	finding *Finding
	err     error
	calls   atomic.Int32
}

func (r *fixedRule) Name() string { return r.name }

func (r *fixedRule) Evaluate(ctx context.Context, rec FileRecord) (*Finding, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	if r.finding == nil {
		return nil, nil
	}
	f := *r.finding
	f.Source = rec
	return &f, nil
}
