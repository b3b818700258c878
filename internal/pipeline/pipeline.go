// Package pipeline verifies that the credentials linked from a report attest
// to that report's content. A single scheduler goroutine moves submissions
// through explicit queues on every tick:
//
//	incoming -> fetchDispatched -> awaiting -> ready -> complete | failed
//
// HTTP goroutines only touch the incoming queue, the abandon set and the
// waiter map, all guarded by one mutex.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aspect-build/caxe/internal/attestation"
	"github.com/aspect-build/caxe/internal/crypto"
	"github.com/aspect-build/caxe/internal/logx"
	"github.com/aspect-build/caxe/internal/refparser"
	"github.com/aspect-build/caxe/internal/report"
	"github.com/google/uuid"
)

// Config tunes the scheduler.
type Config struct {
	VerifyTimeout    time.Duration
	TickInterval     time.Duration
	MatchBackoffMax  time.Duration
	FetchTimeout     time.Duration
	Algorithm        crypto.Algorithm
	MediaType        string
	MaxDocumentBytes int64
}

// DefaultConfig mirrors the server defaults.
func DefaultConfig() Config {
	return Config{
		VerifyTimeout:    10 * time.Second,
		TickInterval:     10 * time.Millisecond,
		MatchBackoffMax:  500 * time.Millisecond,
		FetchTimeout:     20 * time.Second,
		Algorithm:        crypto.Blake3,
		MediaType:        report.CredentialMediaType,
		MaxDocumentBytes: 16 << 20,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = d.VerifyTimeout
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.MatchBackoffMax < c.TickInterval {
		c.MatchBackoffMax = max(d.MatchBackoffMax, c.TickInterval)
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.Algorithm == "" {
		c.Algorithm = d.Algorithm
	}
	if c.MediaType == "" {
		c.MediaType = d.MediaType
	}
	if c.MaxDocumentBytes <= 0 {
		c.MaxDocumentBytes = d.MaxDocumentBytes
	}
}

// Waiter receives the terminal result of one submission. C yields at most
// one value and is never closed.
type Waiter struct {
	ID       string
	Deadline time.Time
	C        <-chan Result
}

// Stats is a snapshot of queue depths.
type Stats struct {
	Incoming        int   `json:"incoming"`
	FetchDispatched int   `json:"fetch_dispatched"`
	Awaiting        int   `json:"awaiting"`
	Ready           int   `json:"ready"`
	Complete        int   `json:"complete"`
	Failed          int   `json:"failed"`
	Waiters         int   `json:"waiters"`
	ActiveFetches   int64 `json:"active_fetches"`
}

type Pipeline struct {
	cfg     Config
	engine  attestation.Engine
	client  Doer
	metrics *Metrics
	now     func() time.Time
	log     *logx.Logger
	base    context.Context

	mu        sync.Mutex
	incoming  []*Submission
	abandoned map[string]struct{}
	waiters   map[string]chan Result
	snapshot  Stats

	tickMu          sync.Mutex
	fetchDispatched []*Submission
	awaiting        []*Submission
	ready           []*Submission
	complete        []*Submission
	failed          []*Submission
	tasks           map[*fetchHandle]struct{}
	active          atomic.Int64
}

type Option func(*Pipeline)

func WithClient(c Doer) Option {
	return func(p *Pipeline) { p.client = c }
}

func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func New(cfg Config, engine attestation.Engine, opts ...Option) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{
		cfg:       cfg,
		engine:    engine,
		client:    &http.Client{},
		now:       time.Now,
		log:       logx.With("component", "pipeline"),
		base:      context.Background(),
		abandoned: make(map[string]struct{}),
		waiters:   make(map[string]chan Result),
		tasks:     make(map[*fetchHandle]struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pipeline) Config() Config { return p.cfg }

// Submit validates doc and enqueues it. Parse errors, missing credential
// links and malformed links are returned synchronously and nothing is
// enqueued.
func (p *Pipeline) Submit(doc []byte) (*Waiter, error) {
	if int64(len(doc)) > p.cfg.MaxDocumentBytes {
		return nil, ErrDocumentTooLarge
	}
	cid, refs, err := p.inspect(doc)
	if err != nil {
		return nil, err
	}
	s := p.newSubmission()
	s.Raw = doc
	s.ContentID = cid
	s.Refs = refs
	s.log.Infof("report %s submitted with %d credential link(s)", cid, len(refs))
	return p.enqueue(s), nil
}

// SubmitURL enqueues an indirect submission; the report is fetched from
// rawURL by the scheduler.
func (p *Pipeline) SubmitURL(rawURL string) (*Waiter, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReportURL, rawURL)
	}
	s := p.newSubmission()
	s.SourceURL = u.String()
	s.log.Infof("indirect submission for %s", s.SourceURL)
	return p.enqueue(s), nil
}

// inspect computes the content identifier and the credential references of
// doc.
func (p *Pipeline) inspect(doc []byte) (string, []*CredentialRef, error) {
	cid, err := report.ContentIDOfType(doc, p.cfg.MediaType, p.cfg.Algorithm)
	if err != nil {
		return "", nil, err
	}
	links, err := report.RequireLinks(doc, p.cfg.MediaType)
	if err != nil {
		return "", nil, err
	}
	refs := make([]*CredentialRef, 0, len(links))
	for _, l := range links {
		target, err := refparser.Parse(l)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrInvalidLink, err)
		}
		refs = append(refs, &CredentialRef{Link: l, SAID: target.SAID, target: target})
	}
	return cid, refs, nil
}

func (p *Pipeline) newSubmission() *Submission {
	id := uuid.NewString()
	return &Submission{
		CorrelationID: id,
		StartTime:     p.now(),
		log:           logx.With("correlation_id", id),
	}
}

func (p *Pipeline) enqueue(s *Submission) *Waiter {
	ch := make(chan Result, 1)
	p.mu.Lock()
	p.waiters[s.CorrelationID] = ch
	p.incoming = append(p.incoming, s)
	p.mu.Unlock()
	return &Waiter{ID: s.CorrelationID, Deadline: s.StartTime.Add(p.cfg.VerifyTimeout), C: ch}
}

// Abandon drops interest in a submission. The next tick removes it from every
// queue and deregisters its fetches; a later result is discarded.
func (p *Pipeline) Abandon(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiters, id)
	p.abandoned[id] = struct{}{}
}

// ActiveFetches reports the number of registered fetch tasks.
func (p *Pipeline) ActiveFetches() int64 {
	return p.active.Load()
}

// Stats returns queue depths as of the last tick.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.snapshot
	s.Incoming = len(p.incoming)
	s.Waiters = len(p.waiters)
	s.ActiveFetches = p.active.Load()
	return s
}

// Run ticks until ctx is done, then cancels every outstanding fetch.
func (p *Pipeline) Run(ctx context.Context) error {
	t := time.NewTicker(p.cfg.TickInterval)
	defer t.Stop()
	defer p.shutdown()

	p.log.Infof("scheduler started (tick %s, timeout %s)", p.cfg.TickInterval, p.cfg.VerifyTimeout)
	for {
		select {
		case <-ctx.Done():
			p.log.Infof("scheduler stopping")
			return nil
		case <-t.C:
			p.Tick(p.now())
		}
	}
}

func (p *Pipeline) shutdown() {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()
	for h := range p.tasks {
		p.release(h)
	}
}

// Tick runs one scheduling round: reap, dispatch, collect, escrow, match,
// emit.
func (p *Pipeline) Tick(now time.Time) {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()

	p.mu.Lock()
	incoming := p.incoming
	p.incoming = nil
	abandoned := p.abandoned
	p.abandoned = make(map[string]struct{})
	p.mu.Unlock()

	incoming = p.reap(now, incoming, abandoned)
	p.dispatch(incoming)
	p.collect()
	p.runEscrow()
	p.match(now)
	p.emit(now)

	p.mu.Lock()
	p.snapshot = Stats{
		FetchDispatched: len(p.fetchDispatched),
		Awaiting:        len(p.awaiting),
		Ready:           len(p.ready),
		Complete:        len(p.complete),
		Failed:          len(p.failed),
	}
	snap := p.snapshot
	snap.Incoming = len(p.incoming)
	p.mu.Unlock()
	p.metrics.SetQueueDepths(snap)
}

// reap removes abandoned and expired submissions from every queue.
func (p *Pipeline) reap(now time.Time, incoming []*Submission, abandoned map[string]struct{}) []*Submission {
	keep := func(q []*Submission) []*Submission {
		out := q[:0]
		for _, s := range q {
			_, gone := abandoned[s.CorrelationID]
			expired := now.Sub(s.StartTime) >= p.cfg.VerifyTimeout
			if !gone && !expired {
				out = append(out, s)
				continue
			}
			p.releaseAll(s)
			if gone {
				s.log.Infof("submission abandoned")
				p.metrics.IncrementOutcome("abandoned")
			} else {
				s.log.Warnf("submission timed out after %s", p.cfg.VerifyTimeout)
				p.metrics.IncrementOutcome("timeout")
				p.mu.Lock()
				delete(p.waiters, s.CorrelationID)
				p.mu.Unlock()
			}
		}
		for i := len(out); i < len(q); i++ {
			q[i] = nil
		}
		return out
	}
	p.fetchDispatched = keep(p.fetchDispatched)
	p.awaiting = keep(p.awaiting)
	p.ready = keep(p.ready)
	return keep(incoming)
}
