package pipeline

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/aspect-build/caxe/internal/version"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	kindCredential = "credential"
	kindReport     = "report"
)

var tracer = otel.Tracer("github.com/aspect-build/caxe/internal/pipeline")

// Doer performs outbound HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type fetchResult struct {
	status      int
	contentType string
	body        []byte
	err         error
}

// fetchHandle is an in-flight GET. Its result arrives on a one-slot channel
// that the scheduler polls without blocking.
type fetchHandle struct {
	link   string
	kind   string
	cancel context.CancelFunc
	done   chan fetchResult
}

func (h *fetchHandle) poll() (fetchResult, bool) {
	select {
	case r := <-h.done:
		return r, true
	default:
		return fetchResult{}, false
	}
}

// startFetch launches a GET for link and registers the task.
func (p *Pipeline) startFetch(link, kind string) *fetchHandle {
	ctx, cancel := context.WithTimeout(p.base, p.cfg.FetchTimeout)
	h := &fetchHandle{
		link:   link,
		kind:   kind,
		cancel: cancel,
		done:   make(chan fetchResult, 1),
	}
	p.register(h)

	go func() {
		ctx, span := tracer.Start(ctx, kind+".fetch",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(attribute.String("url.full", link)),
		)
		defer span.End()

		start := time.Now()
		res := p.get(ctx, link)
		p.metrics.ObserveFetchLatency(kind, time.Since(start))

		span.SetAttributes(attribute.Int("http.response.status_code", res.status))
		if res.err != nil {
			span.RecordError(res.err)
			span.SetStatus(codes.Error, res.err.Error())
		}
		h.done <- res
	}()
	return h
}

func (p *Pipeline) get(ctx context.Context, link string) fetchResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return fetchResult{err: err}
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		return fetchResult{err: err}
	}
	defer resp.Body.Close()

	res := fetchResult{status: resp.StatusCode, contentType: resp.Header.Get("Content-Type")}
	limit := p.cfg.MaxDocumentBytes
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		res.err = fmt.Errorf("read body: %w", err)
		return res
	}
	if int64(len(body)) > limit {
		res.err = fmt.Errorf("response body exceeds %d bytes", limit)
		return res
	}
	res.body = body
	return res
}

// check validates a credential response: 2xx and the credential media type.
func (r fetchResult) check(link, mediaType string) error {
	if r.err != nil {
		return &FetchFailure{Link: link, Err: r.err}
	}
	if r.status < 200 || r.status > 299 {
		return &FetchFailure{Link: link, Status: r.status, ContentType: r.contentType}
	}
	mt, _, err := mime.ParseMediaType(r.contentType)
	if err != nil || mt != mediaType {
		return &FetchFailure{Link: link, Status: r.status, ContentType: r.contentType}
	}
	return nil
}

func (r fetchResult) checkReport(link string) error {
	if r.err != nil {
		return &FetchFailure{Link: link, Report: true, Err: r.err}
	}
	if r.status < 200 || r.status > 299 {
		return &FetchFailure{Link: link, Report: true, Status: r.status, ContentType: r.contentType}
	}
	return nil
}

func (p *Pipeline) register(h *fetchHandle) {
	p.tasks[h] = struct{}{}
	p.metrics.SetActiveFetches(p.active.Add(1))
}

// release cancels and deregisters h. Safe to call on nil or released handles.
func (p *Pipeline) release(h *fetchHandle) {
	if h == nil {
		return
	}
	h.cancel()
	if _, ok := p.tasks[h]; !ok {
		return
	}
	delete(p.tasks, h)
	p.metrics.SetActiveFetches(p.active.Add(-1))
}

// releaseAll drops every outstanding fetch of s.
func (p *Pipeline) releaseAll(s *Submission) {
	p.release(s.page)
	s.page = nil
	for _, r := range s.Refs {
		if r.pending != nil {
			p.release(r.pending)
			r.pending = nil
		}
	}
}
