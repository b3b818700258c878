package pipeline

import (
	"errors"

	"github.com/aspect-build/caxe/internal/attestation"
)

// collect polls the outstanding fetches of every dispatched submission. A
// submission whose references are all consumed moves to ready; one that hit a
// bad response moves to failed; the rest wait for the next tick.
func (p *Pipeline) collect() {
	queue := append(p.fetchDispatched, p.awaiting...)
	p.fetchDispatched = nil
	p.awaiting = nil

	for _, s := range queue {
		if s.page != nil {
			if !p.collectPage(s) {
				continue
			}
		}
		if s.indirect() {
			p.awaiting = append(p.awaiting, s)
			continue
		}

		if err := p.collectRefs(s); err != nil {
			p.releaseAll(s)
			s.fail(err)
			p.failed = append(p.failed, s)
			continue
		}
		if s.allConsumed() {
			s.diag(SeverityInfo, "collect", "all %d credential(s) received", len(s.Refs))
			p.ready = append(p.ready, s)
			continue
		}
		p.awaiting = append(p.awaiting, s)
	}
}

// collectPage handles the report fetch of an indirect submission. It returns
// false when s was moved to failed.
func (p *Pipeline) collectPage(s *Submission) bool {
	res, ok := s.page.poll()
	if !ok {
		return true
	}
	p.release(s.page)
	s.page = nil

	if err := res.checkReport(s.SourceURL); err != nil {
		var ff *FetchFailure
		if errors.As(err, &ff) {
			s.diag(SeverityError, "fetch", "%s: %s", s.SourceURL, ff.detail())
		}
		s.fail(err)
		p.failed = append(p.failed, s)
		return false
	}

	cid, refs, err := p.inspect(res.body)
	if err != nil {
		s.fail(&ReportFailure{URL: s.SourceURL, Err: err})
		p.failed = append(p.failed, s)
		return false
	}
	s.Raw = res.body
	s.ContentID = cid
	s.Refs = refs
	s.diag(SeverityInfo, "report", "report %s fetched with %d credential link(s)", cid, len(refs))
	p.dispatchOne(s)
	return true
}

// collectRefs consumes every arrived credential response of s, in reference
// order. The first bad response is returned.
func (p *Pipeline) collectRefs(s *Submission) error {
	for _, r := range s.Refs {
		if r.pending == nil {
			continue
		}
		res, ok := r.pending.poll()
		if !ok {
			continue
		}
		p.release(r.pending)
		r.pending = nil

		if err := res.check(r.Link, p.cfg.MediaType); err != nil {
			var ff *FetchFailure
			if errors.As(err, &ff) {
				s.diag(SeverityError, "fetch", "%s: %s", r.Link, ff.detail())
			}
			return err
		}
		if fc, ok := p.engine.(attestation.FrameChecker); ok {
			if err := fc.CheckFrame(res.body); err != nil {
				s.diag(SeverityError, "fetch", "%s: %v", r.Link, err)
				return &FetchFailure{Link: r.Link, Status: res.status, ContentType: res.contentType, Err: err}
			}
		}
		p.engine.Ingest(res.body)
		r.consumed = true
		s.log.Debugf("credential %s received (%d bytes)", r.SAID, len(res.body))
	}
	return nil
}
