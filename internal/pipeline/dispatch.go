package pipeline

// dispatch opens the outbound fetches of newly arrived submissions and moves
// them to fetchDispatched.
func (p *Pipeline) dispatch(incoming []*Submission) {
	for _, s := range incoming {
		p.dispatchOne(s)
		p.fetchDispatched = append(p.fetchDispatched, s)
	}
}

// dispatchOne starts every fetch s still needs. References that already hold
// a handle or were consumed are skipped, so calling it twice is harmless.
func (p *Pipeline) dispatchOne(s *Submission) {
	if s.indirect() {
		if s.page == nil {
			s.page = p.startFetch(s.SourceURL, kindReport)
			s.diag(SeverityInfo, "dispatch", "fetching report from %s", s.SourceURL)
		}
		return
	}
	for _, r := range s.Refs {
		if r.pending != nil || r.consumed {
			continue
		}
		target := r.target.URL()
		r.pending = p.startFetch(target, kindCredential)
		s.log.Debugf("fetching credential %s from %s", r.SAID, target)
	}
}
