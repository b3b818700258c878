package pipeline

import "time"

// emit hands terminal submissions to their waiters. A submission without a
// live waiter (timed out or abandoned) is dropped.
func (p *Pipeline) emit(now time.Time) {
	terminal := append(p.complete, p.failed...)
	p.complete = nil
	p.failed = nil

	for _, s := range terminal {
		p.releaseAll(s)

		p.mu.Lock()
		ch, ok := p.waiters[s.CorrelationID]
		delete(p.waiters, s.CorrelationID)
		p.mu.Unlock()

		outcome := string(s.Result.Status)
		p.metrics.IncrementOutcome(outcome)
		p.metrics.ObserveVerifyLatency(now.Sub(s.StartTime))

		if !ok {
			s.log.Debugf("%s result dropped, no waiter", outcome)
			continue
		}
		select {
		case ch <- *s.Result:
			s.log.Infof("submission %s", outcome)
		default:
		}
	}
}
