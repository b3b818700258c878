package pipeline

import "strings"

// runEscrow drives the engine once: parse newly ingested bytes, then retry
// every escrow. Errors are logged and attached to the submissions they name.
func (p *Pipeline) runEscrow() {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"stream", p.engine.ProcessStream},
		{"key event escrow", p.engine.ProcessKeyEventEscrow},
		{"reply escrow", p.engine.ProcessReplyEscrow},
		{"registry escrow", p.engine.ProcessRegistryEscrow},
		{"credential escrow", p.engine.ProcessCredentialEscrow},
	}
	for _, st := range steps {
		err := st.fn()
		if err == nil {
			continue
		}
		errs := flatten(err)
		p.metrics.IncrementEngineErrors(len(errs))
		for _, e := range errs {
			p.log.Warnf("%s: %v", st.name, e)
			p.attribute(e)
		}
	}
}

func flatten(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []error
		for _, e := range j.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []error{err}
}

// attribute records an engine error as a diagnostic on every waiting
// submission whose credential it names.
func (p *Pipeline) attribute(err error) {
	msg := err.Error()
	for _, q := range [][]*Submission{p.awaiting, p.ready} {
		for _, s := range q {
			for _, r := range s.Refs {
				if r.SAID != "" && strings.Contains(msg, r.SAID) {
					s.diag(SeverityWarn, "engine", "%s", msg)
					break
				}
			}
		}
	}
}
