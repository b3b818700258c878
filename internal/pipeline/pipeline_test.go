package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/aspect-build/caxe/internal/attestation"
	"github.com/aspect-build/caxe/internal/engine"
	"github.com/aspect-build/caxe/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.VerifyTimeout = 3 * time.Second
	cfg.TickInterval = 2 * time.Millisecond
	cfg.MatchBackoffMax = 20 * time.Millisecond
	return cfg
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t, testConfig())
	link, said := f.credential(f.cid)

	w, err := f.p.Submit(reportDoc(link))
	require.NoError(t, err)
	assert.NotEmpty(t, w.ID)

	res, ok := waitResult(t, f.p, w, 2*time.Second)
	require.True(t, ok, "no terminal result")
	require.Equal(t, StatusComplete, res.Status, res.Msg)
	require.Contains(t, res.Attestations, said)
	assert.Equal(t, f.cid, res.Attestations[said].ReportDigest)
	assert.Zero(t, f.p.ActiveFetches())

	payload, err := json.Marshal(res)
	require.NoError(t, err)
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(payload, &body))
	assert.Equal(t, f.cid, body[said]["rd"])
}

func TestContentMismatch(t *testing.T) {
	f := newFixture(t, testConfig())
	wrong := f.cid[:len(f.cid)-1] + "A"
	if wrong == f.cid {
		wrong = f.cid[:len(f.cid)-1] + "B"
	}
	link, said := f.credential(wrong)

	w, err := f.p.Submit(reportDoc(link))
	require.NoError(t, err)

	res, ok := waitResult(t, f.p, w, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, fmt.Sprintf("report digest %s in credential %s does not match actual digest %s", wrong, said, f.cid), res.Msg)

	var mf *MismatchFailure
	require.True(t, errors.As(res.Err, &mf))
	assert.Equal(t, said, mf.SAID)

	payload, err := json.Marshal(res)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(payload, &body))
	assert.Equal(t, res.Msg, body["msg"])
	assert.NotEmpty(t, body["diagnostics"])
}

func TestUnreachableCredential(t *testing.T) {
	f := newFixture(t, testConfig())
	link := f.handle("/oobi/EMissing", http.NotFound)

	w, err := f.p.Submit(reportDoc(link))
	require.NoError(t, err)

	res, ok := waitResult(t, f.p, w, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "invalid response from credential link: "+link, res.Msg)

	var ff *FetchFailure
	require.True(t, errors.As(res.Err, &ff))
	assert.Equal(t, http.StatusNotFound, ff.Status)
	assert.Zero(t, f.p.ActiveFetches())
}

func TestWrongContentType(t *testing.T) {
	f := newFixture(t, testConfig())
	link := f.handle("/oobi/EPlain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	})

	w, err := f.p.Submit(reportDoc(link))
	require.NoError(t, err)
	res, ok := waitResult(t, f.p, w, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "invalid response from credential link: "+link, res.Msg)
}

func TestContentTypeParameters(t *testing.T) {
	f := newFixture(t, testConfig())
	_, said, stream := f.bundle(f.cid)
	link := f.handle("/oobi/"+said, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json+acdc; charset=utf-8")
		w.Write(stream)
	})

	w, err := f.p.Submit(reportDoc(link))
	require.NoError(t, err)
	res, ok := waitResult(t, f.p, w, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, StatusComplete, res.Status, res.Msg)
}

func TestNoLinksRejectedBeforeNetwork(t *testing.T) {
	f := newFixture(t, testConfig())

	_, err := f.p.Submit(reportDoc())
	assert.ErrorIs(t, err, report.ErrNoCredentialLinks)

	f.p.Tick(time.Now())
	assert.Zero(t, f.hits.Load())
	assert.Zero(t, f.p.ActiveFetches())
	assert.Zero(t, f.p.Stats().Waiters)
}

func TestSyncRejections(t *testing.T) {
	f := newFixture(t, testConfig())

	_, err := f.p.Submit([]byte("<html><body></html>"))
	var perr *report.DocumentParseError
	assert.True(t, errors.As(err, &perr), "got %v", err)

	_, err = f.p.Submit(reportDoc("ftp://issuer/oobi/EAbc"))
	assert.ErrorIs(t, err, ErrInvalidLink)

	_, err = f.p.SubmitURL("not a url")
	assert.ErrorIs(t, err, ErrInvalidReportURL)

	cfg := testConfig()
	cfg.MaxDocumentBytes = 16
	small := New(cfg, newFakeEngine())
	_, err = small.Submit(reportDoc("http://h/oobi/EAbc"))
	assert.ErrorIs(t, err, ErrDocumentTooLarge)
}

func TestTimeoutReleasesFetch(t *testing.T) {
	cfg := testConfig()
	cfg.VerifyTimeout = 150 * time.Millisecond
	f := newFixture(t, cfg)
	link, cancelled := f.hang("/oobi/ESlow")

	w, err := f.p.Submit(reportDoc(link))
	require.NoError(t, err)

	f.p.Tick(time.Now())
	assert.EqualValues(t, 1, f.p.ActiveFetches())

	_, ok := waitResult(t, f.p, w, 400*time.Millisecond)
	assert.False(t, ok, "timed out submission must not yield a result")
	assert.Zero(t, f.p.ActiveFetches())

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("outbound request was not cancelled")
	}
	assert.Zero(t, f.p.Stats().Waiters)
}

func TestOneBadReferenceFailsSubmission(t *testing.T) {
	f := newFixture(t, testConfig())
	good, _ := f.credential(f.cid)
	slow, cancelled := f.hang("/oobi/ESlow")
	bad := f.handle("/oobi/EGone", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		http.Error(w, "gone", http.StatusGone)
	})

	w, err := f.p.Submit(reportDoc(good, slow, bad))
	require.NoError(t, err)

	res, ok := waitResult(t, f.p, w, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, "invalid response from credential link: "+bad, res.Msg)
	assert.Nil(t, res.Attestations)
	assert.Zero(t, f.p.ActiveFetches())

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling fetch was not cancelled")
	}
}

func TestAllReferencesMustMatch(t *testing.T) {
	f := newFixture(t, testConfig())
	first, s1 := f.credential(f.cid)
	second, s2 := f.credential(f.cid)

	w, err := f.p.Submit(reportDoc(first, second))
	require.NoError(t, err)
	res, ok := waitResult(t, f.p, w, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, StatusComplete, res.Status, res.Msg)
	assert.Len(t, res.Attestations, 2)
	assert.Contains(t, res.Attestations, s1)
	assert.Contains(t, res.Attestations, s2)
}

func TestFirstMismatchInLinkOrderWins(t *testing.T) {
	f := newFixture(t, testConfig())
	ok1, _ := f.credential(f.cid)
	bad1, said1 := f.credential("EWrongDigest1")
	bad2, _ := f.credential("EWrongDigest2")

	w, err := f.p.Submit(reportDoc(ok1, bad1, bad2))
	require.NoError(t, err)
	res, ok := waitResult(t, f.p, w, 2*time.Second)
	require.True(t, ok)
	var mf *MismatchFailure
	require.True(t, errors.As(res.Err, &mf))
	assert.Equal(t, said1, mf.SAID)
}

func TestAbandonDeregistersFetches(t *testing.T) {
	f := newFixture(t, testConfig())
	link, cancelled := f.hang("/oobi/EHang")

	w, err := f.p.Submit(reportDoc(link))
	require.NoError(t, err)
	f.p.Tick(time.Now())
	require.EqualValues(t, 1, f.p.ActiveFetches())

	f.p.Abandon(w.ID)
	f.p.Tick(time.Now())
	assert.Zero(t, f.p.ActiveFetches())
	st := f.p.Stats()
	assert.Zero(t, st.FetchDispatched+st.Awaiting+st.Ready)

	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned fetch was not cancelled")
	}
	select {
	case r := <-w.C:
		t.Fatalf("abandoned submission delivered %+v", r)
	default:
	}
}

func TestResultDroppedWithoutWaiter(t *testing.T) {
	fe := newFakeEngine()
	p := New(testConfig(), fe)
	s := p.newSubmission()
	s.Result = &Result{Status: StatusFailed, Msg: "x"}
	p.failed = append(p.failed, s)

	p.emit(time.Now())
	assert.Empty(t, p.failed)
	assert.Zero(t, p.Stats().Waiters)
}

func TestAtMostOneTerminalOutcome(t *testing.T) {
	f := newFixture(t, testConfig())
	link, _ := f.credential(f.cid)

	w, err := f.p.Submit(reportDoc(link))
	require.NoError(t, err)
	_, ok := waitResult(t, f.p, w, 2*time.Second)
	require.True(t, ok)

	tickFor(f.p, 50*time.Millisecond)
	select {
	case r := <-w.C:
		t.Fatalf("second result delivered: %+v", r)
	default:
	}
	st := f.p.Stats()
	assert.Zero(t, st.Complete+st.Failed+st.Ready+st.Awaiting)
}

func TestEscrowedCredentialCompletesLater(t *testing.T) {
	f := newFixture(t, testConfig())

	// The second credential reuses the first one's registry, so it only
	// verifies once the first bundle (inception and registry) is ingested.
	icp, err := f.issuer.Inception()
	require.NoError(t, err)
	regk, vcp, err := f.issuer.Registry("shared")
	require.NoError(t, err)
	saidA, issA, acdcA, err := f.issuer.Issue(regk, "ESchema", map[string]any{"rd": f.cid, "n": "a"})
	require.NoError(t, err)
	saidB, issB, acdcB, err := f.issuer.Issue(regk, "ESchema", map[string]any{"rd": f.cid, "n": "b"})
	require.NoError(t, err)

	bundleA := append(append(append(append([]byte{}, icp...), vcp...), issA...), acdcA...)
	bundleB := append(append([]byte{}, acdcB...), issB...)

	linkA := f.handle("/oobi/"+saidA, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(60 * time.Millisecond)
		w.Header().Set("Content-Type", acdcType)
		w.Write(bundleA)
	})
	linkB := f.handle("/oobi/"+saidB, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", acdcType)
		w.Write(bundleB)
	})

	w, err := f.p.Submit(reportDoc(linkB, linkA))
	require.NoError(t, err)
	res, ok := waitResult(t, f.p, w, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, StatusComplete, res.Status, res.Msg)
	assert.Len(t, res.Attestations, 2)
}

func TestIndirectSubmission(t *testing.T) {
	f := newFixture(t, testConfig())
	link, said := f.credential(f.cid)
	doc := reportDoc(link)
	page := f.handle("/reports/annual.xhtml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xhtml+xml")
		w.Write(doc)
	})

	w, err := f.p.SubmitURL(page)
	require.NoError(t, err)
	res, ok := waitResult(t, f.p, w, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, StatusComplete, res.Status, res.Msg)
	assert.Contains(t, res.Attestations, said)
}

func TestIndirectSubmissionFailures(t *testing.T) {
	f := newFixture(t, testConfig())
	broken := f.handle("/reports/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	bare := reportDoc()
	nolinks := f.handle("/reports/nolinks", func(w http.ResponseWriter, r *http.Request) {
		w.Write(bare)
	})

	w, err := f.p.SubmitURL(broken)
	require.NoError(t, err)
	res, ok := waitResult(t, f.p, w, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, "invalid response from report url: "+broken, res.Msg)

	w, err = f.p.SubmitURL(nolinks)
	require.NoError(t, err)
	res, ok = waitResult(t, f.p, w, 2*time.Second)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, report.ErrNoCredentialLinks)
	assert.Contains(t, res.Msg, nolinks)
}

func TestDispatchIsIdempotent(t *testing.T) {
	f := newFixture(t, testConfig())
	link, _ := f.hang("/oobi/EOnce")

	cid, refs, err := f.p.inspect(reportDoc(link))
	require.NoError(t, err)
	s := f.p.newSubmission()
	s.Raw, s.ContentID, s.Refs = reportDoc(link), cid, refs

	f.p.tickMu.Lock()
	f.p.dispatchOne(s)
	h := s.Refs[0].pending
	f.p.dispatchOne(s)
	f.p.tickMu.Unlock()

	assert.Same(t, h, s.Refs[0].pending)
	assert.EqualValues(t, 1, f.p.ActiveFetches())
	f.p.releaseAll(s)
	assert.Zero(t, f.p.ActiveFetches())
}

func TestMatchBackoff(t *testing.T) {
	fe := newFakeEngine()
	cfg := testConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.MatchBackoffMax = 500 * time.Millisecond
	p := New(cfg, fe)

	s := p.newSubmission()
	s.ContentID = "EDigest"
	s.Refs = []*CredentialRef{{Link: "http://h/oobi/ECred", SAID: "ECred", consumed: true}}
	p.ready = []*Submission{s}

	start := time.Unix(1700000000, 0)
	for ms := 0; ms < 1000; ms++ {
		p.match(start.Add(time.Duration(ms) * time.Millisecond))
	}
	assert.Len(t, p.ready, 1)
	assert.LessOrEqual(t, fe.lookups, 8)
	assert.GreaterOrEqual(t, fe.lookups, 5)
	assert.LessOrEqual(t, s.backoff, cfg.MatchBackoffMax)

	fe.creds["ECred"] = &attestation.Attestation{ReportDigest: "EDigest"}
	p.match(start.Add(time.Hour))
	require.Len(t, p.complete, 1)
	assert.True(t, s.Refs[0].Verified)
}

func TestMissingReportDigestWaits(t *testing.T) {
	fe := newFakeEngine()
	fe.errs["ECred"] = attestation.ErrNoReportDigest
	p := New(testConfig(), fe)
	s := p.newSubmission()
	s.Refs = []*CredentialRef{{SAID: "ECred", consumed: true}}
	p.ready = []*Submission{s}

	p.match(time.Now())
	assert.Len(t, p.ready, 1)
	assert.Empty(t, p.failed)
}

func TestInvalidAttributesFail(t *testing.T) {
	fe := newFakeEngine()
	fe.errs["ECred"] = fmt.Errorf("fact 0: %w", attestation.ErrInvalidAttributes)
	p := New(testConfig(), fe)
	s := p.newSubmission()
	s.Refs = []*CredentialRef{{SAID: "ECred", consumed: true}}
	p.ready = []*Submission{s}

	p.match(time.Now())
	require.Len(t, p.failed, 1)
	var af *AttributeFailure
	assert.True(t, errors.As(s.Result.Err, &af))
}

func TestEngineErrorsBecomeDiagnostics(t *testing.T) {
	fe := newFakeEngine()
	fe.failWith = errors.Join(errors.New("acdc ECred: signature verification failed"), errors.New("icp DOther: bad"))
	p := New(testConfig(), fe)
	s := p.newSubmission()
	s.Refs = []*CredentialRef{{SAID: "ECred"}}
	p.awaiting = []*Submission{s}

	p.runEscrow()
	require.Len(t, s.Diagnostics, 1)
	assert.Equal(t, "engine", s.Diagnostics[0].Code)
	assert.Contains(t, s.Diagnostics[0].Msg, "ECred")
}

func TestStats(t *testing.T) {
	f := newFixture(t, testConfig())
	link, _ := f.hang("/oobi/EStat")
	_, err := f.p.Submit(reportDoc(link))
	require.NoError(t, err)

	st := f.p.Stats()
	assert.Equal(t, 1, st.Incoming)
	assert.Equal(t, 1, st.Waiters)

	f.p.Tick(time.Now())
	st = f.p.Stats()
	assert.Zero(t, st.Incoming)
	assert.Equal(t, 1, st.FetchDispatched+st.Awaiting)
	assert.EqualValues(t, 1, st.ActiveFetches)
}

// waitAll ticks until every waiter has yielded a result.
func waitAll(t *testing.T, p *Pipeline, within time.Duration, ws ...*Waiter) []Result {
	t.Helper()
	out := make([]Result, len(ws))
	done := make([]bool, len(ws))
	left := len(ws)
	deadline := time.Now().Add(within)
	for left > 0 && time.Now().Before(deadline) {
		p.Tick(time.Now())
		for i, w := range ws {
			if done[i] {
				continue
			}
			select {
			case r := <-w.C:
				out[i], done[i] = r, true
				left--
			default:
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.Zero(t, left, "waiters without a result")
	return out
}

func TestMalformedCredentialIsolatedToItsSubmission(t *testing.T) {
	bodies := map[string]func([]byte) []byte{
		"truncated": func(stream []byte) []byte { return stream[:len(stream)-3] },
		"garbage":   func([]byte) []byte { return []byte("not json at all") },
	}
	for name, mangle := range bodies {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, testConfig())
			path, _, stream := f.bundle(f.cid)
			bad := f.handle(path, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", acdcType)
				w.Write(mangle(stream))
			})
			good, said := f.credential(f.cid)

			wBad, err := f.p.Submit(reportDoc(bad))
			require.NoError(t, err)
			wGood, err := f.p.Submit(reportDoc(good))
			require.NoError(t, err)

			res := waitAll(t, f.p, 2*time.Second, wBad, wGood)
			assert.Equal(t, StatusFailed, res[0].Status)
			assert.Equal(t, "invalid response from credential link: "+bad, res[0].Msg)
			assert.True(t, errors.Is(res[0].Err, engine.ErrMalformedFrame))

			require.Equal(t, StatusComplete, res[1].Status, res[1].Msg)
			assert.Contains(t, res[1].Attestations, said)
			assert.Zero(t, f.eng.Pending())
		})
	}
}

func TestTruncatedTailThenValidSubmission(t *testing.T) {
	f := newFixture(t, testConfig())
	path, _, stream := f.bundle(f.cid)
	bad := f.handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", acdcType)
		w.Write(append(append([]byte{}, stream...), `{"t":"icp","i":`...))
	})

	wBad, err := f.p.Submit(reportDoc(bad))
	require.NoError(t, err)
	res, ok := waitResult(t, f.p, wBad, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, StatusFailed, res.Status)

	good, said := f.credential(f.cid)
	wGood, err := f.p.Submit(reportDoc(good))
	require.NoError(t, err)
	res, ok = waitResult(t, f.p, wGood, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, StatusComplete, res.Status, res.Msg)
	assert.Contains(t, res.Attestations, said)
}

func TestCredentialFetchUsesParsedTarget(t *testing.T) {
	f := newFixture(t, testConfig())
	path, said, stream := f.bundle(f.cid)
	var got url.Values
	var mu sync.Mutex
	link := f.handle(path, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.URL.Query()
		mu.Unlock()
		w.Header().Set("Content-Type", acdcType)
		w.Write(stream)
	}) + "?name=acme%20corp&role=issuer"

	w, err := f.p.Submit(reportDoc(link))
	require.NoError(t, err)
	res, ok := waitResult(t, f.p, w, 2*time.Second)
	require.True(t, ok)
	require.Equal(t, StatusComplete, res.Status, res.Msg)
	assert.Contains(t, res.Attestations, said)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "acme corp", got.Get("name"))
	assert.Equal(t, "issuer", got.Get("role"))
}
