package pipeline

import (
	"bytes"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aspect-build/caxe/internal/attestation"
	"github.com/aspect-build/caxe/internal/crypto"
	"github.com/aspect-build/caxe/internal/engine"
	"github.com/aspect-build/caxe/internal/engine/db"
	"github.com/aspect-build/caxe/internal/report"
	"github.com/stretchr/testify/require"
)

const acdcType = "application/json+acdc"

// reportDoc renders a small XHTML report. The content identifier does not
// depend on the links, so credentials can be issued before the links exist.
func reportDoc(links ...string) []byte {
	var b strings.Builder
	b.WriteString(`<html xmlns="http://www.w3.org/1999/xhtml"><head><title>Annual report</title>`)
	for _, l := range links {
		fmt.Fprintf(&b, `<link type="%s" href="%s"/>`, acdcType, html.EscapeString(l))
	}
	b.WriteString(`</head><body><p class="fact">Revenue 1000</p></body></html>`)
	return []byte(b.String())
}

type fixture struct {
	t      *testing.T
	p      *Pipeline
	eng    *engine.Engine
	issuer *engine.Issuer
	srv    *httptest.Server
	mux    *http.ServeMux
	hits   atomic.Int64
	cid    string
	nonce  int
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := db.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	is, err := engine.NewIssuer(bytes.Repeat([]byte{42}, 32), crypto.Blake3)
	require.NoError(t, err)

	f := &fixture{t: t, eng: engine.New(store), issuer: is, mux: http.NewServeMux()}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)

	f.p = New(cfg, f.eng, WithClient(f.srv.Client()))
	t.Cleanup(f.p.shutdown)

	f.cid, err = report.ContentID(reportDoc(), crypto.Blake3)
	require.NoError(t, err)
	return f
}

// credential issues a credential attesting rd and serves its bundle. It
// returns the link to embed in a report.
func (f *fixture) credential(rd string) (string, string) {
	f.t.Helper()
	f.nonce++
	said, stream, err := f.issuer.Bundle(fmt.Sprintf("nonce-%d", f.nonce), "ESchema", map[string]any{"rd": rd})
	require.NoError(f.t, err)
	path := "/oobi/" + said
	f.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", acdcType)
		w.Write(stream)
	})
	return f.srv.URL + path, said
}

func (f *fixture) handle(path string, h http.HandlerFunc) string {
	f.mux.HandleFunc(path, h)
	return f.srv.URL + path
}

// hang serves path without ever answering; cancelled is closed once the
// client gives up on the request.
func (f *fixture) hang(path string) (string, <-chan struct{}) {
	cancelled := make(chan struct{})
	var once sync.Once
	link := f.handle(path, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		once.Do(func() { close(cancelled) })
	})
	return link, cancelled
}

// waitResult ticks the pipeline until the waiter yields or within elapses.
func waitResult(t *testing.T, p *Pipeline, w *Waiter, within time.Duration) (Result, bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		p.Tick(time.Now())
		select {
		case r := <-w.C:
			return r, true
		default:
		}
		time.Sleep(2 * time.Millisecond)
	}
	return Result{}, false
}

func tickFor(p *Pipeline, d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		p.Tick(time.Now())
		time.Sleep(2 * time.Millisecond)
	}
}

// fakeEngine is a scripted attestation.Engine.
type fakeEngine struct {
	mu       sync.Mutex
	ingested [][]byte
	creds    map[string]*attestation.Attestation
	errs     map[string]error
	lookups  int
	failWith error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{creds: map[string]*attestation.Attestation{}, errs: map[string]error{}}
}

func (e *fakeEngine) Ingest(b []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ingested = append(e.ingested, b)
}

func (e *fakeEngine) ProcessStream() error           { return e.failWith }
func (e *fakeEngine) ProcessKeyEventEscrow() error   { return nil }
func (e *fakeEngine) ProcessReplyEscrow() error      { return nil }
func (e *fakeEngine) ProcessRegistryEscrow() error   { return nil }
func (e *fakeEngine) ProcessCredentialEscrow() error { return nil }

func (e *fakeEngine) Credential(said string) (*attestation.Attestation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lookups++
	if err, ok := e.errs[said]; ok {
		return nil, err
	}
	if a, ok := e.creds[said]; ok {
		return a, nil
	}
	return nil, attestation.ErrCredentialNotFound
}

// bundle issues a credential without serving it.
func (f *fixture) bundle(rd string) (string, string, []byte) {
	f.t.Helper()
	f.nonce++
	said, stream, err := f.issuer.Bundle(fmt.Sprintf("nonce-%d", f.nonce), "ESchema", map[string]any{"rd": rd})
	require.NoError(f.t, err)
	return "/oobi/" + said, said, stream
}
