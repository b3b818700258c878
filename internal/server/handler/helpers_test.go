package handler

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aspect-build/caxe/internal/crypto"
	"github.com/aspect-build/caxe/internal/engine"
	"github.com/aspect-build/caxe/internal/engine/db"
	"github.com/aspect-build/caxe/internal/pipeline"
	"github.com/aspect-build/caxe/internal/report"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const acdcType = "application/json+acdc"

func init() {
	gin.SetMode(gin.TestMode)
}

func reportDoc(links ...string) []byte {
	var b strings.Builder
	b.WriteString(`<html xmlns="http://www.w3.org/1999/xhtml"><head><title>Quarterly filing</title>`)
	for _, l := range links {
		fmt.Fprintf(&b, `<link type="%s" href="%s"/>`, acdcType, l)
	}
	b.WriteString(`</head><body><p>Net income 250</p></body></html>`)
	return []byte(b.String())
}

// env is a running scheduler and engine behind a gin router, plus a host
// serving credential bundles.
type env struct {
	t      *testing.T
	api    *httptest.Server
	hosts  *httptest.Server
	mux    *http.ServeMux
	p      *pipeline.Pipeline
	eng    *engine.Engine
	issuer *engine.Issuer
	cid    string
	nonce  int
}

func newEnv(t *testing.T, cfg pipeline.Config, keepAlive time.Duration) *env {
	t.Helper()
	store, err := db.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	is, err := engine.NewIssuer(bytes.Repeat([]byte{7}, 32), crypto.Blake3)
	require.NoError(t, err)

	e := &env{t: t, eng: engine.New(store), issuer: is, mux: http.NewServeMux()}
	e.hosts = httptest.NewServer(e.mux)
	t.Cleanup(e.hosts.Close)

	e.p = pipeline.New(cfg, e.eng, pipeline.WithClient(e.hosts.Client()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	r := gin.New()
	r.POST("/v1/verify", HandleVerify(e.p, keepAlive, 1<<20))
	r.GET("/v1/verify", HandleVerifyURL(e.p, keepAlive))
	e.api = httptest.NewServer(r)
	t.Cleanup(e.api.Close)

	e.cid, err = report.ContentID(reportDoc(), crypto.Blake3)
	require.NoError(t, err)
	return e
}

// credential issues a credential attesting rd and serves it; it returns
// the link and the credential SAID.
func (e *env) credential(rd string) (string, string) {
	e.t.Helper()
	e.nonce++
	said, stream, err := e.issuer.Bundle(fmt.Sprintf("n-%d", e.nonce), "ESchema", map[string]any{"rd": rd})
	require.NoError(e.t, err)
	path := "/oobi/" + said
	e.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", acdcType)
		_, _ = w.Write(stream)
	})
	return e.hosts.URL + path, said
}

func testConfig() pipeline.Config {
	cfg := pipeline.DefaultConfig()
	cfg.VerifyTimeout = 3 * time.Second
	cfg.TickInterval = 2 * time.Millisecond
	cfg.MatchBackoffMax = 20 * time.Millisecond
	return cfg
}
