package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aspect-build/caxe/internal/engine"
	"github.com/aspect-build/caxe/internal/engine/db"
	"github.com/aspect-build/caxe/internal/logx"
	"github.com/aspect-build/caxe/internal/pipeline"
	"github.com/aspect-build/caxe/internal/server"
	"github.com/aspect-build/caxe/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	verbose := flag.Bool("verbose", false, "Enable verbose debug logs (same as --log-level debug)")
	logLevel := flag.String("log-level", "", "Log level: debug|info|warn|error (or CAXE_LOG_LEVEL)")
	flag.BoolVar(showVersion, "v", false, "Print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s\n\n", version.String("caxe-server"))
		fmt.Fprintf(os.Stderr, "caxe-server verifies reports against the credentials they link to.\n\n")
		fmt.Fprintf(os.Stderr, "Environment variables:\n")
		fmt.Fprintf(os.Stderr, "  CAXE_LISTEN_ADDR            Listen address (default: :8723)\n")
		fmt.Fprintf(os.Stderr, "  CAXE_DB_PATH                SQLite database path for verified credentials (default: caxe.db)\n")
		fmt.Fprintf(os.Stderr, "  CAXE_ADMIN_TOKEN            Bearer token for admin APIs (min 16 chars; admin APIs disabled if unset)\n")
		fmt.Fprintf(os.Stderr, "  CAXE_CORS_ORIGINS           Comma-separated allowed browser origins\n")
		fmt.Fprintf(os.Stderr, "  CAXE_VERIFY_TIMEOUT         Per-submission deadline (default: 10s)\n")
		fmt.Fprintf(os.Stderr, "  CAXE_KEEP_ALIVE_INTERVAL    Keep-alive newline interval while streaming (default: 1s)\n")
		fmt.Fprintf(os.Stderr, "  CAXE_TICK_INTERVAL          Scheduler tick (default: 10ms)\n")
		fmt.Fprintf(os.Stderr, "  CAXE_MATCH_BACKOFF_MAX      Upper bound of the credential lookup backoff (default: 500ms)\n")
		fmt.Fprintf(os.Stderr, "  CAXE_FETCH_TIMEOUT          Outbound fetch timeout (default: 20s)\n")
		fmt.Fprintf(os.Stderr, "  CAXE_DIGEST                 Report digest: blake3|blake2b|sha3 (default: blake3)\n")
		fmt.Fprintf(os.Stderr, "  CAXE_CREDENTIAL_MEDIA_TYPE  Link type of credential references (default: application/json+acdc)\n")
		fmt.Fprintf(os.Stderr, "  CAXE_MAX_DOCUMENT_BYTES     Largest accepted report or credential stream (default: 16777216)\n")
		fmt.Fprintf(os.Stderr, "  CAXE_ESCROW_TTL             Lifetime of escrowed engine messages (default: 1h)\n")
		fmt.Fprintf(os.Stderr, "  CAXE_LOG_LEVEL              Log level: debug|info|warn|error (default: info)\n")
		fmt.Fprintf(os.Stderr, "\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("caxe-server"))
		os.Exit(0)
	}

	if err := logx.Configure(*logLevel, *verbose); err != nil {
		log.Fatalf("configure logging: %v", err)
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logx.Redact(cfg.AdminToken)

	if n, err := raiseFileLimit(); err != nil {
		logx.Warnf("raise open file limit: %v", err)
	} else if n > 0 {
		logx.Debugf("open file limit: %d", n)
	}

	store, err := db.NewStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng := engine.New(store, engine.WithEscrowTTL(cfg.EscrowTTL))
	p := pipeline.New(cfg.Pipeline(), eng, pipeline.WithMetrics(pipeline.NewMetrics(reg)))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.NewRouter(p, eng, cfg, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logx.Infof("server config: digest=%s media_type=%s verify_timeout=%s admin=%v",
		cfg.Algorithm, cfg.CredentialMediaType, cfg.VerifyTimeout, cfg.AdminToken != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	log.Printf("caxe-server listening on %s", ln.Addr())

	if err := serve(ctx, srv, ln, p.Run, cfg.VerifyTimeout+5*time.Second); err != nil {
		log.Fatalf("%v", err)
	}
	logx.Infof("caxe-server stopped")
}
