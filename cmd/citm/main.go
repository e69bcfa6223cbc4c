// Command citm runs the client-in-the-middle IMAP proxy described in
// spec.md: it accepts IMAP connections from a real mail client, proxies
// them to an upstream IMAP account, and end-to-end encrypts everything
// it stores locally. Wiring style (flag parsing, iox.Filer temp dir,
// dev-mode devcert, signal-driven graceful shutdown with a deadline
// context) follows the teacher's cmd/spilld/main.go.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"io/ioutil"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"crawshaw.io/iox"
	"splintermail.com/citm/citm/anon"
	"splintermail.com/citm/citm/config"
	"splintermail.com/citm/citm/sc"
	"splintermail.com/citm/citm/status"
	"splintermail.com/citm/imap/imapserver"
	"splintermail.com/citm/util/devcert"
)

var version = "unknown" // filled in by "-ldflags=-X main.version=<val>"

func main() {
	log.SetFlags(0)

	flagDev := flag.Bool("dev", false, "development mode: use a local mkcert-issued certificate instead of listen.cert_file/key_file")
	flagConfig := flag.String("config", "citm.yaml", "path to citm's YAML configuration file")
	flag.Parse()

	logf := log.Printf
	logf("citm, version %s, starting at %s", version, time.Now())

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatalf("citm: %v", err)
	}

	filer := iox.NewFiler(0)
	tempdir, err := ioutil.TempDir("", "citm-")
	if err != nil {
		log.Fatal(err)
	}
	filer.SetTempdir(tempdir)

	listenTLS, err := listenTLSConfig(cfg, *flagDev)
	if err != nil {
		log.Fatalf("citm: %v", err)
	}

	var upstreamTLS *tls.Config
	if cfg.Upstream.TLS {
		upstreamTLS = &tls.Config{ServerName: hostOf(cfg.Upstream.Addr)}
	}
	dialer := sc.NewUpstreamDialer(cfg.Upstream.Addr, upstreamTLS)

	if _, _, err := anon.ProbeUpstream(dialer, filer, logf); err != nil {
		log.Fatalf("citm: upstream probe failed: %v", err)
	}
	logf("citm: upstream %s reachable", cfg.Upstream.Addr)

	backend := sc.NewBackend(cfg.BaseDir, dialer, filer, logf)
	gate := anon.NewGate(backend, logf)

	statusSrv := status.NewServer(status.Status{
		StatusMaj:  status.TLSGood,
		Configured: true,
		TLSReady:   true,
	}, logf)
	if cfg.Status.TokenHashFile != "" {
		hash, err := os.ReadFile(cfg.Status.TokenHashFile)
		if err != nil {
			log.Fatalf("citm: read status token hash: %v", err)
		}
		statusSrv.TokenHash = hash
	}
	if err := statusSrv.Listen(cfg.Status.SocketPath); err != nil {
		log.Fatalf("citm: status socket: %v", err)
	}

	srv := &imapserver.Server{
		Filer:     filer,
		Logf:      logf,
		DataStore: gate,
		Version:   version,
	}

	ln, err := net.Listen("tcp", cfg.Listen.Addr)
	if err != nil {
		log.Fatal(err)
	}
	srv.TLSConfig = listenTLS

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := srv.ServeTLS(ln); err != nil && err != imapserver.ErrServerClosed {
			logf("citm: imapserver: %v", err)
		}
	}()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		<-interrupt
		cancel()
	}()
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logf("citm: shutdown: %v", err)
		}
	}()
	wg.Wait()

	if err := statusSrv.Close(); err != nil {
		logf("citm: status socket close: %v", err)
	}
	if err := filer.Shutdown(shutdownCtx); err != nil {
		logf("citm: filer shutdown: %v", err)
	}
	logf("citm: shut down")
}

func listenTLSConfig(cfg *config.Config, dev bool) (*tls.Config, error) {
	if dev {
		return devcert.Config()
	}
	cert, err := tls.LoadX509KeyPair(cfg.Listen.CertFile, cfg.Listen.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
