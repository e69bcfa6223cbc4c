package preuser

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crawshaw.io/iox"
	"splintermail.com/citm/citm/keydir"
	"splintermail.com/citm/imap/imapclient"
)

func TestEnsureMykeyGeneratesOnce(t *testing.T) {
	root := t.TempDir()
	if err := EnsureMykey(root); err != nil {
		t.Fatalf("EnsureMykey: %v", err)
	}
	path := filepath.Join(root, "keys", "mykey.pem")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read mykey.pem: %v", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		t.Fatalf("mykey.pem did not decode as an RSA private key: %+v", block)
	}

	// second call must be a no-op, not a regenerate
	if err := os.Chmod(path, 0o400); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := EnsureMykey(root); err != nil {
		t.Fatalf("EnsureMykey (idempotent): %v", err)
	}
	raw2, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("re-read mykey.pem: %v", err)
	}
	if string(raw) != string(raw2) {
		t.Fatal("EnsureMykey regenerated an existing key")
	}
}

func TestWarmupSyncsAndSkipsAddWhenSeen(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kd, err := keydir.New(key, nil)
	if err != nil {
		t.Fatalf("keydir.New: %v", err)
	}
	myFP := kd.MyFingerprint()
	myPEM := kd.MyPublicPEM()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		ln.Close()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		line, _ := r.ReadString('\n')
		if !strings.HasPrefix(line, "c1 XKEYSYNC") {
			t.Errorf("unexpected XKEYSYNC command: %q", line)
		}
		// report the caller's own key as already CREATED, so Warmup must
		// not attempt an XKEYADD afterward.
		conn.Write([]byte("* XKEYSYNC CREATED {" + itoaTest(len(myPEM)) + "}\r\n"))
		conn.Write(myPEM)
		conn.Write([]byte("\r\n"))
		conn.Write([]byte("* XKEYSYNC OK\r\n"))

		done, _ := r.ReadString('\n')
		if strings.TrimSpace(done) != "DONE" {
			t.Errorf("expected DONE, got %q", done)
		}
		conn.Write([]byte("c1 OK XKEYSYNC completed\r\n"))
		// no further reads: if Warmup sent XKEYADD here the test would hang
		// until the conn is closed, which Cancel() in the caller triggers.
	}()

	filer := iox.NewFiler(0)
	conn, err := imapclient.Dial(ln.Addr().String(), filer, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Cancel()

	if err := Warmup(conn, kd); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	// Add() is a no-op for mykey's own fingerprint (it never joins the
	// peers map), so the real assertion here is implicit: the fake
	// upstream goroutine above only expects XKEYSYNC then DONE, and fails
	// the test via t.Errorf if a further XKEYADD command arrives.
	if kd.MyFingerprint() != myFP {
		t.Fatal("keydir fingerprint changed unexpectedly")
	}
}

func itoaTest(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
