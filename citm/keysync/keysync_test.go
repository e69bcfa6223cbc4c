package keysync

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net"
	"strings"
	"testing"
	"time"

	"crawshaw.io/iox"
	"splintermail.com/citm/citm/keydir"
	"splintermail.com/citm/imap/imapclient"
)

// fakeUpstream starts a one-shot TCP listener that hands the accepted
// connection's reader/writer to serve, then closes it, mirroring the
// teacher's imaptest style of driving a protocol against real sockets
// instead of mocking net.Conn.
func fakeUpstream(t *testing.T, serve func(r *bufio.Reader, w net.Conn)) string {
	t.Helper()
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
		serve(bufio.NewReader(conn), conn)
	}()
	return ln.Addr().String()
}

func newTestKeydir(t *testing.T) *keydir.Keydir {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	kd, err := keydir.New(key, nil)
	if err != nil {
		t.Fatalf("keydir.New: %v", err)
	}
	return kd
}

func TestClientRunSyncsAndStops(t *testing.T) {
	kd := newTestKeydir(t)
	peerPEM := otherPartyPEM(t)

	addr := fakeUpstream(t, func(r *bufio.Reader, w net.Conn) {
		line, _ := r.ReadString('\n')
		if !strings.HasPrefix(line, "c1 XKEYSYNC") {
			t.Errorf("unexpected command: %q", line)
		}
		w.Write([]byte("* XKEYSYNC CREATED {" + itoa(len(peerPEM)) + "}\r\n"))
		w.Write(peerPEM)
		w.Write([]byte("\r\n"))
		w.Write([]byte("* XKEYSYNC OK\r\n"))
		done, _ := r.ReadString('\n')
		if strings.TrimSpace(done) != "DONE" {
			t.Errorf("expected DONE, got %q", done)
		}
		w.Write([]byte("c1 OK XKEYSYNC completed\r\n"))
	})

	filer := iox.NewFiler(0)
	conn, err := imapclient.Dial(addr, filer, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Cancel()

	client := New(conn, kd, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- client.Run(context.Background()) }()

	select {
	case <-client.Synced():
	case <-time.After(2 * time.Second):
		t.Fatal("Synced() never closed")
	}
	if err := client.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(kd.Recipients()) != 2 { // mykey + the one peer added above
		t.Fatalf("expected 2 recipients, got %d", len(kd.Recipients()))
	}
}

func TestClientRunSelfDeletedIsStonith(t *testing.T) {
	kd := newTestKeydir(t)
	myFP := kd.MyFingerprint()

	addr := fakeUpstream(t, func(r *bufio.Reader, w net.Conn) {
		r.ReadString('\n') // XKEYSYNC
		w.Write([]byte("* XKEYSYNC DELETED " + myFP + "\r\n"))
	})

	filer := iox.NewFiler(0)
	conn, err := imapclient.Dial(addr, filer, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Cancel()

	client := New(conn, kd, nil)
	err = client.Run(context.Background())
	if err != ErrSelfDeleted {
		t.Fatalf("expected ErrSelfDeleted, got %v", err)
	}
}

func TestAddMykeyIfMissingSkipsWhenSeen(t *testing.T) {
	kd := newTestKeydir(t)
	// No server interaction should occur at all: dialing an address with
	// nothing listening would fail, so passing a nil conn here would panic
	// if sendXKeyAdd were reached; this proves the seen-set short-circuit.
	err := AddMykeyIfMissing(nil, kd, map[string]bool{kd.MyFingerprint(): true})
	if err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestAddMykeyIfMissingUploads(t *testing.T) {
	kd := newTestKeydir(t)

	addr := fakeUpstream(t, func(r *bufio.Reader, w net.Conn) {
		line, _ := r.ReadString('\n')
		if !strings.Contains(line, "XKEYADD") {
			t.Errorf("unexpected command: %q", line)
		}
		// drain the literal body (teacher-style: just read and discard)
		for {
			l, err := r.ReadString('\n')
			if err != nil || strings.TrimSpace(l) == "" {
				break
			}
			if strings.HasPrefix(l, "-----END") {
				break
			}
		}
		w.Write([]byte("c1 OK XKEYADD completed\r\n"))
	})

	filer := iox.NewFiler(0)
	conn, err := imapclient.Dial(addr, filer, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Cancel()

	err = AddMykeyIfMissing(conn, kd, map[string]bool{})
	if err != nil {
		t.Fatalf("AddMykeyIfMissing: %v", err)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// otherPartyPEM generates a second keypair's public PEM, standing in for a
// peer account's key as reported by XKEYSYNC CREATED.
func otherPartyPEM(t *testing.T) []byte {
	t.Helper()
	other := newTestKeydir(t)
	return other.MyPublicPEM()
}
