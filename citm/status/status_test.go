package status

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func newTestServer(t *testing.T, initial Status) (*Server, string) {
	t.Helper()
	s := NewServer(initial, nil)
	path := filepath.Join(t.TempDir(), "citm.sock")
	if err := s.Listen(path); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func readStatus(t *testing.T, br *bufio.Reader) Status {
	t.Helper()
	var st Status
	dec := json.NewDecoder(br)
	if err := dec.Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return st
}

func TestEmitsOnConnect(t *testing.T) {
	_, path := newTestServer(t, Status{VersionMaj: 1, StatusMaj: NoTLS})

	c, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	st := readStatus(t, bufio.NewReader(c))
	if st.StatusMaj != NoTLS {
		t.Fatalf("expected no_tls, got %v", st.StatusMaj)
	}
}

func TestEmitsOnChangeToAllConnections(t *testing.T) {
	s, path := newTestServer(t, Status{StatusMaj: NoTLS})

	c1, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c1.Close()
	c2, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c2.Close()

	br1 := bufio.NewReader(c1)
	br2 := bufio.NewReader(c2)
	c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	readStatus(t, br1) // initial
	readStatus(t, br2) // initial

	s.Set(Status{StatusMaj: TLSGood, TLSReady: true})

	st1 := readStatus(t, br1)
	st2 := readStatus(t, br2)
	if st1.StatusMaj != TLSGood || !st1.TLSReady {
		t.Fatalf("conn1 did not observe update: %+v", st1)
	}
	if st2.StatusMaj != TLSGood || !st2.TLSReady {
		t.Fatalf("conn2 did not observe update: %+v", st2)
	}
}

func TestCheckActionReturnsCurrentStatus(t *testing.T) {
	s, path := newTestServer(t, Status{StatusMaj: NoTLS})

	c, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	br := bufio.NewReader(c)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	readStatus(t, br) // initial

	s.Set(Status{StatusMaj: TLSFirst})
	readStatus(t, br) // broadcast from Set

	if _, err := c.Write([]byte(`{"action":"check"}` + "\n")); err != nil {
		t.Fatalf("write check: %v", err)
	}
	st := readStatus(t, br)
	if st.StatusMaj != TLSFirst {
		t.Fatalf("expected tls_first, got %v", st.StatusMaj)
	}
}

func TestUnauthorizedCheckIsIgnored(t *testing.T) {
	hash, err := HashToken("correct-horse")
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	s := NewServer(Status{StatusMaj: NoTLS}, nil)
	s.TokenHash = hash
	path := filepath.Join(t.TempDir(), "citm.sock")
	if err := s.Listen(path); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer s.Close()

	c, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	br := bufio.NewReader(c)
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	readStatus(t, br) // initial, unauthenticated, always sent

	if _, err := c.Write([]byte(`{"action":"check","token":"wrong"}` + "\n")); err != nil {
		t.Fatalf("write check: %v", err)
	}
	if _, err := c.Write([]byte(`{"action":"check","token":"correct-horse"}` + "\n")); err != nil {
		t.Fatalf("write check: %v", err)
	}
	// Only the second (correctly authorized) check should produce a message;
	// since both are sent before either reply arrives, a single successful
	// decode proves the first was dropped rather than queued ahead of it.
	st := readStatus(t, br)
	if st.StatusMaj != NoTLS {
		t.Fatalf("unexpected status: %+v", st)
	}
}
