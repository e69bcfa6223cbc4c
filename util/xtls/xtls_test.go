package xtls

import (
	"bytes"
	"net"
	"testing"

	"splintermail.com/citm/util/tlstest"
)

func TestServerClientHandshake(t *testing.T) {
	clientConn, serverConn := net.Pipe()

	type result struct {
		conn net.Conn
		err  error
	}
	serverCh := make(chan result, 1)
	go func() {
		c, err := Server(serverConn, tlstest.ServerConfig)
		if err != nil {
			serverCh <- result{nil, err}
			return
		}
		serverCh <- result{c, nil}
	}()

	cfg := tlstest.ClientConfig.Clone()
	cfg.ServerName = "localhost"
	clientTLS, err := Client(clientConn, cfg)
	if err != nil {
		t.Fatalf("Client handshake: %v", err)
	}
	defer clientTLS.Close()

	res := <-serverCh
	if res.err != nil {
		t.Fatalf("Server handshake: %v", res.err)
	}
	defer res.conn.Close()

	go func() {
		clientTLS.Write([]byte("ping"))
	}()
	buf := make([]byte, 4)
	if _, err := res.conn.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, []byte("ping")) {
		t.Fatalf("got %q", buf)
	}
}

func TestClassifyUnknownErrorIsOther(t *testing.T) {
	if k := Classify(nil); k != FailureNone {
		t.Fatalf("expected FailureNone for nil, got %v", k)
	}
}
