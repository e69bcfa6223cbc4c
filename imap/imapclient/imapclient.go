// Package imapclient implements the upstream-facing IMAP session driver
// described in spec §2 ("Upstream session (SC.up)"): it logs in to an
// upstream IMAP server, issues commands, and reads back responses,
// correlating tagged replies to the command that produced them.
package imapclient

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"crawshaw.io/iox"
	"github.com/emersion/go-sasl"
	"github.com/rotisserie/eris"
	"splintermail.com/citm/imap/imapparser"
)

// Conn is one upstream IMAP connection: a request-oriented interface
// layering imapparser's codec over a net.Conn, per spec §4.8.
type Conn struct {
	Logf func(format string, v ...interface{})

	conn    net.Conn
	br      *bufio.Reader
	exts    *imapparser.Extensions
	filer   *iox.Filer
	tagSeed uint64

	writeMu sync.Mutex

	mu       sync.Mutex
	canceled bool
	failed   error
}

// Dial opens a TCP connection to addr and wraps it as a Conn. The caller
// is expected to call StartTLS (or rely on implicit TLS via DialTLS) as
// part of the pre-login negotiation in citm/anon.
func Dial(addr string, filer *iox.Filer, logf func(string, ...interface{})) (*Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, eris.Wrapf(err, "imapclient: dial %s", addr)
	}
	return newConn(c, filer, logf), nil
}

// DialTLS opens a connection to addr and immediately performs a TLS
// handshake, for upstreams that require implicit TLS.
func DialTLS(addr string, cfg *tls.Config, filer *iox.Filer, logf func(string, ...interface{})) (*Conn, error) {
	c, err := tls.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, eris.Wrapf(err, "imapclient: dial-tls %s", addr)
	}
	return newConn(c, filer, logf), nil
}

func newConn(c net.Conn, filer *iox.Filer, logf func(string, ...interface{})) *Conn {
	return &Conn{
		Logf:  logf,
		conn:  c,
		br:    bufio.NewReader(c),
		exts:  imapparser.NewExtensions(),
		filer: filer,
	}
}

// Extensions exposes the session's negotiated-extension record so a
// caller can Enable() it after a successful ENABLE round-trip.
func (c *Conn) Extensions() *imapparser.Extensions { return c.exts }

// Filer exposes the connection's spill-to-disk buffer allocator, for
// callers (citm/keysync, citm/preuser) that need to build a
// *imapparser.Command literal outside this package.
func (c *Conn) Filer() *iox.Filer { return c.filer }

// StartTLS upgrades the connection in place after the caller has already
// completed the STARTTLS command/response handshake at the IMAP level.
func (c *Conn) StartTLS(cfg *tls.Config) error {
	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return eris.Wrap(err, "imapclient: tls handshake")
	}
	c.conn = tlsConn
	c.br = bufio.NewReader(tlsConn)
	return nil
}

// NextTag returns a fresh, monotonically increasing command tag, per
// spec §3.5's per-session tag counter.
func (c *Conn) NextTag() []byte {
	n := atomic.AddUint64(&c.tagSeed, 1)
	return []byte(fmt.Sprintf("c%d", n))
}

// Send writes cmd to the wire. Only one Send may be in flight at a time;
// callers serialize through the SC bridge's single upstream-writer
// discipline (spec §5).
func (c *Conn) Send(cmd *imapparser.Command) error {
	r, err := imapparser.RenderCommand(cmd, c.exts)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	buf := make([]byte, 4096)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := c.conn.Write(buf[:n]); werr != nil {
				return eris.Wrap(werr, "imapclient: write")
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

// SendRaw writes b directly to the wire, bypassing imapparser.RenderCommand.
// Used for the handful of tagless literal lines the protocol defines
// outside the normal command grammar, such as IDLE's "DONE" and
// XKEYSYNC's "DONE" terminator.
func (c *Conn) SendRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(b)
	if err != nil {
		return eris.Wrap(err, "imapclient: write raw")
	}
	return nil
}

// SetDeadline sets the read/write deadline for the underlying
// connection, per spec §4.8.
func (c *Conn) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// Cancel tears down the connection unilaterally (spec §5 cancellation);
// idempotent.
func (c *Conn) Cancel() error {
	c.mu.Lock()
	if c.canceled {
		c.mu.Unlock()
		return nil
	}
	c.canceled = true
	c.mu.Unlock()
	return c.conn.Close()
}

// Fail records an unrecoverable protocol error observed from the
// upstream (an invalid response), per spec §4.5/§7 failure semantics:
// any error on an already-issued passthrough command is fatal to the SC.
func (c *Conn) Fail(err error) {
	c.mu.Lock()
	if c.failed == nil {
		c.failed = err
	}
	c.mu.Unlock()
}

// Failed returns the error previously recorded by Fail, or nil.
func (c *Conn) Failed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// AuthPlain performs AUTHENTICATE PLAIN against the upstream using
// go-sasl's PLAIN mechanism encoding, the idiomatic alternative to a
// hand-rolled "\0user\0pass" literal.
func AuthPlainInitialResponse(identity, username, password string) ([]byte, error) {
	client := sasl.NewPlainClient(identity, username, password)
	_, resp, err := client.Start()
	if err != nil {
		return nil, eris.Wrap(err, "imapclient: sasl plain start")
	}
	return resp, nil
}

// ReadResponse reads and parses the next response line (and any literal
// it carries) from the upstream. It blocks until a full response is
// available; the underlying bufio.Reader absorbs partial reads, which is
// this Go implementation's translation of spec §4.1's "scanner signals
// need-more-input" contract (see DESIGN.md for the redesign rationale).
func (c *Conn) ReadResponse() (*imapparser.Response, error) {
	return readResponse(c.br, c.filer)
}

// RoundTrip sends cmd and reads responses until the tagged completion
// for cmd.Tag arrives, passing every untagged response to onUntagged
// along the way (onUntagged may be nil). It is the synchronous
// request/response convenience every SC bridge passthrough command uses;
// spec §5 allows this because a single upstream session serializes
// responses in arrival order and only one command is ever in flight at a
// time on it.
func (c *Conn) RoundTrip(cmd *imapparser.Command, onUntagged func(*imapparser.Response)) (*imapparser.Response, error) {
	if err := c.Send(cmd); err != nil {
		return nil, err
	}
	for {
		resp, err := c.ReadResponse()
		if err != nil {
			return nil, eris.Wrap(err, "imapclient: round trip")
		}
		if resp.Kind == imapparser.RespStatus && len(resp.Tag) > 0 && string(resp.Tag) == string(cmd.Tag) {
			return resp, nil
		}
		if onUntagged != nil {
			onUntagged(resp)
		}
	}
}
