// Package anon implements the pre-login negotiation described in spec
// §4.6: the gate a downstream connection passes through before it is
// handed a logged-in imap.Session. The teacher's imap/imapserver already
// speaks the greeting/STARTTLS/CAPABILITY/LOGIN grammar itself (it is a
// direct IMAP server, not a proxy in front of one), so in this repository
// anon.Gate sits in front of imapserver.DataStore.Login rather than
// reimplementing that grammar: it adds the brute-force throttling the
// teacher's own spilldb/db.Authenticator applied to password auth, and it
// probes the real upstream once at startup so a misconfigured upstream
// address is caught before the first client ever connects, instead of
// surfacing as a mysterious per-connection LOGIN failure.
package anon

import (
	"crawshaw.io/iox"
	"github.com/rotisserie/eris"
	"splintermail.com/citm/citm/sc"
	"splintermail.com/citm/imap"
	"splintermail.com/citm/imap/imapclient"
	"splintermail.com/citm/imap/imapparser"
	"splintermail.com/citm/imap/imapserver"
	"splintermail.com/citm/util/throttle"
)

// Gate wraps a *sc.Backend with the pre-login throttling spec §4.6
// describes as part of anon's responsibility, and implements
// imapserver.DataStore so it can be installed directly as
// imapserver.Server.DataStore.
type Gate struct {
	*sc.Backend // RegisterNotifier and any future DataStore methods pass through unchanged
	Throttle    throttle.Throttle
	Logf        func(string, ...interface{})
}

// NewGate wraps backend with login throttling.
func NewGate(backend *sc.Backend, logf func(string, ...interface{})) *Gate {
	return &Gate{Backend: backend, Logf: logf}
}

// Login throttles by remote address and username before delegating to the
// wrapped Backend, mirroring the teacher's Authenticator.AuthDevice
// pattern: a Throttle.Throttle call sleeps out repeat offenders before the
// real auth attempt, and a failed attempt is charged against both keys so
// a distributed credential-stuffing run against many usernames from one
// address is slowed just as a single-username brute force is.
func (g *Gate) Login(c *imapserver.Conn, username, password []byte) (userID int64, s imap.Session, err error) {
	remoteAddr := remoteAddrString(c)
	g.Throttle.Throttle(remoteAddr)
	g.Throttle.Throttle(string(username))
	defer func() {
		if err != nil {
			g.Throttle.Add(remoteAddr)
			g.Throttle.Add(string(username))
		}
	}()
	return g.Backend.Login(c, username, password)
}

func remoteAddrString(c *imapserver.Conn) string {
	if c == nil {
		return ""
	}
	addr := c.RemoteAddr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

// ProbeUpstream dials and greets the dialer's upstream once as a canary,
// returning its greeting status line and advertised capabilities. It is
// meant to run at daemon startup (wired from cmd/citm) and on a periodic
// health-check tick feeding citm/status, not per downstream connection:
// spec §4.6's "upstream greeting and capabilities read concurrently with
// downstream greeting" is, in this design, collapsed into "confirm the
// upstream is reachable and speaks the capabilities citm needs before
// accepting any client," since every downstream LOGIN already dials its
// own fresh upstream connection through sc.Account rather than relaying
// one shared pre-login pipe (see DESIGN.md for the rationale).
func ProbeUpstream(dialer sc.UpstreamDialer, filer *iox.Filer, logf func(string, ...interface{})) (greeting *imapparser.Response, capability []string, err error) {
	var conn *imapclient.Conn
	if dialer.TLSConfig != nil {
		conn, err = imapclient.DialTLS(dialer.Addr, dialer.TLSConfig, filer, logf)
	} else {
		conn, err = imapclient.Dial(dialer.Addr, filer, logf)
	}
	if err != nil {
		return nil, nil, eris.Wrap(err, "anon: probe dial")
	}
	defer conn.Cancel()

	greeting, err = conn.ReadResponse()
	if err != nil {
		return nil, nil, eris.Wrap(err, "anon: probe read greeting")
	}
	if greeting.Status == "BYE" {
		return greeting, nil, eris.Errorf("anon: upstream refused connection: %s", greeting.Text)
	}

	cmd := &imapparser.Command{Tag: conn.NextTag(), Name: "CAPABILITY"}
	var caps []string
	tagged, err := conn.RoundTrip(cmd, func(resp *imapparser.Response) {
		if resp.Kind == imapparser.RespCapa {
			caps = resp.Caps
		}
	})
	if err != nil {
		return greeting, nil, eris.Wrap(err, "anon: probe CAPABILITY")
	}
	if tagged.Status != "OK" {
		return greeting, nil, eris.Errorf("anon: upstream CAPABILITY failed: %s", tagged.Text)
	}
	return greeting, caps, nil
}
