// Package keysync implements the client side of the proprietary XKEY
// extension described in spec §4.7: one long-lived XKEYSYNC command per
// upstream session that streams peer-key CREATED/DELETED events into a
// keydir.Keydir, with STONITH self-logout when the owner's own key is
// reported deleted.
package keysync

import (
	"context"
	"io"
	"time"

	"github.com/rotisserie/eris"
	"splintermail.com/citm/citm/keydir"
	"splintermail.com/citm/imap/imapclient"
	"splintermail.com/citm/imap/imapparser"
)

// ErrSelfDeleted is returned by Run when the upstream reports mykey's own
// fingerprint as deleted (STONITH, spec §4.7): the caller must log the
// user out rather than attempt to re-add the key.
var ErrSelfDeleted = eris.New("keysync: mykey reported deleted upstream, STONITH")

const (
	reconnectBackoffBase = 500 * time.Millisecond
	reconnectBackoffMax  = 30 * time.Second
)

// Client drives one upstream XKEYSYNC command against conn, feeding
// events into kd. Conn must already be authenticated.
type Client struct {
	Logf func(string, ...interface{})

	conn *imapclient.Conn
	kd   *keydir.Keydir

	synced chan struct{} // closed once the initial CREATED/DELETED backlog has drained
}

// New constructs a Client. conn must be logged in already; kd is the
// account's keyring to populate.
func New(conn *imapclient.Conn, kd *keydir.Keydir, logf func(string, ...interface{})) *Client {
	return &Client{
		Logf:   logf,
		conn:   conn,
		kd:     kd,
		synced: make(chan struct{}),
	}
}

// Synced is closed once the server has reported "XKEYSYNC OK", meaning
// the initial backlog of CREATED/DELETED events for already-known
// fingerprints has drained and the keydir reflects upstream's current
// set (spec §4.6 pre-user warm-up waits on this).
func (c *Client) Synced() <-chan struct{} { return c.synced }

// Run issues XKEYSYNC with the fingerprints the keydir already holds (so
// the upstream can suppress redundant CREATED replies for them, per
// libcitm/preuser.c's "already known" optimization) and then reads
// CREATED/DELETED events until the connection fails, the context is
// canceled, or mykey is reported deleted. It is meant to run for the
// lifetime of one logged-in session; the caller is the reconnect loop.
func (c *Client) Run(ctx context.Context) error {
	known := c.knownFingerprints()
	cmd := &imapparser.Command{
		Tag:           c.conn.NextTag(),
		Name:          "XKEYSYNC",
		XKeySyncKnown: known,
	}
	if err := c.conn.Send(cmd); err != nil {
		return eris.Wrap(err, "keysync: send XKEYSYNC")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Cancel()
		case <-done:
		}
	}()

	for {
		resp, err := c.conn.ReadResponse()
		if err != nil {
			return eris.Wrap(err, "keysync: read response")
		}
		switch resp.Kind {
		case imapparser.RespXKeyNew:
			if _, err := c.kd.Add(resp.XKeyPEM); err != nil {
				if c.Logf != nil {
					c.Logf("keysync: add key from upstream: %v", err)
				}
			}
		case imapparser.RespXKeyDel:
			fp := string(resp.XKeyFingerprint)
			if fp == c.kd.MyFingerprint() {
				return ErrSelfDeleted
			}
			c.kd.Delete(fp)
		case imapparser.RespXKeyOK:
			c.markSynced()
		case imapparser.RespStatus:
			if string(resp.Tag) == string(cmd.Tag) {
				// tagged completion: only happens after we sent DONE.
				if resp.Status != "OK" {
					return eris.Errorf("keysync: XKEYSYNC failed: %s", resp.Text)
				}
				return nil
			}
		}
	}
}

// Stop sends the XKEYSYNC terminator and waits for the tagged completion
// Run is blocked on, per spec §6.2.
func (c *Client) Stop() error {
	return c.conn.SendRaw([]byte("DONE\r\n"))
}

func (c *Client) markSynced() {
	select {
	case <-c.synced:
	default:
		close(c.synced)
	}
}

func (c *Client) knownFingerprints() [][]byte {
	recips := c.kd.Recipients()
	out := make([][]byte, 0, len(recips))
	myFP := c.kd.MyFingerprint()
	for _, r := range recips {
		if r.Fingerprint == myFP {
			continue
		}
		out = append(out, []byte(r.Fingerprint))
	}
	return out
}

// AddMykeyIfMissing uploads the account's own public key via XKEYADD if
// it was not among the fingerprints the upstream already reported
// CREATED for during initial sync, per spec §4.6 pre-user warm-up.
func AddMykeyIfMissing(conn *imapclient.Conn, kd *keydir.Keydir, sawFingerprints map[string]bool) error {
	myFP := kd.MyFingerprint()
	if sawFingerprints[myFP] {
		return nil
	}
	return sendXKeyAdd(conn, kd.MyPublicPEM())
}

// sendXKeyAdd uploads pemBytes as an XKEYADD literal, spilling it through
// the connection's *iox.Filer the same way every other literal-bearing
// command in this repository does (citm/sc.Mailbox.Append,
// email/msgbuilder.Builder), and waits for the tagged completion.
func sendXKeyAdd(conn *imapclient.Conn, pemBytes []byte) error {
	lit := conn.Filer().BufferFile(0)
	defer lit.Close()
	if _, err := lit.Write(pemBytes); err != nil {
		return eris.Wrap(err, "keysync: buffer XKEYADD literal")
	}
	if _, err := lit.Seek(0, io.SeekStart); err != nil {
		return eris.Wrap(err, "keysync: seek XKEYADD literal")
	}
	cmd := &imapparser.Command{
		Tag:     conn.NextTag(),
		Name:    "XKEYADD",
		Literal: lit,
	}
	resp, err := conn.RoundTrip(cmd, nil)
	if err != nil {
		return eris.Wrap(err, "keysync: XKEYADD round trip")
	}
	if resp.Status != "OK" {
		return eris.Errorf("keysync: XKEYADD failed: %s", resp.Text)
	}
	return nil
}
