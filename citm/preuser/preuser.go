// Package preuser implements the keysync warm-up described in spec §4.6:
// after a successful upstream LOGIN and before a brand-new SC bridge is
// handed to a client, the account's fingerprint set must be pulled down
// from the upstream XKEYSYNC stream and, if missing there, the account's
// own key must be pushed up with XKEYADD. It also owns the one piece of
// account bootstrap no other package does: generating keys/mykey.pem the
// first time a username is ever seen, since citm/keydir.Load refuses to
// run without one already on disk.
package preuser

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"splintermail.com/citm/citm/keydir"
	"splintermail.com/citm/citm/keysync"
	"splintermail.com/citm/imap/imapclient"
	"splintermail.com/citm/imap/imapparser"
)

// MykeyBits is the RSA modulus size generated for a brand-new account,
// matching crypto/pemenv's use of RSA-OAEP/SHA-256 key transport (a
// 2048-bit key wraps a 32-byte AES key with room to spare under OAEP's
// overhead, and is the size the original libcrypto keygen helper used).
const MykeyBits = 2048

// EnsureMykey generates and persists keys/mykey.pem under root if it does
// not already exist, per spec §6.6's per-user layout. It is idempotent:
// an existing mykey.pem is left untouched and no error is returned.
func EnsureMykey(root string) error {
	path := filepath.Join(root, "keys", "mykey.pem")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return eris.Wrap(err, "preuser: stat mykey.pem")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return eris.Wrap(err, "preuser: mkdir keys dir")
	}
	key, err := rsa.GenerateKey(rand.Reader, MykeyBits)
	if err != nil {
		return eris.Wrap(err, "preuser: generate keypair")
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}

	// Write to a temp file and rename into place so a crash mid-write
	// never leaves a half-written mykey.pem for keydir.Load to choke on,
	// per spec §1's "fails fast" stance on corrupted local state — the
	// corruption this avoids is one citm itself could otherwise cause.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, pem.EncodeToMemory(block), 0o600); err != nil {
		return eris.Wrap(err, "preuser: write mykey.pem")
	}
	if err := os.Rename(tmp, path); err != nil {
		return eris.Wrap(err, "preuser: rename mykey.pem into place")
	}
	return nil
}

// Warmup runs the one-shot XKEYSYNC-then-XKEYADD exchange spec §4.6
// describes: issue XKEYSYNC (suppressing fingerprints the keydir already
// holds), apply every CREATED/DELETED event to kd until the server sends
// XKEYSYNC OK, send DONE, and then XKEYADD kd's own key if the upstream
// never reported it. conn is a dedicated connection for this exchange;
// the caller closes it when Warmup returns, since the long-lived
// keysync.Client (citm/sc.Account) opens its own separate XKEYSYNC
// session for the lifetime of the account.
func Warmup(conn *imapclient.Conn, kd *keydir.Keydir) error {
	known := knownFingerprints(kd)
	cmd := &imapparser.Command{
		Tag:           conn.NextTag(),
		Name:          "XKEYSYNC",
		XKeySyncKnown: known,
	}
	if err := conn.Send(cmd); err != nil {
		return eris.Wrap(err, "preuser: send XKEYSYNC")
	}

	saw := make(map[string]bool, len(known))
	synced := false
	for !synced {
		resp, err := conn.ReadResponse()
		if err != nil {
			return eris.Wrap(err, "preuser: read XKEYSYNC response")
		}
		switch resp.Kind {
		case imapparser.RespXKeyNew:
			fp, err := kd.Add(resp.XKeyPEM)
			if err != nil {
				return eris.Wrap(err, "preuser: add key from upstream")
			}
			saw[fp] = true
		case imapparser.RespXKeyDel:
			kd.Delete(string(resp.XKeyFingerprint))
		case imapparser.RespXKeyOK:
			synced = true
		case imapparser.RespStatus:
			return eris.Errorf("preuser: upstream ended XKEYSYNC early: %s", resp.Text)
		}
	}
	for _, fp := range known {
		saw[string(fp)] = true
	}

	if err := conn.SendRaw([]byte("DONE\r\n")); err != nil {
		return eris.Wrap(err, "preuser: send XKEYSYNC DONE")
	}
	for {
		resp, err := conn.ReadResponse()
		if err != nil {
			return eris.Wrap(err, "preuser: read XKEYSYNC completion")
		}
		if resp.Kind == imapparser.RespStatus && string(resp.Tag) == string(cmd.Tag) {
			if resp.Status != "OK" {
				return eris.Errorf("preuser: XKEYSYNC failed: %s", resp.Text)
			}
			break
		}
	}

	return keysync.AddMykeyIfMissing(conn, kd, saw)
}

func knownFingerprints(kd *keydir.Keydir) [][]byte {
	recips := kd.Recipients()
	myFP := kd.MyFingerprint()
	out := make([][]byte, 0, len(recips))
	for _, r := range recips {
		if r.Fingerprint == myFP {
			continue
		}
		out = append(out, []byte(r.Fingerprint))
	}
	return out
}
