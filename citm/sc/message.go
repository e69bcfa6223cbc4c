package sc

import (
	"bufio"
	"os"

	"crawshaw.io/iox"
	"github.com/rotisserie/eris"
	"splintermail.com/citm/citm/imaildir"
	"splintermail.com/citm/citm/keydir"
	"splintermail.com/citm/crypto/pemenv"
	"splintermail.com/citm/email"
	"splintermail.com/citm/email/msgcleaver"
	"splintermail.com/citm/imap"
)

const pemenvBeginMarker = "-----BEGIN SPLINTERMAIL MESSAGE-----"

// message adapts one imaildir.Msg into the imap.Message interface the
// downstream imapserver.Server engine fetches against, transparently
// decrypting the on-disk body per spec §4.2 the first time any part of
// it is needed.
type message struct {
	mbox *Mailbox
	raw  imaildir.Msg
	seq  uint32

	loaded *email.Msg
}

func (m *message) Summary() imap.MessageSummary {
	return imap.MessageSummary{SeqNum: m.seq, UID: m.raw.UID, ModSeq: m.raw.ModSeq}
}

// Msg decrypts and cleaves the message on first call and caches the
// result; per spec §4.2's invariant, decryption never hands back partial
// plaintext, so there is nothing to do incrementally here.
func (m *message) Msg() *email.Msg {
	if m.loaded == nil {
		msg, err := m.load()
		if err != nil {
			if m.mbox.logf != nil {
				m.mbox.logf("sc: load message uid=%d: %v", m.raw.UID, err)
			}
			msg = &email.Msg{}
		}
		m.loaded = msg
	}
	m.loaded.Flags = flagStrings(m.raw.Flags)
	m.loaded.MailboxID = m.mbox.id
	return m.loaded
}

func (m *message) load() (*email.Msg, error) {
	if !m.raw.Downloaded {
		return &email.Msg{EncodedSize: int64(m.raw.RFC822Len)}, nil
	}
	f, err := os.Open(m.mbox.dir.ContentPath(m.raw.UID))
	if err != nil {
		return nil, eris.Wrap(err, "sc: open content")
	}
	defer f.Close()

	br := bufio.NewReader(f)
	peek, _ := br.Peek(len(pemenvBeginMarker))
	if string(peek) != pemenvBeginMarker {
		// Not encrypted (e.g. a synthetic local message); cleave as-is.
		return msgcleaver.Cleave(m.mbox.filer, br)
	}

	plain := m.mbox.filer.BufferFile(0)
	defer plain.Close()
	var found []string
	err = pemenv.Decrypt(plain, br, m.mbox.kd.MyFingerprint(), m.mbox.kd.Mykey(), &found)
	if err != nil {
		if eris.Is(err, pemenv.ErrNotForMe) {
			return notForMeMsg(m.mbox.filer, m.raw), nil
		}
		return nil, eris.Wrap(err, "sc: decrypt")
	}
	if _, err := plain.Seek(0, 0); err != nil {
		return nil, err
	}
	msg, err := msgcleaver.Cleave(m.mbox.filer, plain)
	if err != nil {
		return nil, err
	}
	msg.Encrypted = true
	msg.Recipients = found
	return msg, nil
}

// notForMeMsg synthesizes the diagnostic placeholder spec §4.2/§8
// scenario 5 describes for a message this account cannot decrypt: the
// ciphertext is preserved on disk untouched, and the client sees a
// plaintext explanation instead of a parse failure.
func notForMeMsg(filer *iox.Filer, raw imaildir.Msg) *email.Msg {
	body := "This message was encrypted to a key that does not match your account " +
		"and could not be decrypted. The original ciphertext is preserved.\n"
	buf := filer.BufferFile(0)
	buf.Write([]byte(body))
	buf.Seek(0, 0)

	hdr := email.Header{}
	hdr.Add(email.CanonicalKey([]byte("Subject")), []byte("[Undecryptable message]"))
	hdr.Add(email.CanonicalKey([]byte("Content-Type")), []byte("text/plain; charset=utf-8"))
	return &email.Msg{
		Headers:     hdr,
		NotForMe:    true,
		EncodedSize: int64(raw.RFC822Len),
		Parts: []email.Part{{
			PartNum:     0,
			IsBody:      true,
			ContentType: "text/plain",
			Content:     buf,
		}},
	}
}

// closeIfLoaded releases the underlying email.Msg's part buffers, if Msg
// was ever called; Mailbox.Fetch calls this after fn returns, per
// imap.Mailbox.Fetch's "must Close the email.Msg after fn returns"
// contract.
func (m *message) closeIfLoaded() {
	if m.loaded != nil {
		m.loaded.Close()
	}
}

func (m *message) LoadPart(partNum int) error {
	// load() already materializes every part's Content, so there is
	// nothing left to fetch lazily.
	return nil
}

func (m *message) SetSeen() error {
	msg := m.raw
	if flagsHave(msg.Flags, `\Seen`) {
		return nil
	}
	msg.Flags = append(append([][]byte{}, msg.Flags...), []byte(`\Seen`))
	return m.mbox.dir.UpdateMsg(msg)
}

func flagsHave(flags [][]byte, want string) bool {
	for _, f := range flags {
		if string(f) == want {
			return true
		}
	}
	return false
}

func flagStrings(flags [][]byte) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}

func keydirRecipients(kd *keydir.Keydir) []pemenv.Recipient {
	recips := kd.Recipients()
	out := make([]pemenv.Recipient, len(recips))
	for i, r := range recips {
		out[i] = pemenv.Recipient{Fingerprint: r.Fingerprint, PublicKey: r.Public}
	}
	return out
}
