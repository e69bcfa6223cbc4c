package imaildir

import (
	"bufio"
	"os"
	"time"

	"splintermail.com/citm/email"
	"splintermail.com/citm/email/imf"
	"splintermail.com/citm/imap/imapparser"
)

// View is the per-downstream SELECTED-state server described in spec
// §4.3: it answers SEARCH, FETCH, STORE, COPY, EXPUNGE, CHECK, CLOSE,
// UNSELECT, IDLE against one Dir on behalf of one downstream session. It
// holds no direct reference to the downstream connection; all output is
// returned to the caller (the citm/sc bridge), which is responsible for
// turning it into wire responses via imap/imapparser.
type View struct {
	dir      *Dir
	acc      *Accessor
	readOnly bool
}

// OpenView registers a new downstream accessor against dir and returns a
// View for SELECTED-state operations. readOnly reflects EXAMINE vs
// SELECT.
func OpenView(dir *Dir, readOnly bool) *View {
	acc := dir.Register(false)
	return &View{dir: dir, acc: acc, readOnly: readOnly}
}

// Close unregisters the view's accessor (spec §4.3 "Server" UNSELECT/
// CLOSE/logout path).
func (v *View) Close() {
	v.dir.Unregister(v.acc)
}

// Updates exposes the channel of unilateral Updates pushed by the
// downloader/writer side of the Dir, for IDLE (spec §4.5 Idle, §8
// scenario 6).
func (v *View) Updates() <-chan Update { return v.acc.Updates }

// SeqMsg wraps a Msg with its sequence number for imapparser.Matcher and
// FETCH purposes.
type SeqMsg struct {
	Msg
	seqNum uint32
	dir    *Dir
}

func (m SeqMsg) SeqNum() uint32    { return m.seqNum }
func (m SeqMsg) UID() uint32       { return m.Msg.UID }
func (m SeqMsg) ModSeq() int64     { return m.Msg.ModSeq }
func (m SeqMsg) RFC822Size() int64 { return int64(m.Msg.RFC822Len) }
func (m SeqMsg) Date() time.Time   { return time.Unix(m.Msg.InternalDate, 0) }
func (m SeqMsg) Flag(name string) bool {
	for _, f := range m.Msg.Flags {
		if string(f) == name {
			return true
		}
	}
	return false
}

// Header returns the value of the named header field, read from the
// message's content file on disk. Returns "" if the message has not
// been downloaded yet or the header is absent, which is the correct
// SEARCH semantics for a not-yet-synced message (it simply never
// matches a header-based key).
func (m SeqMsg) Header(name string) string {
	if !m.Msg.Downloaded || m.dir == nil {
		return ""
	}
	f, err := os.Open(m.dir.ContentPath(m.Msg.UID))
	if err != nil {
		return ""
	}
	defer f.Close()
	hdr, err := imf.NewReader(bufio.NewReader(f)).ReadMIMEHeader()
	if err != nil {
		return ""
	}
	return string(hdr.Get(email.CanonicalKey([]byte(name))))
}

// snapshot returns every message in UID order, annotated with its current
// sequence number (1-based position).
func (v *View) snapshot() ([]SeqMsg, error) {
	msgs, err := v.dir.AllMsgs()
	if err != nil {
		return nil, err
	}
	out := make([]SeqMsg, len(msgs))
	for i, m := range msgs {
		out[i] = SeqMsg{Msg: m, seqNum: uint32(i + 1), dir: v.dir}
	}
	return out, nil
}

// Search evaluates op against every currently-known message and returns
// the matching sequence numbers (or UIDs, chosen by the caller from the
// UID flag on the originating Command).
func (v *View) Search(op *imapparser.SearchOp) ([]SeqMsg, error) {
	all, err := v.snapshot()
	if err != nil {
		return nil, err
	}
	matcher, err := imapparser.NewMatcher(op)
	if err != nil {
		return nil, err
	}
	var out []SeqMsg
	for _, m := range all {
		if matcher.Match(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Fetch resolves seqs (sequence numbers, or UIDs if uid is true) against
// the current snapshot and invokes fn for each matching message in
// ascending order, skipping any not present (e.g. already expunged).
func (v *View) Fetch(uid bool, seqs []imapparser.SeqRange, changedSince int64, fn func(SeqMsg)) error {
	all, err := v.snapshot()
	if err != nil {
		return err
	}
	maxSeq, maxUID := uint32(0), uint32(0)
	for _, m := range all {
		if m.seqNum > maxSeq {
			maxSeq = m.seqNum
		}
		if m.Msg.UID > maxUID {
			maxUID = m.Msg.UID
		}
	}
	max := maxSeq
	if uid {
		max = maxUID
	}
	wanted := imapparser.Expand(seqs, 1, max)
	wantSet := make(map[uint32]bool, len(wanted))
	for _, w := range wanted {
		wantSet[w] = true
	}
	for _, m := range all {
		key := m.seqNum
		if uid {
			key = m.Msg.UID
		}
		if !wantSet[key] {
			continue
		}
		if changedSince != 0 && m.Msg.ModSeq <= changedSince {
			continue
		}
		fn(m)
	}
	return nil
}

// Vanished returns the expunged UIDs since modseq, restricted to uids,
// for a QRESYNC "VANISHED (EARLIER)" response (spec §8 scenario 4).
func (v *View) Vanished(since int64, uids []imapparser.SeqRange) ([]uint32, error) {
	expunges, err := v.dir.ExpungesSince(since)
	if err != nil {
		return nil, err
	}
	maxUID := uint32(0)
	for _, e := range expunges {
		if e.UID > maxUID {
			maxUID = e.UID
		}
	}
	wanted := imapparser.Expand(uids, 1, maxUID+1)
	wantSet := make(map[uint32]bool, len(wanted))
	for _, w := range wanted {
		wantSet[w] = true
	}
	var out []uint32
	for _, e := range expunges {
		if wantSet[e.UID] {
			out = append(out, e.UID)
		}
	}
	return out, nil
}

// Store applies a flag change to the messages named by seqs, returning
// the updated messages (for the FETCH-style unsolicited/untagged
// response STORE must emit unless .SILENT was requested).
func (v *View) Store(uid bool, seqs []imapparser.SeqRange, mode imapparser.StoreMode, flags [][]byte, nextModSeq func() int64) ([]Msg, error) {
	var updated []Msg
	err := v.Fetch(uid, seqs, 0, func(m SeqMsg) {
		msg := m.Msg
		switch mode {
		case imapparser.StoreAdd:
			msg.Flags = unionFlags(msg.Flags, flags)
		case imapparser.StoreRemove:
			msg.Flags = subtractFlags(msg.Flags, flags)
		default:
			msg.Flags = flags
		}
		msg.ModSeq = nextModSeq()
		if err := v.dir.UpdateMsg(msg); err == nil {
			updated = append(updated, msg)
		}
	})
	return updated, err
}

func unionFlags(have, add [][]byte) [][]byte {
	out := append([][]byte{}, have...)
	for _, f := range add {
		found := false
		for _, h := range have {
			if string(h) == string(f) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, f)
		}
	}
	return out
}

func subtractFlags(have, remove [][]byte) [][]byte {
	var out [][]byte
	for _, h := range have {
		drop := false
		for _, r := range remove {
			if string(h) == string(r) {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, h)
		}
	}
	return out
}
