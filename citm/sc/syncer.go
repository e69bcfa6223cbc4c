package sc

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"splintermail.com/citm/citm/imaildir"
	"splintermail.com/citm/imap/imapclient"
	"splintermail.com/citm/imap/imapparser"
)

// upstreamSyncer implements imaildir.Syncer against a live imapclient.Conn,
// per spec §4.3's INITIAL_SYNC/IDLE states and the "Upstream session
// (SC.up)" row of the component table: it owns one upstream connection
// dedicated to EXAMINE + CONDSTORE/QRESYNC + IDLE for exactly one folder,
// separate from the passthrough connection citm/sc.Mailbox uses for
// APPEND/COPY/STORE/EXPUNGE. Splitting the two avoids interleaving
// arbitrary commands with an outstanding IDLE, which IMAP does not allow
// without a DONE round trip.
type upstreamSyncer struct {
	conn *imapclient.Conn
	name string
}

func newUpstreamSyncer(conn *imapclient.Conn, mailbox string) *upstreamSyncer {
	return &upstreamSyncer{conn: conn, name: mailbox}
}

// InitialSync selects the mailbox (QRESYNC if the Dir already knows a
// uidvalidity/modseq to resync from) and applies every message it learns
// about before returning, per spec §4.3 INITIAL_SYNC.
func (s *upstreamSyncer) InitialSync(ctx context.Context, dir *imaildir.Dir) (uint32, int64, error) {
	prevValidity, err := dir.GetUIDValidity()
	if err != nil {
		return 0, 0, err
	}
	prevModSeq, err := dir.GetHimodseqUp()
	if err != nil {
		return 0, 0, err
	}

	cmd := &imapparser.Command{
		Tag:       s.conn.NextTag(),
		Name:      "SELECT",
		Mailbox:   []byte(s.name),
		Condstore: true,
	}
	if prevValidity != 0 {
		cmd.Qresync = imapparser.QresyncParam{
			UIDValidity: prevValidity,
			ModSeq:      prevModSeq,
		}
	}

	var uidvalidity uint32
	var himodseq int64
	var uidnext uint32

	tagged, err := s.conn.RoundTrip(cmd, func(resp *imapparser.Response) {
		switch resp.Kind {
		case imapparser.RespFetch:
			applyFetchToDir(dir, resp)
		case imapparser.RespVanished:
			for _, uid := range imapparser.Expand(resp.VanishedUIDs, 1, ^uint32(0)) {
				dir.ExpungeMsg(imaildir.Expunge{UID: uid, ModSeq: himodseq})
			}
		case imapparser.RespExpunge:
			// EXISTS/RECENT/EXPUNGE without QRESYNC carry no UID; the
			// subsequent UID FETCH below reconciles membership instead.
		case imapparser.RespStatus:
			if resp.Code == nil {
				return
			}
			switch resp.Code.Name {
			case "UIDVALIDITY":
				if len(resp.Code.Nums) > 0 {
					uidvalidity = uint32(resp.Code.Nums[0])
				}
			case "HIGHESTMODSEQ":
				if len(resp.Code.Nums) > 0 {
					himodseq = int64(resp.Code.Nums[0])
				}
			case "UIDNEXT":
				if len(resp.Code.Nums) > 0 {
					uidnext = uint32(resp.Code.Nums[0])
				}
			}
		}
	})
	if err != nil {
		return 0, 0, eris.Wrap(err, "sc: upstream SELECT")
	}
	if tagged.Status != "OK" {
		return 0, 0, eris.Errorf("sc: upstream SELECT failed: %s", tagged.Text)
	}
	if uidvalidity == 0 {
		return 0, 0, eris.New("sc: upstream SELECT did not report UIDVALIDITY")
	}

	// Without QRESYNC support (or on first sync) fetch every message's
	// current flags/metadata explicitly; with QRESYNC the VANISHED/FETCH
	// responses above already delivered the delta.
	if prevValidity == 0 || prevValidity != uidvalidity {
		if err := s.fetchAll(dir); err != nil {
			return 0, 0, err
		}
	} else if himodseq > prevModSeq {
		if err := s.fetchChangedSince(dir, prevModSeq); err != nil {
			return 0, 0, err
		}
	}
	_ = uidnext

	return uidvalidity, himodseq, nil
}

func (s *upstreamSyncer) fetchAll(dir *imaildir.Dir) error {
	return s.fetchRange(dir, []imapparser.SeqRange{{Min: 1, Max: 0}}, 0)
}

func (s *upstreamSyncer) fetchChangedSince(dir *imaildir.Dir, since int64) error {
	return s.fetchRange(dir, []imapparser.SeqRange{{Min: 1, Max: 0}}, since)
}

func (s *upstreamSyncer) fetchRange(dir *imaildir.Dir, seqs []imapparser.SeqRange, changedSince int64) error {
	cmd := &imapparser.Command{
		Tag:       s.conn.NextTag(),
		Name:      "FETCH",
		UID:       true,
		Sequences: seqs,
		FetchItems: []imapparser.FetchItem{
			{Type: imapparser.FetchFlags},
			{Type: imapparser.FetchUID},
			{Type: imapparser.FetchInternalDate},
			{Type: imapparser.FetchRFC822Size},
			{Type: imapparser.FetchModSeq},
		},
		ChangedSince: changedSince,
		Vanished:     changedSince > 0,
	}
	tagged, err := s.conn.RoundTrip(cmd, func(resp *imapparser.Response) {
		switch resp.Kind {
		case imapparser.RespFetch:
			applyFetchToDir(dir, resp)
		case imapparser.RespVanished:
			for _, uid := range imapparser.Expand(resp.VanishedUIDs, 1, ^uint32(0)) {
				dir.ExpungeMsg(imaildir.Expunge{UID: uid})
			}
		}
	})
	if err != nil {
		return eris.Wrap(err, "sc: upstream UID FETCH")
	}
	if tagged.Status != "OK" {
		return eris.Errorf("sc: upstream UID FETCH failed: %s", tagged.Text)
	}
	return nil
}

func applyFetchToDir(dir *imaildir.Dir, resp *imapparser.Response) {
	var uid uint32
	var flags [][]byte
	var modseq int64
	var size uint32
	var date time.Time
	for _, attr := range resp.FetchAttrs {
		switch attr.Type {
		case imapparser.FetchUID:
			uid = attr.UID
		case imapparser.FetchFlags:
			flags = attr.Flags
		case imapparser.FetchModSeq:
			modseq = attr.ModSeq
		case imapparser.FetchRFC822Size:
			size = attr.RFC822Size
		case imapparser.FetchInternalDate:
			date = attr.InternalDate
		}
	}
	if uid == 0 {
		return
	}
	existing, ok, _ := dir.Msg(uid)
	downloaded := ok && existing.Downloaded
	dir.UpdateMsg(imaildir.Msg{
		UID:          uid,
		Flags:        flags,
		ModSeq:       modseq,
		RFC822Len:    size,
		InternalDate: date.Unix(),
		Downloaded:   downloaded,
	})
}

// Idle issues IDLE and blocks until the upstream sends an unsolicited
// response or ctx is canceled, per spec §4.3's IDLE state and §4.5's
// "translate unilateral upstream updates" responsibility.
func (s *upstreamSyncer) Idle(ctx context.Context) error {
	cmd := &imapparser.Command{Tag: s.conn.NextTag(), Name: "IDLE"}
	if err := s.conn.Send(cmd); err != nil {
		return eris.Wrap(err, "sc: send IDLE")
	}
	resp, err := s.conn.ReadResponse()
	if err != nil {
		return eris.Wrap(err, "sc: IDLE continuation")
	}
	if resp.Kind != imapparser.RespPlus {
		return eris.New("sc: IDLE not accepted")
	}

	unsolicited := make(chan struct{}, 1)
	tagged := make(chan error, 1)
	go func() {
		for {
			resp, err := s.conn.ReadResponse()
			if err != nil {
				tagged <- err
				return
			}
			switch resp.Kind {
			case imapparser.RespExists, imapparser.RespExpunge, imapparser.RespFetch, imapparser.RespVanished, imapparser.RespRecent:
				select {
				case unsolicited <- struct{}{}:
				default:
				}
			case imapparser.RespStatus:
				if string(resp.Tag) == string(cmd.Tag) {
					if resp.Status != "OK" {
						tagged <- eris.Errorf("sc: IDLE DONE failed: %s", resp.Text)
					} else {
						tagged <- nil
					}
					return
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
		s.conn.SendRaw([]byte("DONE\r\n"))
		<-tagged // drain the tagged completion (or error) before returning
		return ctx.Err()
	case err := <-tagged:
		if err != nil {
			return eris.Wrap(err, "sc: IDLE read")
		}
		return nil
	case <-unsolicited:
		if err := s.conn.SendRaw([]byte("DONE\r\n")); err != nil {
			return eris.Wrap(err, "sc: send IDLE DONE")
		}
		select {
		case err := <-tagged:
			if err != nil {
				return eris.Wrap(err, "sc: IDLE DONE completion")
			}
			return nil
		case <-time.After(10 * time.Second):
			return eris.New("sc: timed out waiting for IDLE DONE completion")
		}
	}
}
