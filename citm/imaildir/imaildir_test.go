package imaildir

import (
	"path/filepath"
	"testing"

	"splintermail.com/citm/imap/imapparser"
)

func openTestDir(t *testing.T) *Dir {
	t.Helper()
	dir, err := Open(filepath.Join(t.TempDir(), "INBOX"), nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { dir.Close() })
	return dir
}

func putMsg(t *testing.T, dir *Dir, uid uint32, modseq int64, flags ...string) Msg {
	t.Helper()
	var fl [][]byte
	for _, f := range flags {
		fl = append(fl, []byte(f))
	}
	m := Msg{UID: uid, Flags: fl, ModSeq: modseq, RFC822Len: 100, Downloaded: true}
	if err := dir.UpdateMsg(m); err != nil {
		t.Fatalf("UpdateMsg: %v", err)
	}
	return m
}

// TestUIDValidityResetDropsState exercises spec §4.3/§3.3's rule that a
// UIDVALIDITY change wipes messages and expunges but leaves the newly
// observed UIDVALIDITY persisted.
func TestUIDValidityResetDropsState(t *testing.T) {
	dir := openTestDir(t)
	putMsg(t, dir, 1, 1, `\Seen`)

	changed, err := dir.CheckUIDValidity(100)
	if err != nil {
		t.Fatalf("CheckUIDValidity: %v", err)
	}
	if !changed {
		t.Fatalf("expected first CheckUIDValidity to report a change")
	}

	all, err := dir.AllMsgs()
	if err != nil {
		t.Fatalf("AllMsgs: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected Drop to clear messages, got %d", len(all))
	}

	v, err := dir.GetUIDValidity()
	if err != nil {
		t.Fatalf("GetUIDValidity: %v", err)
	}
	if v != 100 {
		t.Fatalf("expected uidvalidity 100, got %d", v)
	}

	changed, err = dir.CheckUIDValidity(100)
	if err != nil {
		t.Fatalf("CheckUIDValidity (stable): %v", err)
	}
	if changed {
		t.Fatalf("expected stable uidvalidity to report no change")
	}
}

// TestViewSearchModSeq exercises the MODSEQ search key (teacher's own
// CONDSTORE support in imapparser/search.go) against imaildir's SeqMsg,
// the new MatchMessage implementer.
func TestViewSearchModSeq(t *testing.T) {
	dir := openTestDir(t)
	putMsg(t, dir, 1, 5, `\Seen`)
	putMsg(t, dir, 2, 10)
	putMsg(t, dir, 3, 15, `\Flagged`)

	view := OpenView(dir, true)
	defer view.Close()

	op := &imapparser.SearchOp{Key: "MODSEQ", Num: 10}
	matches, err := view.Search(op)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches at modseq>=10, got %d", len(matches))
	}
	for _, m := range matches {
		if m.UID() < 2 {
			t.Errorf("unexpected UID %d matched MODSEQ 10", m.UID())
		}
	}

	op = &imapparser.SearchOp{Key: "FLAGGED"}
	matches, err = view.Search(op)
	if err != nil {
		t.Fatalf("Search FLAGGED: %v", err)
	}
	if len(matches) != 1 || matches[0].UID() != 3 {
		t.Fatalf("expected only UID 3 FLAGGED, got %+v", matches)
	}
}

// TestViewFetchBySeqAndUID exercises sequence-number vs UID resolution and
// the CHANGEDSINCE filter FETCH/STORE share.
func TestViewFetchBySeqAndUID(t *testing.T) {
	dir := openTestDir(t)
	putMsg(t, dir, 10, 1)
	putMsg(t, dir, 20, 2)
	putMsg(t, dir, 30, 3)

	view := OpenView(dir, true)
	defer view.Close()

	var bySeq []uint32
	err := view.Fetch(false, []imapparser.SeqRange{{Min: 1, Max: 2}}, 0, func(m SeqMsg) {
		bySeq = append(bySeq, m.Msg.UID)
	})
	if err != nil {
		t.Fatalf("Fetch by seq: %v", err)
	}
	if len(bySeq) != 2 || bySeq[0] != 10 || bySeq[1] != 20 {
		t.Fatalf("expected UIDs [10 20] for seq 1:2, got %v", bySeq)
	}

	var byUID []uint32
	err = view.Fetch(true, []imapparser.SeqRange{{Min: 20, Max: 30}}, 0, func(m SeqMsg) {
		byUID = append(byUID, m.Msg.UID)
	})
	if err != nil {
		t.Fatalf("Fetch by uid: %v", err)
	}
	if len(byUID) != 2 || byUID[0] != 20 || byUID[1] != 30 {
		t.Fatalf("expected UIDs [20 30] for uid 20:30, got %v", byUID)
	}

	var changed []uint32
	err = view.Fetch(true, []imapparser.SeqRange{{Min: 1, Max: 0}}, 2, func(m SeqMsg) {
		changed = append(changed, m.Msg.UID)
	})
	if err != nil {
		t.Fatalf("Fetch changedSince: %v", err)
	}
	if len(changed) != 1 || changed[0] != 30 {
		t.Fatalf("expected only UID 30 changed since modseq 2, got %v", changed)
	}
}

// TestViewStoreAppliesFlagsAndBumpsModSeq exercises STORE's three modes
// (replace/add/remove) and confirms each write advances ModSeq.
func TestViewStoreAppliesFlagsAndBumpsModSeq(t *testing.T) {
	dir := openTestDir(t)
	putMsg(t, dir, 1, 1)

	view := OpenView(dir, false)
	defer view.Close()

	next := int64(1)
	nextModSeq := func() int64 { next++; return next }

	updated, err := view.Store(true, []imapparser.SeqRange{{Min: 1, Max: 1}},
		imapparser.StoreAdd, [][]byte{[]byte(`\Seen`)}, nextModSeq)
	if err != nil {
		t.Fatalf("Store add: %v", err)
	}
	if len(updated) != 1 || !flagsHave(updated[0].Flags, `\Seen`) {
		t.Fatalf("expected \\Seen added, got %+v", updated)
	}
	if updated[0].ModSeq != 2 {
		t.Fatalf("expected modseq bumped to 2, got %d", updated[0].ModSeq)
	}

	updated, err = view.Store(true, []imapparser.SeqRange{{Min: 1, Max: 1}},
		imapparser.StoreRemove, [][]byte{[]byte(`\Seen`)}, nextModSeq)
	if err != nil {
		t.Fatalf("Store remove: %v", err)
	}
	if flagsHave(updated[0].Flags, `\Seen`) {
		t.Fatalf("expected \\Seen removed, got %+v", updated[0].Flags)
	}
}

// TestViewVanishedReportsExpungesSinceModSeq exercises the QRESYNC
// VANISHED (EARLIER) path (spec §8 scenario 4): expunges recorded after a
// client's last-known modseq must be reported, earlier ones must not.
func TestViewVanishedReportsExpungesSinceModSeq(t *testing.T) {
	dir := openTestDir(t)
	putMsg(t, dir, 1, 1)
	putMsg(t, dir, 2, 2)
	putMsg(t, dir, 3, 3)

	if err := dir.ExpungeMsg(Expunge{UID: 1, ModSeq: 4}); err != nil {
		t.Fatalf("ExpungeMsg 1: %v", err)
	}
	if err := dir.ExpungeMsg(Expunge{UID: 2, ModSeq: 5}); err != nil {
		t.Fatalf("ExpungeMsg 2: %v", err)
	}

	view := OpenView(dir, true)
	defer view.Close()

	vanished, err := view.Vanished(3, []imapparser.SeqRange{{Min: 1, Max: 0}})
	if err != nil {
		t.Fatalf("Vanished: %v", err)
	}
	if len(vanished) != 2 {
		t.Fatalf("expected 2 vanished UIDs since modseq 3, got %v", vanished)
	}

	vanished, err = view.Vanished(4, []imapparser.SeqRange{{Min: 1, Max: 0}})
	if err != nil {
		t.Fatalf("Vanished since 4: %v", err)
	}
	if len(vanished) != 1 || vanished[0] != 2 {
		t.Fatalf("expected only UID 2 vanished since modseq 4, got %v", vanished)
	}
}

// TestFreezeBlocksNewHoldsAndWaitsForExisting exercises spec §4.5's
// Hold/Freeze discipline used during RENAME/DELETE: a Freeze waits for
// outstanding Holds (an in-flight APPEND) to release, and once frozen,
// new Holds are refused until ReleaseFreeze.
func TestFreezeBlocksNewHoldsAndWaitsForExisting(t *testing.T) {
	dir := openTestDir(t)

	if err := dir.Hold(); err != nil {
		t.Fatalf("Hold: %v", err)
	}

	done := make(chan struct{})
	go func() {
		dir.Freeze()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("Freeze returned before outstanding Hold was released")
	default:
	}

	dir.ReleaseHold()
	<-done

	if !dir.Frozen() {
		t.Fatalf("expected Frozen() true after Freeze completes")
	}
	if err := dir.Hold(); err != ErrFrozen {
		t.Fatalf("expected ErrFrozen from Hold while frozen, got %v", err)
	}

	dir.ReleaseFreeze()
	if err := dir.Hold(); err != nil {
		t.Fatalf("expected Hold to succeed after ReleaseFreeze, got %v", err)
	}
	dir.ReleaseHold()
}

// TestBroadcastDeliversToDownstreamOnly exercises the unilateral-update
// fanout IDLE relies on (spec §4.5 Idle, §8 scenario 6): an upstream-sync
// update reaches every downstream accessor's Updates channel but not
// other upstream accessors.
func TestBroadcastDeliversToDownstreamOnly(t *testing.T) {
	dir := openTestDir(t)

	down := dir.Register(false)
	defer dir.Unregister(down)
	up := dir.Register(true)
	defer dir.Unregister(up)

	u := Update{NewOrChanged: []Msg{{UID: 1}}}
	dir.Broadcast(u, false)

	select {
	case got := <-down.Updates:
		if len(got.NewOrChanged) != 1 || got.NewOrChanged[0].UID != 1 {
			t.Fatalf("unexpected update delivered: %+v", got)
		}
	default:
		t.Fatalf("expected downstream accessor to receive broadcast update")
	}

	select {
	case got := <-up.Updates:
		t.Fatalf("upstream accessor should not receive a downstream broadcast, got %+v", got)
	default:
	}
}
