package imaildir

import "github.com/rotisserie/eris"

// CheckUIDValidity compares an observed UIDVALIDITY against the persisted
// value. If they differ, it performs the spec §4.3/§3.3 reset: persist
// the new UID-validity first, then drop all messages, expunges, and log
// entries, so that a crash between the two steps still resumes with a
// consistent (already-bumped) UID-validity and an empty message set
// rather than a stale message set under a new UID-validity.
func (d *Dir) CheckUIDValidity(observed uint32) (changed bool, err error) {
	current, err := d.GetUIDValidity()
	if err != nil {
		return false, err
	}
	if current == observed {
		return false, nil
	}
	if err := d.SetUIDValidity(observed); err != nil {
		return false, eris.Wrap(err, "imaildir: persist new uidvalidity")
	}
	if err := d.Drop(); err != nil {
		return false, eris.Wrap(err, "imaildir: drop on uidvalidity change")
	}
	if err := d.SetHimodseqUp(0); err != nil {
		return false, err
	}
	return true, nil
}
