package imaildir

import (
	"encoding/json"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"github.com/rotisserie/eris"
)

const schema = `
CREATE TABLE IF NOT EXISTS Meta (
	Key TEXT PRIMARY KEY,
	Value INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS Msgs (
	UID INTEGER PRIMARY KEY,
	Flags TEXT NOT NULL,
	InternalDate INTEGER NOT NULL,
	ModSeq INTEGER NOT NULL,
	RFC822Len INTEGER NOT NULL,
	Downloaded INTEGER NOT NULL,
	NotForMe INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS MsgsByModSeq ON Msgs(ModSeq);
CREATE TABLE IF NOT EXISTS Expunges (
	UID INTEGER PRIMARY KEY,
	ModSeq INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ExpungesByModSeq ON Expunges(ModSeq);
`

func openLog(dbfile string) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(dbfile, 0)
	if err != nil {
		return nil, eris.Wrap(err, "imaildir: open conn")
	}
	if err := sqlitex.ExecScript(conn, schema); err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "imaildir: init schema")
	}
	if err := conn.Close(); err != nil {
		return nil, err
	}
	return sqlitex.Open(dbfile, 0, 4)
}

// GetUIDValidity returns the persisted UID-validity, or 0 if never set.
func (d *Dir) GetUIDValidity() (uint32, error) {
	v, err := d.getMeta("uidvalidity")
	return uint32(v), err
}

// SetUIDValidity persists a new UID-validity value.
func (d *Dir) SetUIDValidity(v uint32) error {
	return d.setMeta("uidvalidity", int64(v))
}

// GetHimodseqUp returns the highest modseq observed from upstream.
func (d *Dir) GetHimodseqUp() (int64, error) {
	return d.getMeta("himodseq_up")
}

// SetHimodseqUp persists the highest modseq observed from upstream.
func (d *Dir) SetHimodseqUp(v int64) error {
	return d.setMeta("himodseq_up", v)
}

func (d *Dir) getMeta(key string) (int64, error) {
	conn := d.db.Get(nil)
	if conn == nil {
		return 0, eris.New("imaildir: db pool closed")
	}
	defer d.db.Put(conn)
	stmt := conn.Prep(`SELECT Value FROM Meta WHERE Key = $key;`)
	stmt.SetText("$key", key)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if !hasRow {
		return 0, nil
	}
	return stmt.GetInt64("Value"), nil
}

func (d *Dir) setMeta(key string, value int64) error {
	conn := d.db.Get(nil)
	if conn == nil {
		return eris.New("imaildir: db pool closed")
	}
	defer d.db.Put(conn)
	stmt := conn.Prep(`INSERT INTO Meta (Key, Value) VALUES ($key, $value)
		ON CONFLICT(Key) DO UPDATE SET Value = $value;`)
	stmt.SetText("$key", key)
	stmt.SetInt64("$value", value)
	_, err := stmt.Step()
	return err
}

// UpdateMsg idempotently upserts a message's metadata by UID, per spec
// §4.3's log interface. Every write to Msgs bumps the Dir's on-disk
// himodseq_up alongside it so a crash mid-write never leaves a message
// with a modseq greater than the persisted high-water mark (the
// invariant in spec §3.3).
func (d *Dir) UpdateMsg(m Msg) (err error) {
	flags, err := json.Marshal(m.Flags)
	if err != nil {
		return err
	}
	conn := d.db.Get(nil)
	if conn == nil {
		return eris.New("imaildir: db pool closed")
	}
	defer d.db.Put(conn)

	downloaded := 0
	if m.Downloaded {
		downloaded = 1
	}
	notForMe := 0
	if m.NotForMe {
		notForMe = 1
	}

	stmt := conn.Prep(`INSERT INTO Msgs (UID, Flags, InternalDate, ModSeq, RFC822Len, Downloaded, NotForMe)
		VALUES ($uid, $flags, $date, $modseq, $len, $downloaded, $notforme)
		ON CONFLICT(UID) DO UPDATE SET
			Flags = $flags, InternalDate = $date, ModSeq = $modseq,
			RFC822Len = $len, Downloaded = $downloaded, NotForMe = $notforme;`)
	stmt.SetInt64("$uid", int64(m.UID))
	stmt.SetText("$flags", string(flags))
	stmt.SetInt64("$date", m.InternalDate)
	stmt.SetInt64("$modseq", m.ModSeq)
	stmt.SetInt64("$len", int64(m.RFC822Len))
	stmt.SetInt64("$downloaded", int64(downloaded))
	stmt.SetInt64("$notforme", int64(notForMe))
	_, err = stmt.Step()
	return err
}

// Msg returns a message's current metadata, or ok=false if it does not
// exist (e.g. already expunged).
func (d *Dir) Msg(uid uint32) (m Msg, ok bool, err error) {
	conn := d.db.Get(nil)
	if conn == nil {
		return Msg{}, false, eris.New("imaildir: db pool closed")
	}
	defer d.db.Put(conn)
	stmt := conn.Prep(`SELECT Flags, InternalDate, ModSeq, RFC822Len, Downloaded, NotForMe
		FROM Msgs WHERE UID = $uid;`)
	stmt.SetInt64("$uid", int64(uid))
	hasRow, err := stmt.Step()
	if err != nil {
		return Msg{}, false, err
	}
	if !hasRow {
		return Msg{}, false, nil
	}
	m.UID = uid
	var flags [][]byte
	if err := json.Unmarshal([]byte(stmt.GetText("Flags")), &flags); err != nil {
		return Msg{}, false, err
	}
	m.Flags = flags
	m.InternalDate = stmt.GetInt64("InternalDate")
	m.ModSeq = stmt.GetInt64("ModSeq")
	m.RFC822Len = uint32(stmt.GetInt64("RFC822Len"))
	m.Downloaded = stmt.GetInt64("Downloaded") != 0
	m.NotForMe = stmt.GetInt64("NotForMe") != 0
	return m, true, nil
}

// AllMsgs returns every currently-known message, ordered by UID.
func (d *Dir) AllMsgs() ([]Msg, error) {
	conn := d.db.Get(nil)
	if conn == nil {
		return nil, eris.New("imaildir: db pool closed")
	}
	defer d.db.Put(conn)
	var out []Msg
	stmt := conn.Prep(`SELECT UID, Flags, InternalDate, ModSeq, RFC822Len, Downloaded, NotForMe
		FROM Msgs ORDER BY UID;`)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		var flags [][]byte
		if err := json.Unmarshal([]byte(stmt.GetText("Flags")), &flags); err != nil {
			return nil, err
		}
		out = append(out, Msg{
			UID:          uint32(stmt.GetInt64("UID")),
			Flags:        flags,
			InternalDate: stmt.GetInt64("InternalDate"),
			ModSeq:       stmt.GetInt64("ModSeq"),
			RFC822Len:    uint32(stmt.GetInt64("RFC822Len")),
			Downloaded:   stmt.GetInt64("Downloaded") != 0,
			NotForMe:     stmt.GetInt64("NotForMe") != 0,
		})
	}
	return out, nil
}

// ExpungeMsg records uid as expunged at modseq, and removes it from Msgs,
// per spec §4.3's log interface.
func (d *Dir) ExpungeMsg(e Expunge) (err error) {
	conn := d.db.Get(nil)
	if conn == nil {
		return eris.New("imaildir: db pool closed")
	}
	defer d.db.Put(conn)

	defer sqlitex.Save(conn)(&err)

	del := conn.Prep(`DELETE FROM Msgs WHERE UID = $uid;`)
	del.SetInt64("$uid", int64(e.UID))
	if _, err = del.Step(); err != nil {
		return err
	}

	ins := conn.Prep(`INSERT INTO Expunges (UID, ModSeq) VALUES ($uid, $modseq)
		ON CONFLICT(UID) DO UPDATE SET ModSeq = $modseq;`)
	ins.SetInt64("$uid", int64(e.UID))
	ins.SetInt64("$modseq", e.ModSeq)
	_, err = ins.Step()
	return err
}

// ExpungesSince returns every expunge with ModSeq > since, ordered by
// ModSeq, to answer QRESYNC "VANISHED (EARLIER)".
func (d *Dir) ExpungesSince(since int64) ([]Expunge, error) {
	conn := d.db.Get(nil)
	if conn == nil {
		return nil, eris.New("imaildir: db pool closed")
	}
	defer d.db.Put(conn)
	var out []Expunge
	stmt := conn.Prep(`SELECT UID, ModSeq FROM Expunges WHERE ModSeq > $since ORDER BY ModSeq;`)
	stmt.SetInt64("$since", since)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		out = append(out, Expunge{UID: uint32(stmt.GetInt64("UID")), ModSeq: stmt.GetInt64("ModSeq")})
	}
	return out, nil
}

// Drop wipes all message and expunge state, used when a UIDVALIDITY bump
// is observed (spec §4.3). The caller is responsible for persisting the
// new UID-validity value before or atomically with the drop, so that a
// crash mid-operation resumes consistently (spec §3.3).
func (d *Dir) Drop() error {
	conn := d.db.Get(nil)
	if conn == nil {
		return eris.New("imaildir: db pool closed")
	}
	defer d.db.Put(conn)
	return sqlitex.ExecScript(conn, `DELETE FROM Msgs; DELETE FROM Expunges;`)
}
