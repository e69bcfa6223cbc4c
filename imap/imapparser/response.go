package imapparser

import "time"

// RespKind distinguishes the shape of one parsed server response line.
// An IMAP response is always exactly one of these.
type RespKind string

const (
	RespStatus   RespKind = "STATUS"   // OK/NO/BAD/PREAUTH/BYE, tagged or untagged
	RespPlus     RespKind = "PLUS"     // "+ ..." continuation request
	RespExists   RespKind = "EXISTS"   // "* N EXISTS"
	RespRecent   RespKind = "RECENT"   // "* N RECENT"
	RespExpunge  RespKind = "EXPUNGE"  // "* N EXPUNGE"
	RespFetch    RespKind = "FETCH"    // "* N FETCH (...)"
	RespFlags    RespKind = "FLAGS"    // "* FLAGS (...)"
	RespList     RespKind = "LIST"     // "* LIST (...) ..."
	RespLSub     RespKind = "LSUB"
	RespStatusMB RespKind = "STATUSMB" // "* STATUS mbx (...)"
	RespSearch   RespKind = "SEARCH"   // "* SEARCH 1 2 3"
	RespCapa     RespKind = "CAPABILITY"
	RespEnabled  RespKind = "ENABLED"
	RespVanished RespKind = "VANISHED"
	RespXKeyNew  RespKind = "XKEYSYNC_CREATED"
	RespXKeyDel  RespKind = "XKEYSYNC_DELETED"
	RespXKeyOK   RespKind = "XKEYSYNC_OK"
)

// RespCode is a bracketed response code, e.g. "[UIDVALIDITY 123]".
type RespCode struct {
	Name string // UIDVALIDITY, UIDNEXT, HIGHESTMODSEQ, APPENDUID, COPYUID,
	// READ-WRITE, READ-ONLY, CLOSED, PERMANENTFLAGS, UNSEEN, CAPABILITY,
	// BADCHARSET, ALERT, TRYCREATE, PARSE, NOMODSEQ, ...
	Nums  []uint64
	Flags [][]byte // PERMANENTFLAGS
	Text  []byte   // CAPABILITY-like space-separated atom lists, raw

	// Raw holds every space-separated field after Name exactly as it
	// appeared on the wire, including sequence-set arguments (e.g.
	// COPYUID's src-uids/dst-uids) that Nums cannot represent because
	// they are not single numbers.
	Raw []string
}

// Response is the parsed form of one line (or literal-bearing group of
// lines) received from an IMAP peer: a tagged or untagged status
// response, a "+" continuation, or one of the untagged data responses
// enumerated by Kind.
type Response struct {
	Tag  []byte // empty/nil for untagged
	Kind RespKind

	// Kind == RespStatus
	Status string // "OK", "NO", "BAD", "PREAUTH", "BYE"
	Code   *RespCode
	Text   []byte

	// Kind == RespPlus
	PlusText []byte

	// Kind in {RespExists, RespRecent, RespExpunge}
	Num uint32

	// Kind == RespFetch
	FetchUID   uint32 // sequence number is Num; UID attr mirrored here if present
	FetchAttrs []FetchAttr

	// Kind == RespFlags
	Flags [][]byte

	// Kind in {RespList, RespLSub}
	List ListResp

	// Kind == RespStatusMB
	StatusMailbox []byte
	StatusAttrs   map[StatusItem]int64

	// Kind == RespSearch
	SearchNums []uint32
	SearchMax  int64 // trailing (MODSEQ n), 0 if absent

	// Kind == RespCapa
	Caps []string

	// Kind == RespEnabled
	EnabledNames []string

	// Kind == RespVanished
	VanishedEarlier bool
	VanishedUIDs    []SeqRange

	// Kind in {RespXKeyNew}
	XKeyPEM []byte
	// Kind in {RespXKeyDel}
	XKeyFingerprint []byte
}

// ListResp is the parsed form of a LIST/LSUB untagged response.
type ListResp struct {
	Attrs     []string // \Noselect, \HasChildren, \HasNoChildren, \Marked, ...
	Delimiter byte     // 0 means NIL
	Mailbox   []byte
}

// FetchAttr is one attribute/value pair inside a FETCH response.
type FetchAttr struct {
	Type FetchItemType

	Flags        [][]byte         // FLAGS
	InternalDate time.Time        // INTERNALDATE
	RFC822Size   uint32           // RFC822.SIZE
	UID          uint32           // UID
	ModSeq       int64            // MODSEQ
	Section      FetchItemSection // BODY[...]/BODY.PEEK[...]
	Partial      uint32           // BODY[...]<partial-origin>
	Literal      []byte           // the octet payload for RFC822/RFC822.HEADER/RFC822.TEXT/BODY[...]/BODYSTRUCTURE raw text
	NIL          bool             // literal/value was NIL (e.g. no body on a partial fetch)
}
