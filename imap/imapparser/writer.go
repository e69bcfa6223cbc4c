package imapparser

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
)

// stringForm is the wire representation chosen for one Text value, per
// spec §4.1: raw atom, quoted string, or literal.
type stringForm int

const (
	formAtom stringForm = iota
	formQuoted
	formLiteral
)

const maxQuotedLen = 72

// classify picks the wire form for s per spec §4.1: raw atom if nonempty
// and every byte is atom-safe; quoted if <=72 bytes with no CR/LF/NUL;
// literal otherwise. Any string longer than maxQuotedLen is always a
// literal, even if it would otherwise be atom-safe.
func classify(s []byte) stringForm {
	if len(s) == 0 {
		return formQuoted // empty string must be "" (atoms can't be empty)
	}
	if len(s) <= maxQuotedLen && isAtomSafe(s) {
		return formAtom
	}
	if len(s) <= maxQuotedLen && isQuotable(s) {
		return formQuoted
	}
	return formLiteral
}

func isAtomSafe(s []byte) bool {
	for _, c := range s {
		switch {
		case c <= 0x1f || c == 0x7f:
			return false
		case c == ' ', c == '(', c == ')', c == '{', c == '%', c == '*',
			c == '"', c == '\\', c == ']', c == '[':
			return false
		}
	}
	return true
}

func isQuotable(s []byte) bool {
	for _, c := range s {
		if c == '\r' || c == '\n' || c == 0 {
			return false
		}
	}
	return true
}

// writeString writes s in its classified wire form into buf. If the form
// is formLiteral, it is written as a bare "{N}\r\n<bytes>" literal
// (responses never use LITERAL+); use writeCommandLiteralMarker for
// commands, which always use "{N+}" instead.
func writeString(buf *bytes.Buffer, s []byte, nonSyncLiteral bool) {
	switch classify(s) {
	case formAtom:
		buf.Write(s)
	case formQuoted:
		buf.WriteByte('"')
		buf.Write(s)
		buf.WriteByte('"')
	case formLiteral:
		if nonSyncLiteral {
			fmt.Fprintf(buf, "{%d+}\r\n", len(s))
		} else {
			fmt.Fprintf(buf, "{%d}\r\n", len(s))
		}
		buf.Write(s)
	}
}

// writeMailbox writes m as a mailbox name; INBOX is always written
// uppercase regardless of input case, per spec §4.1.
func writeMailbox(buf *bytes.Buffer, m []byte, nonSyncLiteral bool) {
	if strings.EqualFold(string(m), "INBOX") {
		buf.WriteString("INBOX")
		return
	}
	writeString(buf, m, nonSyncLiteral)
}

func writeFlags(buf *bytes.Buffer, flags [][]byte) {
	buf.WriteByte('(')
	for i, f := range flags {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.Write(f)
	}
	buf.WriteByte(')')
}

// ValidationError indicates a Command or Response could not be rendered
// because a value failed a structural check (an empty STORE sequence
// set, a UID-context '*' where bare zero is forbidden, an invalid time,
// etc.) per spec §4.1.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return "imapparser: " + e.Msg }

// RenderCommand renders cmd to its wire form as a streaming io.Reader.
// Any embedded literal (APPEND, XKEYADD) is read directly out of
// cmd.Literal via a SectionReader rather than copied into memory, so the
// caller can drive arbitrarily small write buffers without buffering the
// whole command; see spec §4.1's restartable write contract, which in Go
// maps naturally onto io.Reader/io.Copy.
//
// Commands always use LITERAL+ ("{N+}") for any embedded literal, since
// they originate from us and never need the synchronizing "+ OK"
// round-trip; exts gates this the same way it gates every other
// extension-bearing construct, so a session that has explicitly disabled
// LITERAL+ falls back to a bare literal header and a real round trip is
// expected from the caller.
func RenderCommand(cmd *Command, exts *Extensions) (io.Reader, error) {
	if err := validateCommand(cmd); err != nil {
		return nil, err
	}
	nonSync := exts.State(ExtLiteralPlus) != ExtDisabled

	var head bytes.Buffer
	head.Write(cmd.Tag)
	head.WriteByte(' ')
	if cmd.UID {
		head.WriteString("UID ")
	}
	head.WriteString(cmd.Name)

	var lit *bytes.Buffer // marker for where cmd.Literal goes, nil if none
	switch cmd.Name {
	case "LOGIN":
		head.WriteByte(' ')
		writeString(&head, cmd.Auth.Username, nonSync)
		head.WriteByte(' ')
		writeString(&head, cmd.Auth.Password, nonSync)
	case "SELECT", "EXAMINE":
		head.WriteByte(' ')
		writeMailbox(&head, cmd.Mailbox, nonSync)
		var mods []string
		if cmd.Condstore {
			if err := exts.Require(ExtCondstore); err != nil {
				return nil, err
			}
			mods = append(mods, "CONDSTORE")
		}
		if cmd.Qresync.UIDValidity != 0 {
			if err := exts.Require(ExtQresync); err != nil {
				return nil, err
			}
			q := fmt.Sprintf("QRESYNC (%d %d", cmd.Qresync.UIDValidity, cmd.Qresync.ModSeq)
			if len(cmd.Qresync.KnownUIDMatch) > 0 {
				var sb strings.Builder
				FormatSeqs(&sb, cmd.Qresync.KnownUIDMatch)
				q += " " + sb.String()
			}
			q += ")"
			mods = append(mods, q)
		}
		if len(mods) > 0 {
			head.WriteString(" (" + strings.Join(mods, " ") + ")")
		}
	case "SUBSCRIBE", "UNSUBSCRIBE", "DELETE", "STATUS":
		head.WriteByte(' ')
		writeMailbox(&head, cmd.Mailbox, nonSync)
		if cmd.Name == "STATUS" {
			head.WriteString(" (")
			for i, item := range cmd.Status.Items {
				if i > 0 {
					head.WriteByte(' ')
				}
				head.WriteString(statusItemName(item))
			}
			head.WriteString(")")
		}
	case "RENAME":
		head.WriteByte(' ')
		writeMailbox(&head, cmd.Rename.OldMailbox, nonSync)
		head.WriteByte(' ')
		writeMailbox(&head, cmd.Rename.NewMailbox, nonSync)
	case "LIST", "LSUB":
		head.WriteByte(' ')
		writeString(&head, cmd.List.ReferenceName, nonSync)
		head.WriteByte(' ')
		writeString(&head, cmd.List.MailboxGlob, nonSync)
	case "APPEND":
		head.WriteByte(' ')
		writeMailbox(&head, cmd.Mailbox, nonSync)
		if len(cmd.Append.Flags) > 0 {
			head.WriteByte(' ')
			writeFlags(&head, cmd.Append.Flags)
		}
		if len(cmd.Append.Date) > 0 {
			head.WriteByte(' ')
			head.WriteByte('"')
			head.Write(cmd.Append.Date)
			head.WriteByte('"')
		}
		head.WriteByte(' ')
		n := litSize(cmd.Literal)
		fmt.Fprintf(&head, "{%d%s}\r\n", n, litPlus(nonSync))
		lit = &bytes.Buffer{} // marker only; actual bytes streamed below
	case "COPY":
		head.WriteByte(' ')
		if err := writeSeqs(&head, cmd.Sequences, cmd.UID); err != nil {
			return nil, err
		}
		head.WriteByte(' ')
		writeMailbox(&head, cmd.Mailbox, nonSync)
	case "ENABLE":
		for _, p := range cmd.Params {
			head.WriteByte(' ')
			head.Write(p)
		}
	case "ID":
		head.WriteByte(' ')
		if len(cmd.Params) == 0 {
			head.WriteString("NIL")
		} else {
			head.WriteString("(")
			for i, p := range cmd.Params {
				if i > 0 {
					head.WriteByte(' ')
				}
				head.Write(p)
			}
			head.WriteString(")")
		}
	case "FETCH":
		head.WriteByte(' ')
		if err := writeSeqs(&head, cmd.Sequences, cmd.UID); err != nil {
			return nil, err
		}
		head.WriteByte(' ')
		writeFetchItems(&head, cmd.FetchItems)
		if cmd.ChangedSince != 0 || cmd.Vanished {
			head.WriteString(" (")
			if cmd.ChangedSince != 0 {
				if err := exts.Require(ExtCondstore); err != nil {
					return nil, err
				}
				fmt.Fprintf(&head, "CHANGEDSINCE %d", cmd.ChangedSince)
			}
			if cmd.Vanished {
				if err := exts.Require(ExtQresync); err != nil {
					return nil, err
				}
				if cmd.ChangedSince != 0 {
					head.WriteByte(' ')
				}
				head.WriteString("VANISHED")
			}
			head.WriteString(")")
		}
	case "STORE":
		head.WriteByte(' ')
		if err := writeSeqs(&head, cmd.Sequences, cmd.UID); err != nil {
			return nil, err
		}
		head.WriteByte(' ')
		if cmd.Store.UnchangedSince != 0 {
			if err := exts.Require(ExtCondstore); err != nil {
				return nil, err
			}
			fmt.Fprintf(&head, "(UNCHANGEDSINCE %d) ", cmd.Store.UnchangedSince)
		}
		switch cmd.Store.Mode {
		case StoreAdd:
			head.WriteString("+FLAGS")
		case StoreRemove:
			head.WriteString("-FLAGS")
		default:
			head.WriteString("FLAGS")
		}
		if cmd.Store.Silent {
			head.WriteString(".SILENT")
		}
		head.WriteByte(' ')
		writeFlags(&head, cmd.Store.Flags)
	case "UNSELECT", "CLOSE", "CHECK", "NOOP", "LOGOUT", "STARTTLS", "CAPABILITY", "IDLE", "DONE":
		// no arguments
	case "XKEYSYNC":
		for _, fp := range cmd.XKeySyncKnown {
			head.WriteByte(' ')
			head.Write(fp)
		}
	case "XKEYADD":
		head.WriteByte(' ')
		n := litSize(cmd.Literal)
		fmt.Fprintf(&head, "{%d%s}\r\n", n, litPlus(nonSync))
		lit = &bytes.Buffer{}
	default:
		return nil, ValidationError{Msg: fmt.Sprintf("unknown command name %q", cmd.Name)}
	}

	if lit == nil {
		head.WriteString("\r\n")
		return bytes.NewReader(head.Bytes()), nil
	}

	tail := bytes.NewBufferString("\r\n")
	litReader := io.NewSectionReader(cmd.Literal, 0, litSize(cmd.Literal))
	return io.MultiReader(bytes.NewReader(head.Bytes()), litReader, tail), nil
}

func litPlus(nonSync bool) string {
	if nonSync {
		return "+"
	}
	return ""
}

type sizer interface {
	Size() int64
}

func litSize(l sizer) int64 {
	if l == nil {
		return 0
	}
	return l.Size()
}

func writeSeqs(buf *bytes.Buffer, seqs []SeqRange, uidCtx bool) error {
	if len(seqs) == 0 {
		return ValidationError{Msg: "empty sequence set"}
	}
	_ = uidCtx // bare-zero-in-UID-context is rejected by the parser, which
	// is the only place a literal 0 (as opposed to '*') can be distinguished
	var sb strings.Builder
	if err := FormatSeqs(&sb, seqs); err != nil {
		return err
	}
	buf.WriteString(sb.String())
	return nil
}

func writeFetchItems(buf *bytes.Buffer, items []FetchItem) {
	if len(items) == 1 && isFetchMacro(items[0].Type) {
		buf.WriteString(string(items[0].Type))
		return
	}
	buf.WriteByte('(')
	for i, item := range items {
		if i > 0 {
			buf.WriteByte(' ')
		}
		writeFetchItem(buf, item)
	}
	buf.WriteByte(')')
}

func isFetchMacro(t FetchItemType) bool {
	switch t {
	case FetchAll, FetchFull, FetchFast:
		return true
	}
	return false
}

func writeFetchItem(buf *bytes.Buffer, item FetchItem) {
	switch item.Type {
	case FetchBody:
		if item.Peek {
			buf.WriteString("BODY.PEEK[")
		} else {
			buf.WriteString("BODY[")
		}
		writeSection(buf, item.Section)
		buf.WriteByte(']')
		if item.Partial.Length != 0 || item.Partial.Start != 0 {
			fmt.Fprintf(buf, "<%d.%d>", item.Partial.Start, item.Partial.Length)
		}
	default:
		buf.WriteString(string(item.Type))
	}
}

func writeSection(buf *bytes.Buffer, s FetchItemSection) {
	for i, p := range s.Path {
		if i > 0 {
			buf.WriteByte('.')
		}
		fmt.Fprintf(buf, "%d", p)
	}
	if s.Name != "" {
		if len(s.Path) > 0 {
			buf.WriteByte('.')
		}
		buf.WriteString(s.Name)
		if len(s.Headers) > 0 {
			buf.WriteString(" (")
			for i, h := range s.Headers {
				if i > 0 {
					buf.WriteByte(' ')
				}
				buf.Write(h)
			}
			buf.WriteByte(')')
		}
	}
}

func statusItemName(i StatusItem) string {
	switch i {
	case StatusMessages:
		return "MESSAGES"
	case StatusRecent:
		return "RECENT"
	case StatusUIDNext:
		return "UIDNEXT"
	case StatusUIDValidity:
		return "UIDVALIDITY"
	case StatusUnseen:
		return "UNSEEN"
	case StatusHighestModSeq:
		return "HIGHESTMODSEQ"
	default:
		return "UNKNOWN"
	}
}

func validateCommand(cmd *Command) error {
	switch cmd.Name {
	case "STORE":
		if len(cmd.Sequences) == 0 {
			return ValidationError{Msg: "STORE requires a nonempty sequence set"}
		}
	case "EXPUNGE":
		if cmd.UID && len(cmd.Sequences) == 0 {
			return ValidationError{Msg: "UID EXPUNGE requires a nonempty UID set"}
		}
		if !cmd.UID && len(cmd.Sequences) != 0 {
			return ValidationError{Msg: "plain EXPUNGE must not carry a UID set"}
		}
	case "FETCH":
		if cmd.Vanished && (!cmd.UID || cmd.ChangedSince == 0) {
			return ValidationError{Msg: "FETCH VANISHED requires UID mode and CHANGEDSINCE"}
		}
	}
	for _, t := range cmd.Tag {
		if t <= 0x20 || t == '+' {
			return ValidationError{Msg: "invalid character in tag"}
		}
	}
	return nil
}

// RenderResponse renders resp to its wire form. Responses always use a
// bare "{N}" literal (never LITERAL+), since the synchronizing round trip
// exists precisely so a server can reject an oversized literal before the
// client commits to sending it; that protection is meaningless for data
// the server itself originates, so the rule instead is: only commands
// (ours to send) ever use "+"; everything we emit as a response does not.
func RenderResponse(resp *Response, exts *Extensions) (io.Reader, error) {
	var buf bytes.Buffer
	if len(resp.Tag) > 0 {
		buf.Write(resp.Tag)
	} else {
		buf.WriteByte('*')
	}
	buf.WriteByte(' ')

	switch resp.Kind {
	case RespPlus:
		buf.Reset()
		buf.WriteByte('+')
		buf.WriteByte(' ')
		buf.Write(resp.PlusText)
		buf.WriteString("\r\n")
		return bytes.NewReader(buf.Bytes()), nil
	case RespStatus:
		buf.WriteString(resp.Status)
		if resp.Code != nil {
			buf.WriteByte(' ')
			writeRespCode(&buf, resp.Code)
		}
		if len(resp.Text) > 0 {
			buf.WriteByte(' ')
			buf.Write(resp.Text)
		}
	case RespExists, RespRecent, RespExpunge:
		fmt.Fprintf(&buf, "%d %s", resp.Num, string(resp.Kind))
	case RespFlags:
		buf.WriteString("FLAGS ")
		writeFlags(&buf, resp.Flags)
	case RespCapa:
		buf.WriteString("CAPABILITY")
		for _, c := range resp.Caps {
			buf.WriteByte(' ')
			buf.WriteString(c)
		}
	case RespEnabled:
		buf.WriteString("ENABLED")
		for _, n := range resp.EnabledNames {
			buf.WriteByte(' ')
			buf.WriteString(n)
		}
	case RespSearch:
		buf.WriteString("SEARCH")
		for _, n := range resp.SearchNums {
			fmt.Fprintf(&buf, " %d", n)
		}
		if resp.SearchMax != 0 {
			fmt.Fprintf(&buf, " (MODSEQ %d)", resp.SearchMax)
		}
	case RespVanished:
		buf.WriteString("VANISHED")
		if resp.VanishedEarlier {
			buf.WriteString(" (EARLIER)")
		}
		buf.WriteByte(' ')
		if err := writeSeqs(&buf, resp.VanishedUIDs, true); err != nil {
			return nil, err
		}
	case RespList, RespLSub:
		buf.WriteString(string(resp.Kind))
		buf.WriteString(" (")
		buf.WriteString(strings.Join(resp.List.Attrs, " "))
		buf.WriteString(") ")
		if resp.List.Delimiter == 0 {
			buf.WriteString("NIL")
		} else {
			buf.WriteByte('"')
			buf.WriteByte(resp.List.Delimiter)
			buf.WriteByte('"')
		}
		buf.WriteByte(' ')
		writeMailbox(&buf, resp.List.Mailbox, false)
	case RespStatusMB:
		buf.WriteString("STATUS ")
		writeMailbox(&buf, resp.StatusMailbox, false)
		buf.WriteString(" (")
		keys := make([]StatusItem, 0, len(resp.StatusAttrs))
		for k := range resp.StatusAttrs {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(' ')
			}
			fmt.Fprintf(&buf, "%s %d", statusItemName(k), resp.StatusAttrs[k])
		}
		buf.WriteByte(')')
	case RespFetch:
		fmt.Fprintf(&buf, "%d FETCH (", resp.Num)
		for i, a := range resp.FetchAttrs {
			if i > 0 {
				buf.WriteByte(' ')
			}
			writeFetchAttr(&buf, a)
		}
		buf.WriteByte(')')
	case RespXKeyNew:
		buf.WriteString("XKEYSYNC CREATED ")
		fmt.Fprintf(&buf, "{%d}\r\n", len(resp.XKeyPEM))
		buf.Write(resp.XKeyPEM)
	case RespXKeyDel:
		buf.WriteString("XKEYSYNC DELETED ")
		buf.Write(resp.XKeyFingerprint)
	case RespXKeyOK:
		buf.WriteString("XKEYSYNC OK")
	default:
		return nil, ValidationError{Msg: fmt.Sprintf("unknown response kind %q", resp.Kind)}
	}
	buf.WriteString("\r\n")
	return bytes.NewReader(buf.Bytes()), nil
}

func writeRespCode(buf *bytes.Buffer, c *RespCode) {
	buf.WriteByte('[')
	buf.WriteString(c.Name)
	for _, n := range c.Nums {
		fmt.Fprintf(buf, " %d", n)
	}
	if len(c.Flags) > 0 {
		buf.WriteByte(' ')
		writeFlags(buf, c.Flags)
	}
	if len(c.Text) > 0 {
		buf.WriteByte(' ')
		buf.Write(c.Text)
	}
	buf.WriteByte(']')
}

func writeFetchAttr(buf *bytes.Buffer, a FetchAttr) {
	switch a.Type {
	case FetchFlags:
		buf.WriteString("FLAGS ")
		writeFlags(buf, a.Flags)
	case FetchUID:
		fmt.Fprintf(buf, "UID %d", a.UID)
	case FetchModSeq:
		fmt.Fprintf(buf, "MODSEQ (%d)", a.ModSeq)
	case FetchRFC822Size:
		fmt.Fprintf(buf, "RFC822.SIZE %d", a.RFC822Size)
	case FetchInternalDate:
		fmt.Fprintf(buf, "INTERNALDATE %q", a.InternalDate.Format("02-Jan-2006 15:04:05 -0700"))
	case FetchBody:
		buf.WriteString("BODY[")
		writeSection(buf, a.Section)
		buf.WriteByte(']')
		if a.NIL {
			buf.WriteString(" NIL")
		} else {
			fmt.Fprintf(buf, " {%d}\r\n", len(a.Literal))
			buf.Write(a.Literal)
		}
	default:
		buf.WriteString(string(a.Type))
		if a.Literal != nil {
			fmt.Fprintf(buf, " {%d}\r\n", len(a.Literal))
			buf.Write(a.Literal)
		}
	}
}
