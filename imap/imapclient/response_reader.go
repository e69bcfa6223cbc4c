package imapclient

import (
	"bufio"
	"bytes"
	"io"
	"strconv"
	"strings"
	"time"

	"crawshaw.io/iox"
	"github.com/rotisserie/eris"
	"splintermail.com/citm/imap/imapparser"
)

// readResponse reads one logical IMAP response (a single line, plus any
// literal(s) named by "{N}" headers within it) and parses it into a
// imapparser.Response. It covers the untagged/tagged status lines and
// the data responses named in spec §8's end-to-end scenarios: EXISTS,
// RECENT, EXPUNGE, FETCH, FLAGS, LIST/LSUB, STATUS, SEARCH, CAPABILITY,
// ENABLED, VANISHED, and the XKEYSYNC extension responses.
func readResponse(br *bufio.Reader, filer *iox.Filer) (*imapparser.Response, error) {
	line, err := readLogicalLine(br)
	if err != nil {
		return nil, err
	}
	toks := tokenize(line)
	if len(toks) == 0 {
		return nil, eris.New("imapclient: empty response line")
	}

	resp := &imapparser.Response{}
	i := 0
	switch {
	case toks[0] == "+":
		resp.Kind = imapparser.RespPlus
		resp.PlusText = []byte(strings.Join(toks[1:], " "))
		return resp, nil
	case toks[0] == "*":
		i = 1
	default:
		resp.Tag = []byte(toks[0])
		i = 1
	}
	if i >= len(toks) {
		return nil, eris.New("imapclient: truncated response line")
	}

	word := strings.ToUpper(toks[i])
	switch word {
	case "OK", "NO", "BAD", "PREAUTH", "BYE":
		resp.Kind = imapparser.RespStatus
		resp.Status = word
		rest := toks[i+1:]
		if len(rest) > 0 && strings.HasPrefix(rest[0], "[") {
			code, consumed := parseRespCode(rest)
			resp.Code = code
			rest = rest[consumed:]
		}
		resp.Text = []byte(strings.Join(rest, " "))
		return resp, nil
	case "CAPABILITY":
		resp.Kind = imapparser.RespCapa
		resp.Caps = toks[i+1:]
		return resp, nil
	case "ENABLED":
		resp.Kind = imapparser.RespEnabled
		resp.EnabledNames = toks[i+1:]
		return resp, nil
	case "FLAGS":
		resp.Kind = imapparser.RespFlags
		resp.Flags = splitParenList(strings.Join(toks[i+1:], " "))
		return resp, nil
	case "SEARCH":
		resp.Kind = imapparser.RespSearch
		for _, t := range toks[i+1:] {
			if strings.EqualFold(t, "(MODSEQ") {
				continue
			}
			n, err := strconv.ParseUint(strings.TrimRight(t, ")"), 10, 32)
			if err == nil {
				resp.SearchNums = append(resp.SearchNums, uint32(n))
			}
		}
		return resp, nil
	case "LIST", "LSUB":
		resp.Kind = imapparser.RespKind(word)
		return parseListResp(resp, toks[i+1:])
	case "STATUS":
		resp.Kind = imapparser.RespStatusMB
		return parseStatusResp(resp, toks[i+1:])
	case "VANISHED":
		resp.Kind = imapparser.RespVanished
		rest := toks[i+1:]
		if len(rest) > 0 && strings.EqualFold(rest[0], "(EARLIER)") {
			resp.VanishedEarlier = true
			rest = rest[1:]
		}
		seqs, err := parseSeqSet(strings.Join(rest, ""))
		if err != nil {
			return nil, err
		}
		resp.VanishedUIDs = seqs
		return resp, nil
	case "XKEYSYNC":
		rest := toks[i+1:]
		if len(rest) == 0 {
			return nil, eris.New("imapclient: truncated XKEYSYNC response")
		}
		switch strings.ToUpper(rest[0]) {
		case "OK":
			resp.Kind = imapparser.RespXKeyOK
		case "DELETED":
			resp.Kind = imapparser.RespXKeyDel
			if len(rest) > 1 {
				resp.XKeyFingerprint = []byte(rest[1])
			}
		case "CREATED":
			resp.Kind = imapparser.RespXKeyNew
			n, lineRemainder, err := literalHeader(strings.Join(rest[1:], " "))
			if err != nil {
				return nil, err
			}
			pem := make([]byte, n)
			if lineRemainder > 0 {
				// shouldn't happen: CREATED's literal is the last token
			}
			if _, err := io.ReadFull(br, pem); err != nil {
				return nil, eris.Wrap(err, "imapclient: read XKEYSYNC CREATED literal")
			}
			if _, err := br.Discard(2); err != nil { // trailing CRLF
				return nil, err
			}
			resp.XKeyPEM = pem
		}
		return resp, nil
	default:
		// numeric untagged responses: "N EXISTS" / "N RECENT" / "N EXPUNGE" / "N FETCH (...)"
		if n, err := strconv.ParseUint(word, 10, 32); err == nil && i+1 < len(toks) {
			kind := strings.ToUpper(toks[i+1])
			switch kind {
			case "EXISTS":
				resp.Kind = imapparser.RespExists
				resp.Num = uint32(n)
				return resp, nil
			case "RECENT":
				resp.Kind = imapparser.RespRecent
				resp.Num = uint32(n)
				return resp, nil
			case "EXPUNGE":
				resp.Kind = imapparser.RespExpunge
				resp.Num = uint32(n)
				return resp, nil
			case "FETCH":
				resp.Kind = imapparser.RespFetch
				resp.Num = uint32(n)
				attrs, err := parseFetchAttrs(br, strings.Join(toks[i+2:], " "))
				if err != nil {
					return nil, err
				}
				resp.FetchAttrs = attrs
				for _, a := range attrs {
					if a.Type == imapparser.FetchUID {
						resp.FetchUID = a.UID
					}
				}
				return resp, nil
			}
		}
	}
	return nil, eris.Errorf("imapclient: unrecognized response: %q", line)
}

// readLogicalLine reads bytes up to and including the terminating CRLF,
// returning the line without the terminator. Literal payloads inside a
// FETCH response are handled separately by parseFetchAttrs since they
// may contain embedded CRLFs.
func readLogicalLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func tokenize(line string) []string {
	var toks []string
	start := -1
	depth := 0
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"':
			// leave quoted strings intact as one token (best-effort; the
			// fields we parse here never contain embedded spaces anyway)
		case c == '(' :
			depth++
		case c == ')':
			depth--
		}
		if c == ' ' && depth == 0 {
			if start >= 0 {
				toks = append(toks, line[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		toks = append(toks, line[start:])
	}
	return toks
}

func splitParenList(s string) [][]byte {
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	if s == "" {
		return nil
	}
	fields := strings.Fields(s)
	out := make([][]byte, len(fields))
	for i, f := range fields {
		out[i] = []byte(f)
	}
	return out
}

func parseRespCode(toks []string) (*imapparser.RespCode, int) {
	joined := strings.Join(toks, " ")
	end := strings.Index(joined, "]")
	if !strings.HasPrefix(joined, "[") || end < 0 {
		return nil, 0
	}
	inner := joined[1:end]
	fields := strings.Fields(inner)
	if len(fields) == 0 {
		return nil, 0
	}
	code := &imapparser.RespCode{Name: strings.ToUpper(fields[0]), Raw: fields[1:]}
	for _, f := range fields[1:] {
		if n, err := strconv.ParseUint(f, 10, 64); err == nil {
			code.Nums = append(code.Nums, n)
		}
	}
	// figure out how many original tokens were consumed
	consumed := 0
	total := 0
	for _, t := range toks {
		total += len(t) + 1
		consumed++
		if total > end+1 {
			break
		}
	}
	return code, consumed
}

func parseListResp(resp *imapparser.Response, toks []string) (*imapparser.Response, error) {
	joined := strings.Join(toks, " ")
	end := strings.Index(joined, ")")
	if !strings.HasPrefix(joined, "(") || end < 0 {
		return nil, eris.Errorf("imapclient: malformed LIST attrs: %q", joined)
	}
	attrs := strings.Fields(joined[1:end])
	resp.List.Attrs = attrs
	rest := strings.TrimSpace(joined[end+1:])
	fields := splitQuotedFields(rest)
	if len(fields) < 2 {
		return nil, eris.Errorf("imapclient: malformed LIST response: %q", joined)
	}
	if fields[0] != "NIL" {
		unquoted := strings.Trim(fields[0], `"`)
		if len(unquoted) > 0 {
			resp.List.Delimiter = unquoted[0]
		}
	}
	resp.List.Mailbox = []byte(strings.Trim(fields[1], `"`))
	return resp, nil
}

func parseStatusResp(resp *imapparser.Response, toks []string) (*imapparser.Response, error) {
	if len(toks) == 0 {
		return nil, eris.New("imapclient: malformed STATUS response")
	}
	resp.StatusMailbox = []byte(strings.Trim(toks[0], `"`))
	joined := strings.Join(toks[1:], " ")
	joined = strings.TrimPrefix(strings.TrimSpace(joined), "(")
	joined = strings.TrimSuffix(joined, ")")
	fields := strings.Fields(joined)
	resp.StatusAttrs = make(map[imapparser.StatusItem]int64)
	for i := 0; i+1 < len(fields); i += 2 {
		item := statusItemByName(fields[i])
		n, _ := strconv.ParseInt(fields[i+1], 10, 64)
		resp.StatusAttrs[item] = n
	}
	return resp, nil
}

func statusItemByName(s string) imapparser.StatusItem {
	switch strings.ToUpper(s) {
	case "MESSAGES":
		return imapparser.StatusMessages
	case "RECENT":
		return imapparser.StatusRecent
	case "UIDNEXT":
		return imapparser.StatusUIDNext
	case "UIDVALIDITY":
		return imapparser.StatusUIDValidity
	case "UNSEEN":
		return imapparser.StatusUnseen
	case "HIGHESTMODSEQ":
		return imapparser.StatusHighestModSeq
	default:
		return imapparser.StatusUnknownItem
	}
}

func splitQuotedFields(s string) []string {
	var out []string
	inQuote := false
	start := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' {
			inQuote = !inQuote
		}
		if c == ' ' && !inQuote {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

// ParseSeqSet parses a bare sequence-set string (e.g. from a COPYUID
// response code's src-uids/dst-uids fields) into SeqRanges. Exported for
// citm/sc, which needs it to recover the destination UIDs a passthrough
// COPY was assigned upstream.
func ParseSeqSet(s string) ([]imapparser.SeqRange, error) { return parseSeqSet(s) }

func parseSeqSet(s string) ([]imapparser.SeqRange, error) {
	var out []imapparser.SeqRange
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		if idx := strings.Index(part, ":"); idx >= 0 {
			lo, err := parseSeqNum(part[:idx])
			if err != nil {
				return nil, err
			}
			hi, err := parseSeqNum(part[idx+1:])
			if err != nil {
				return nil, err
			}
			out = append(out, imapparser.SeqRange{Min: lo, Max: hi})
		} else {
			v, err := parseSeqNum(part)
			if err != nil {
				return nil, err
			}
			out = append(out, imapparser.SeqRange{Min: v, Max: v})
		}
	}
	return out, nil
}

func parseSeqNum(s string) (uint32, error) {
	if s == "*" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	return uint32(n), err
}

// literalHeader parses a "{N}" or "{N+}" header at the start of s,
// returning N and the number of trailing bytes after the header in s
// (normally 0, since the header is always the last thing on its line).
func literalHeader(s string) (n int, trailing int, err error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return 0, 0, eris.Errorf("imapclient: expected literal header, got %q", s)
	}
	end := strings.Index(s, "}")
	if end < 0 {
		return 0, 0, eris.Errorf("imapclient: malformed literal header %q", s)
	}
	digits := strings.TrimSuffix(s[1:end], "+")
	v, err := strconv.Atoi(digits)
	if err != nil {
		return 0, 0, eris.Wrapf(err, "imapclient: bad literal length %q", digits)
	}
	return v, len(s) - end - 1, nil
}

// parseFetchAttrs parses the "(attr value attr value ...)" portion of a
// FETCH response. Because a literal inside a FETCH body can be followed
// by more attrs (or the closing paren) on a continuation of the same
// logical response, this pulls additional bytes from br and re-tokenizes
// whenever it hits a "{N}" marker, splicing the remainder back into the
// token stream it is walking.
func parseFetchAttrs(br *bufio.Reader, rest string) ([]imapparser.FetchAttr, error) {
	rest = strings.TrimSpace(rest)
	rest = strings.TrimPrefix(rest, "(")
	rest = strings.TrimSuffix(rest, ")")

	var attrs []imapparser.FetchAttr
	toks := strings.Fields(rest)
	for i := 0; i < len(toks); i++ {
		name := strings.ToUpper(toks[i])
		switch {
		case name == "FLAGS" || strings.HasPrefix(name, "FLAGS("):
			// gather the parenthesized group starting here
			group, consumed := gatherParenGroup(toks, i)
			attrs = append(attrs, imapparser.FetchAttr{Type: imapparser.FetchFlags, Flags: toBytesSlice(group)})
			i += consumed - 1
		case name == "UID":
			if i+1 < len(toks) {
				v, _ := strconv.ParseUint(toks[i+1], 10, 32)
				attrs = append(attrs, imapparser.FetchAttr{Type: imapparser.FetchUID, UID: uint32(v)})
				i++
			}
		case name == "RFC822.SIZE":
			if i+1 < len(toks) {
				v, _ := strconv.ParseUint(toks[i+1], 10, 32)
				attrs = append(attrs, imapparser.FetchAttr{Type: imapparser.FetchRFC822Size, RFC822Size: uint32(v)})
				i++
			}
		case name == "MODSEQ":
			group, consumed := gatherParenGroup(toks, i)
			if len(group) > 0 {
				v, _ := strconv.ParseInt(group[0], 10, 64)
				attrs = append(attrs, imapparser.FetchAttr{Type: imapparser.FetchModSeq, ModSeq: v})
			}
			i += consumed - 1
		case name == "INTERNALDATE":
			// quoted date string is tokenized with embedded spaces lost;
			// best-effort: re-join remaining quoted run
			joined, consumed := gatherQuoted(toks, i+1)
			t, _ := time.Parse("02-Jan-2006 15:04:05 -0700", joined)
			attrs = append(attrs, imapparser.FetchAttr{Type: imapparser.FetchInternalDate, InternalDate: t})
			i += consumed
		case strings.HasPrefix(name, "BODY[") || strings.HasPrefix(name, "BODY.PEEK["):
			if i+1 < len(toks) && strings.EqualFold(toks[i+1], "NIL") {
				attrs = append(attrs, imapparser.FetchAttr{Type: imapparser.FetchBody, NIL: true})
				i++
				continue
			}
			if i+1 < len(toks) {
				n, _, err := literalHeader(toks[i+1])
				if err != nil {
					return nil, err
				}
				data := make([]byte, n)
				if _, err := io.ReadFull(br, data); err != nil {
					return nil, eris.Wrap(err, "imapclient: read BODY literal")
				}
				attrs = append(attrs, imapparser.FetchAttr{Type: imapparser.FetchBody, Literal: data})
				i++

				// the literal's trailing CRLF is followed by whatever
				// comes next on the logical response: more attrs, or the
				// closing paren. Splice it back into the token stream.
				more, err := readLogicalLine(br)
				if err != nil {
					return nil, eris.Wrap(err, "imapclient: read after BODY literal")
				}
				more = strings.TrimSpace(more)
				more = strings.TrimSuffix(more, ")")
				toks = append(toks, strings.Fields(more)...)
			}
		}
	}
	return attrs, nil
}

func gatherParenGroup(toks []string, start int) ([]string, int) {
	// toks[start] may itself contain the opening '(' glued to a name,
	// e.g. "FLAGS" followed by "(\Seen" "\Answered)"
	var group []string
	consumed := 1
	if start+1 < len(toks) && strings.HasPrefix(toks[start+1], "(") {
		for j := start + 1; j < len(toks); j++ {
			t := toks[j]
			t = strings.TrimPrefix(t, "(")
			closed := strings.HasSuffix(t, ")")
			t = strings.TrimSuffix(t, ")")
			if t != "" {
				group = append(group, t)
			}
			consumed++
			if closed {
				break
			}
		}
	}
	return group, consumed
}

func gatherQuoted(toks []string, start int) (string, int) {
	if start >= len(toks) {
		return "", 0
	}
	if !strings.HasPrefix(toks[start], `"`) {
		return strings.Trim(toks[start], `"`), 1
	}
	var sb bytes.Buffer
	consumed := 0
	for j := start; j < len(toks); j++ {
		if consumed > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.Trim(toks[j], `"`))
		consumed++
		if strings.HasSuffix(toks[j], `"`) {
			break
		}
	}
	return sb.String(), consumed
}

func toBytesSlice(ss []string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}
