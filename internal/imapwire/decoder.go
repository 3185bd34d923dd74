package imapwire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode"
)

// LiteralFunc intercepts a literal while it is being read.
//
// It receives the response parsed so far, the list enclosing the literal (as
// read so far) and a reader returning exactly size bytes. Bytes left unread
// are discarded. A non-nil result replaces the literal in the response; a nil
// result with a nil error makes the decoder read the literal into a string.
type LiteralFunc func(resp *Response, parent List, r io.Reader, size int64) (any, error)

// LiteralErrorPlaceholder replaces a literal whose LiteralFunc failed.
const LiteralErrorPlaceholder = "EXCEPTION"

// ProtocolError is returned when the server sends data that doesn't follow
// the response syntax. The stream can't be resynchronized afterwards.
type ProtocolError struct {
	Msg string
}

func (err *ProtocolError) Error() string {
	return "imapwire: " + err.Msg
}

// LiteralError wraps an error returned by a LiteralFunc. The response was
// still read completely, so the stream remains usable.
type LiteralError struct {
	Response *Response
	Err      error
}

func (err *LiteralError) Error() string {
	return fmt.Sprintf("imapwire: literal callback failed: %v", err.Err)
}

func (err *LiteralError) Unwrap() error {
	return err.Err
}

// Decoder reads server responses.
type Decoder struct {
	r   *bufio.Reader
	err error

	resp       *Response
	literalFn  LiteralFunc
	literalErr error
}

func NewDecoder(r *bufio.Reader) *Decoder {
	return &Decoder{r: r}
}

func (dec *Decoder) mustUnreadByte() {
	if err := dec.r.UnreadByte(); err != nil {
		panic(fmt.Errorf("imapwire: failed to unread byte: %v", err))
	}
}

func (dec *Decoder) Err() error {
	return dec.err
}

func (dec *Decoder) returnErr(err error) bool {
	if err == nil {
		return true
	}
	if dec.err == nil {
		dec.err = err
	}
	return false
}

func (dec *Decoder) readByte() (byte, bool) {
	if dec.err != nil {
		return 0, false
	}
	b, err := dec.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return b, dec.returnErr(err)
	}
	return b, true
}

func (dec *Decoder) acceptByte(want byte) bool {
	got, ok := dec.readByte()
	if !ok {
		return false
	} else if got != want {
		dec.mustUnreadByte()
		return false
	}
	return true
}

func (dec *Decoder) peekByte() (byte, bool) {
	b, ok := dec.readByte()
	if ok {
		dec.mustUnreadByte()
	}
	return b, ok
}

func (dec *Decoder) Expect(ok bool, name string) bool {
	if !ok {
		if dec.err != nil {
			return false
		}
		msg := fmt.Sprintf("expected %v", name)
		if dec.r.Buffered() > 0 {
			b, _ := dec.r.Peek(1)
			msg = fmt.Sprintf("%v, got %q", msg, string(b))
		}
		return dec.returnErr(&ProtocolError{Msg: msg})
	}
	return true
}

func (dec *Decoder) SP() bool {
	return dec.acceptByte(' ')
}

func (dec *Decoder) ExpectSP() bool {
	return dec.Expect(dec.SP(), "SP")
}

func (dec *Decoder) CRLF() bool {
	return dec.acceptByte('\r') && dec.acceptByte('\n')
}

func (dec *Decoder) ExpectCRLF() bool {
	return dec.Expect(dec.CRLF(), "CRLF")
}

func isAtomChar(b byte) bool {
	switch b {
	case '(', ')', '[', ']', '{', ' ', '"', '\r', '\n':
		return false
	}
	return !unicode.IsControl(rune(b))
}

// Atom reads a bare string. Unlike the RFC atom, backslashes, asterisks and
// percent signs are accepted, so flags and wildcards are read whole.
func (dec *Decoder) Atom(ptr *string) bool {
	var sb strings.Builder
	for {
		b, ok := dec.readByte()
		if !ok {
			return false
		}
		if !isAtomChar(b) {
			dec.mustUnreadByte()
			break
		}
		sb.WriteByte(b)
	}
	if sb.Len() == 0 {
		return false
	}
	*ptr = sb.String()
	return true
}

func (dec *Decoder) ExpectAtom(ptr *string) bool {
	return dec.Expect(dec.Atom(ptr), "atom")
}

// Text reads until the end of the line. The CRLF is left unread.
func (dec *Decoder) Text(ptr *string) bool {
	var sb strings.Builder
	for {
		b, ok := dec.readByte()
		if !ok {
			return false
		} else if b == '\r' || b == '\n' {
			dec.mustUnreadByte()
			break
		}
		sb.WriteByte(b)
	}
	*ptr = sb.String()
	return true
}

func (dec *Decoder) Number64() (v int64, ok bool) {
	var sb strings.Builder
	for {
		ch, ok := dec.readByte()
		if !ok {
			return 0, false
		} else if ch < '0' || ch > '9' {
			dec.mustUnreadByte()
			break
		}
		sb.WriteByte(ch)
	}
	if sb.Len() == 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(sb.String(), 10, 64)
	if err != nil {
		return 0, dec.returnErr(&ProtocolError{Msg: fmt.Sprintf("invalid number %q", sb.String())})
	}
	return v, true
}

func (dec *Decoder) ExpectNumber64() (v int64, ok bool) {
	v, ok = dec.Number64()
	dec.Expect(ok, "number64")
	return v, ok
}

// Quoted reads a quoted string. The opening quote must not have been
// consumed yet.
func (dec *Decoder) Quoted(ptr *string) bool {
	if !dec.Special('"') {
		return false
	}
	var sb strings.Builder
	for {
		b, ok := dec.readByte()
		if !ok {
			return false
		}
		switch b {
		case '"':
			*ptr = sb.String()
			return true
		case '\\':
			b, ok = dec.readByte()
			if !ok {
				return false
			}
		case '\r', '\n':
			return dec.returnErr(&ProtocolError{Msg: "line break in quoted string"})
		}
		sb.WriteByte(b)
	}
}

func (dec *Decoder) Special(b byte) bool {
	return dec.acceptByte(b)
}

func (dec *Decoder) ExpectSpecial(b byte) bool {
	return dec.Expect(dec.Special(b), fmt.Sprintf("'%v'", string(b)))
}

// ReadResponse reads one complete response, including the literals it
// contains.
//
// fn may be nil. If fn fails, the rest of the response is still consumed and
// a *LiteralError is returned along with the response. Any other error leaves
// the stream in an undefined state.
func (dec *Decoder) ReadResponse(fn LiteralFunc) (*Response, error) {
	if dec.err != nil {
		return nil, dec.err
	}

	resp := &Response{}
	dec.resp = resp
	dec.literalFn = fn
	dec.literalErr = nil
	defer func() {
		dec.resp = nil
		dec.literalFn = nil
	}()

	b, ok := dec.readByte()
	if !ok {
		return nil, dec.err
	}
	switch b {
	case '+':
		resp.Continuation = true
		dec.SP()
		var text string
		dec.Text(&text)
		resp.Fields = List{text}
		if !dec.ExpectCRLF() {
			return nil, dec.err
		}
		return resp, nil
	case '*':
		if !dec.ExpectSP() {
			return nil, dec.err
		}
	default:
		dec.mustUnreadByte()
		if !dec.ExpectAtom(&resp.Tag) || !dec.ExpectSP() {
			return nil, dec.err
		}
	}

	if !dec.readTokens(resp) {
		return nil, dec.err
	}
	if dec.literalErr != nil {
		return resp, &LiteralError{Response: resp, Err: dec.literalErr}
	}
	return resp, nil
}

func (dec *Decoder) readTokens(resp *Response) bool {
	var first string
	if !dec.ExpectAtom(&first) {
		return false
	}
	resp.Fields = append(resp.Fields, first)

	switch strings.ToUpper(first) {
	case "OK", "NO", "BAD", "PREAUTH", "BYE":
		return dec.readStatusText(resp)
	case "LIST", "LSUB":
		return dec.readListResponse(resp)
	}

	for {
		done, ok := dec.readField(&resp.Fields, 0)
		if !ok {
			return false
		} else if done {
			return true
		}
	}
}

// readStatusText reads the optional response code and the human-readable
// text of a status response.
func (dec *Decoder) readStatusText(resp *Response) bool {
	dec.SP()
	if dec.acceptByte('[') {
		code, ok := dec.readList(']')
		if !ok {
			return false
		}
		resp.Fields = append(resp.Fields, code)
		dec.SP()
	}
	var text string
	if !dec.Text(&text) {
		return false
	}
	if text != "" {
		resp.Fields = append(resp.Fields, text)
	}
	return dec.ExpectCRLF()
}

func (dec *Decoder) readListResponse(resp *Response) bool {
	if !dec.ExpectSP() || !dec.ExpectSpecial('(') {
		return false
	}
	attrs, ok := dec.readList(')')
	if !ok {
		return false
	}
	resp.Fields = append(resp.Fields, attrs)
	if !dec.ExpectSP() {
		return false
	}

	var delim string
	if b, ok := dec.peekByte(); !ok {
		return false
	} else if b == '"' {
		if !dec.Quoted(&delim) {
			return dec.Expect(false, "delimiter")
		}
	} else if !dec.ExpectAtom(&delim) {
		return false
	} else if !strings.EqualFold(delim, "NIL") {
		return dec.Expect(false, "quoted delimiter or NIL")
	}
	resp.Fields = append(resp.Fields, delim)

	if !dec.ExpectSP() {
		return false
	}
	for {
		done, ok := dec.readField(&resp.Fields, 0)
		if !ok {
			return false
		} else if done {
			return true
		}
	}
}

// readList reads list items up to and including the closing byte. The
// opening byte must already have been consumed.
func (dec *Decoder) readList(closing byte) (List, bool) {
	list := List{}
	for {
		done, ok := dec.readField(&list, closing)
		if !ok {
			return nil, false
		} else if done {
			return list, true
		}
	}
}

// readField reads the next item into dst. It returns done when the closing
// byte (or, at top level, CRLF) has been consumed.
func (dec *Decoder) readField(dst *List, closing byte) (done, ok bool) {
	b, ok := dec.readByte()
	if !ok {
		return false, false
	}
	switch b {
	case ' ', '\t':
		return false, true
	case '\r':
		if closing != 0 {
			return false, dec.Expect(false, fmt.Sprintf("'%v'", string(closing)))
		}
		return true, dec.Expect(dec.acceptByte('\n'), "LF")
	case '\n':
		if closing != 0 {
			return false, dec.Expect(false, fmt.Sprintf("'%v'", string(closing)))
		}
		return true, true
	case ')', ']':
		if b != closing {
			return false, dec.returnErr(&ProtocolError{Msg: fmt.Sprintf("unexpected %q", string(b))})
		}
		return true, true
	case '(':
		list, ok := dec.readList(')')
		if !ok {
			return false, false
		}
		*dst = append(*dst, list)
		return false, true
	case '[':
		list, ok := dec.readList(']')
		if !ok {
			return false, false
		}
		*dst = append(*dst, list)
		return false, true
	case '"':
		dec.mustUnreadByte()
		var s string
		if !dec.Quoted(&s) {
			return false, dec.Expect(false, "quoted string")
		}
		*dst = append(*dst, s)
		return false, true
	case '{':
		v, ok := dec.readLiteral(*dst)
		if !ok {
			return false, false
		}
		*dst = append(*dst, v)
		return false, true
	}

	dec.mustUnreadByte()
	var s string
	if !dec.ExpectAtom(&s) {
		return false, false
	}
	*dst = append(*dst, s)
	return false, true
}

// readLiteral reads a literal after its opening brace.
func (dec *Decoder) readLiteral(parent List) (any, bool) {
	size, ok := dec.ExpectNumber64()
	if !ok {
		return nil, false
	}
	dec.acceptByte('+')
	if !dec.ExpectSpecial('}') || !dec.ExpectCRLF() {
		return nil, false
	}
	if size == 0 {
		return "", true
	}

	lr := &io.LimitedReader{R: dec.r, N: size}
	if dec.literalFn != nil {
		v, err := dec.literalFn(dec.resp, parent, lr, size)
		if v != nil || err != nil || lr.N != size {
			// Whatever the callback didn't consume belongs to the literal.
			if _, discardErr := io.Copy(io.Discard, lr); discardErr != nil {
				return nil, dec.returnErr(discardErr)
			}
			if lr.N > 0 {
				return nil, dec.returnErr(io.ErrUnexpectedEOF)
			}
			switch {
			case err != nil:
				if dec.literalErr == nil {
					dec.literalErr = err
				}
				return LiteralErrorPlaceholder, true
			case v == nil:
				return nil, dec.returnErr(&ProtocolError{Msg: "literal callback consumed data but returned no value"})
			}
			return v, true
		}
	}

	var sb strings.Builder
	n, err := io.Copy(&sb, lr)
	if err != nil {
		return nil, dec.returnErr(err)
	} else if n != size {
		return nil, dec.returnErr(io.ErrUnexpectedEOF)
	}
	return sb.String(), true
}
