// Package utf7 implements the modified UTF-7 encoding of mailbox names
// defined in RFC 3501 section 5.1.3.
package utf7

import (
	"encoding/base64"
	"errors"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

const (
	min = 0x20 // Minimum self-representing UTF-7 value
	max = 0x7E // Maximum self-representing UTF-7 value
)

var b64 = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,").
	WithPadding(base64.NoPadding).
	Strict()

// ErrInvalidUTF7 is returned when a mailbox name isn't valid modified UTF-7.
var ErrInvalidUTF7 = errors.New("utf7: invalid UTF-7")

// Encode converts a UTF-8 string to modified UTF-7.
//
// The name is normalized to NFC first, so that visually identical names
// typed on different systems map to the same mailbox.
func Encode(s string) string {
	s = norm.NFC.String(s)

	var sb strings.Builder
	sb.Grow(len(s))

	var units []uint16
	flush := func() {
		if len(units) == 0 {
			return
		}
		buf := make([]byte, 0, 2*len(units))
		for _, u := range units {
			buf = append(buf, byte(u>>8), byte(u))
		}
		sb.WriteByte('&')
		sb.WriteString(b64.EncodeToString(buf))
		sb.WriteByte('-')
		units = units[:0]
	}

	for _, r := range s {
		if r >= min && r <= max {
			flush()
			if r == '&' {
				sb.WriteString("&-")
			} else {
				sb.WriteRune(r)
			}
			continue
		}
		units = utf16.AppendRune(units, r)
	}
	flush()

	return sb.String()
}

// Decode converts a modified UTF-7 string to UTF-8.
func Decode(s string) (string, error) {
	var sb strings.Builder
	sb.Grow(len(s))

	// Two consecutive shifted sections must be merged by the encoder.
	lastShiftEnd := -1
	for i := 0; i < len(s); {
		ch := s[i]
		if ch < min || ch > max {
			return "", ErrInvalidUTF7
		}
		if ch != '&' {
			sb.WriteByte(ch)
			i++
			continue
		}

		end := strings.IndexByte(s[i+1:], '-')
		if end < 0 {
			return "", ErrInvalidUTF7
		}
		end += i + 1
		if end == i+1 {
			sb.WriteByte('&')
			i = end + 1
			continue
		}
		if lastShiftEnd == i {
			return "", ErrInvalidUTF7
		}

		if err := decodeShifted(&sb, s[i+1:end]); err != nil {
			return "", err
		}
		i = end + 1
		lastShiftEnd = i
	}

	return sb.String(), nil
}

func decodeShifted(sb *strings.Builder, enc string) error {
	// The base64 decoder skips line breaks.
	if strings.ContainsAny(enc, "\r\n") {
		return ErrInvalidUTF7
	}
	buf, err := b64.DecodeString(enc)
	if err != nil || len(buf)%2 != 0 {
		return ErrInvalidUTF7
	}

	units := make([]uint16, len(buf)/2)
	for i := range units {
		units[i] = uint16(buf[2*i])<<8 | uint16(buf[2*i+1])
	}

	for i := 0; i < len(units); i++ {
		r := rune(units[i])
		if utf16.IsSurrogate(r) {
			if i+1 >= len(units) {
				return ErrInvalidUTF7
			}
			r = utf16.DecodeRune(r, rune(units[i+1]))
			if r == utf8.RuneError {
				return ErrInvalidUTF7
			}
			i++
		} else if r >= min && r <= max {
			// Printable ASCII must not be shifted.
			return ErrInvalidUTF7
		}
		sb.WriteRune(r)
	}
	return nil
}
