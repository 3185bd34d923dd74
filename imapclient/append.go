package imapclient

import (
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/internal/imapwire"
)

// Append sends an APPEND command uploading size bytes read from r into the
// folder with the given encoded name.
//
// The literal is sent as a non-synchronizing literal if the server supports
// LITERAL+. Otherwise the server's continuation request is awaited first.
func (c *Conn) Append(mailbox string, flags []imap.Flag, size int64, r io.Reader) ([]*imapwire.Response, error) {
	var sb strings.Builder
	sb.WriteString("APPEND ")
	sb.WriteString(imapwire.Quote(mailbox))
	if len(flags) > 0 {
		l := make([]string, len(flags))
		for i, f := range flags {
			l[i] = string(f)
		}
		sb.WriteString(" (" + strings.Join(l, " ") + ")")
	}
	nonSync := c.caps.Has(imap.CapLiteralPlus)
	if nonSync {
		fmt.Fprintf(&sb, " {%d+}", size)
	} else {
		fmt.Fprintf(&sb, " {%d}", size)
	}
	cmd := sb.String()

	tag, err := c.SendCommand(cmd, false)
	if err != nil {
		return nil, err
	}

	var responses []*imapwire.Response
	if !nonSync {
		for {
			resp, err := c.ReadResponse(nil)
			if err != nil {
				return nil, err
			}
			if resp.Continuation {
				break
			}
			if resp.IsTagged() {
				if resp.Tag != tag {
					continue
				}
				// Rejected before the upload, e.g. with TRYCREATE
				responses = append(responses, resp)
				return responses, newCommandError(resp, responses, cmd)
			}
			responses = append(responses, resp)
		}
	}

	if err := c.WriteLiteral(io.LimitReader(r, size), ""); err != nil {
		return nil, err
	}

	rest, err := c.ReadStatusResponse(tag, cmd, nil, nil)
	return append(responses, rest...), err
}
