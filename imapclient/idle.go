package imapclient

import (
	"iter"
	"sync"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/internal/imapwire"
)

// Idle sends an IDLE command.
//
// Unlike other commands, this method blocks until the server acknowledges it.
// Untagged responses received before the acknowledgement are passed to
// handler. On success, the IDLE command is running and other commands cannot
// be sent. The caller must invoke IdleCommand.Done to stop IDLE, then drain
// IdleCommand.Responses.
//
// This command requires support for IMAP4rev2 or the IDLE extension.
func (c *Conn) Idle(handler UntaggedHandler) (*IdleCommand, error) {
	tag, err := c.SendCommand("IDLE", false)
	if err != nil {
		return nil, err
	}

	var responses []*imapwire.Response
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
			responses = append(responses, resp)
			return nil, newCommandError(resp, responses, "IDLE")
		}
		if handler != nil {
			handler(resp)
		}
		responses = append(responses, resp)
	}

	return &IdleCommand{conn: c, tag: tag}, nil
}

// IdleCommand is a running IDLE command.
//
// The server may send unilateral data, read with Responses. The client cannot
// send any command while IDLE is running.
type IdleCommand struct {
	conn *Conn
	tag  string

	doneOnce sync.Once
	doneErr  error
}

// Done stops the IDLE command by sending DONE.
//
// It is safe to call Done from another goroutine and more than once: DONE is
// only written the first time. Done doesn't wait for the server to respond.
func (cmd *IdleCommand) Done() error {
	cmd.doneOnce.Do(func() {
		cmd.doneErr = cmd.conn.SendContinuation("DONE")
	})
	return cmd.doneErr
}

// Responses reads the untagged responses sent while IDLE is running. The
// sequence ends after the tagged completion of the IDLE command; a failed
// completion or a read error is yielded as the last element.
func (cmd *IdleCommand) Responses() iter.Seq2[*imapwire.Response, error] {
	return func(yield func(*imapwire.Response, error) bool) {
		for {
			resp, err := cmd.conn.ReadResponse(nil)
			if err != nil {
				yield(nil, err)
				return
			}
			if resp.Continuation {
				continue
			}
			if resp.IsTagged() {
				if resp.Tag != cmd.tag {
					continue
				}
				if resp.Type() != string(imap.StatusResponseTypeOK) {
					yield(nil, newCommandError(resp, nil, "IDLE"))
				}
				return
			}
			if !yield(resp, nil) {
				return
			}
		}
	}
}
