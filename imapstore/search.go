package imapstore

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/imapclient"
	"github.com/emersion/go-imappush/internal/imapwire"
)

// moreMessagesWindow is the number of sequence numbers probed at once by
// AreMoreMessagesAvailable.
const moreMessagesWindow = 500

// Search runs a server-side search and returns the matching UIDs, highest
// first.
func (f *Folder) Search(ctx context.Context, criteria *imap.SearchCriteria) ([]int64, error) {
	f.cmdMu.Lock()
	defer f.cmdMu.Unlock()

	conn, err := f.checkOpen()
	if err != nil {
		return nil, err
	}

	f.setInSearch(true)
	defer f.setInSearch(false)

	uids, err := f.search(conn, searchCommand(criteria))
	if err != nil {
		return nil, err
	}
	slices.Sort(uids)
	slices.Reverse(uids)
	return uids, nil
}

// SearchSeq is like Search, but yields the UIDs one by one. The command is
// sent when iteration starts, and UIDs are yielded once the server completed
// it, highest first.
func (f *Folder) SearchSeq(ctx context.Context, criteria *imap.SearchCriteria) iter.Seq2[int64, error] {
	return func(yield func(int64, error) bool) {
		uids, err := f.Search(ctx, criteria)
		if err != nil {
			yield(0, err)
			return
		}
		for _, uid := range uids {
			if !yield(uid, nil) {
				return
			}
		}
	}
}

func searchCommand(criteria *imap.SearchCriteria) string {
	keys := append([]string{"UID SEARCH"}, criteria.FlagKeys()...)
	if q := criteria.Query; q != "" {
		quoted := imapwire.Quote(q)
		if criteria.FullText {
			keys = append(keys, "TEXT "+quoted)
		} else {
			keys = append(keys, "OR SUBJECT "+quoted+" FROM "+quoted)
		}
	}
	return strings.Join(keys, " ")
}

func (f *Folder) setInSearch(v bool) {
	f.mu.Lock()
	f.inSearch = v
	f.mu.Unlock()
}

// MessagesInRange returns the UIDs of the messages with sequence numbers in
// [start, end], optionally restricted to messages sent since a date.
// Messages flagged as deleted are left out unless includeDeleted is set.
func (f *Folder) MessagesInRange(ctx context.Context, start, end int64, since time.Time, includeDeleted bool) ([]int64, error) {
	if start < 1 || end < start {
		return nil, fmt.Errorf("imapstore: invalid message range %v:%v", start, end)
	}

	cmd := fmt.Sprintf("UID SEARCH %v:%v", start, end)
	if !since.IsZero() {
		cmd += " SINCE " + imap.FormatDate(since)
	}
	if !includeDeleted {
		cmd += " NOT DELETED"
	}
	return f.searchOpen(cmd)
}

// HighestUID returns the UID of the last message, or imap.UIDUnknown if the
// server refused the search.
func (f *Folder) HighestUID(ctx context.Context) (int64, error) {
	uids, err := f.searchOpen("UID SEARCH *:*")
	if err != nil {
		if isServerError(err) {
			return imap.UIDUnknown, nil
		}
		return imap.UIDUnknown, err
	}
	if len(uids) == 0 {
		return imap.UIDUnknown, nil
	}
	return slices.Max(uids), nil
}

// UIDFromMessageID looks up a message by its Message-ID header field. It
// returns imap.UIDUnknown if no message matches.
func (f *Folder) UIDFromMessageID(ctx context.Context, messageID string) (int64, error) {
	if messageID == "" {
		return imap.UIDUnknown, nil
	}
	uids, err := f.searchOpen("UID SEARCH HEADER MESSAGE-ID " + imapwire.Quote(messageID))
	if err != nil || len(uids) == 0 {
		return imap.UIDUnknown, err
	}
	return uids[0], nil
}

// AreMoreMessagesAvailable reports whether messages older than the one at
// sequence number indexOfOldest exist, optionally restricted to messages
// sent since a date. Deleted messages don't count.
func (f *Folder) AreMoreMessagesAvailable(ctx context.Context, indexOfOldest int64, since time.Time) (bool, error) {
	for end := indexOfOldest - 1; end > 0; end -= moreMessagesWindow {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		start := max(end-moreMessagesWindow+1, 1)

		cmd := fmt.Sprintf("SEARCH %v:%v", start, end)
		if !since.IsZero() {
			cmd += " SINCE " + imap.FormatDate(since)
		}
		cmd += " NOT DELETED"
		found, err := f.searchOpen(cmd)
		if err != nil {
			return false, err
		}
		if len(found) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// SearchSeqs returns the UIDs of messages given by sequence numbers.
func (f *Folder) SearchSeqs(ctx context.Context, seqs []int64) ([]int64, error) {
	return f.searchIDs("UID SEARCH", seqs)
}

// ExistingUIDs returns which of the given UIDs still exist on the server.
func (f *Folder) ExistingUIDs(ctx context.Context, uids []int64) ([]int64, error) {
	return f.searchIDs("UID SEARCH UID", uids)
}

func (f *Folder) searchIDs(prefix string, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	f.cmdMu.Lock()
	defer f.cmdMu.Unlock()

	conn, err := f.checkOpen()
	if err != nil {
		return nil, err
	}
	var all []int64
	for _, cmd := range imapwire.SplitIDCommand(prefix, "", ids, conn.LineLengthLimit()) {
		uids, err := f.search(conn, cmd)
		if err != nil {
			return nil, err
		}
		all = append(all, uids...)
	}
	return all, nil
}

func (f *Folder) searchOpen(cmd string) ([]int64, error) {
	f.cmdMu.Lock()
	defer f.cmdMu.Unlock()

	conn, err := f.checkOpen()
	if err != nil {
		return nil, err
	}
	return f.search(conn, cmd)
}

func (f *Folder) search(conn *imapclient.Conn, cmd string) ([]int64, error) {
	responses, err := f.execute(conn, cmd)
	if err != nil {
		return nil, err
	}
	return parseSearchResponses(responses), nil
}

// parseSearchResponses collects the numbers of "* SEARCH n n ..." responses.
func parseSearchResponses(responses []*imapwire.Response) []int64 {
	var ids []int64
	for _, resp := range responses {
		if resp.IsTagged() || resp.Type() != "SEARCH" {
			continue
		}
		for i := 1; i < len(resp.Fields); i++ {
			if n, ok := resp.Fields.Number(i); ok {
				ids = append(ids, n)
			}
		}
	}
	return ids
}
