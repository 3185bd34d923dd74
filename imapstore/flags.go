package imapstore

import (
	"context"
	"strings"

	"github.com/emersion/go-imappush"
)

// SetFlags adds (value true) or removes (value false) flags on the messages
// with the given UIDs.
func (f *Folder) SetFlags(ctx context.Context, uids []int64, flags []imap.Flag, value bool) error {
	if len(uids) == 0 {
		return nil
	}

	f.cmdMu.Lock()
	defer f.cmdMu.Unlock()

	conn, err := f.checkOpenWithWriteAccess()
	if err != nil {
		return err
	}
	list := f.combineFlags(flags)
	if list == "" {
		return nil
	}
	_, err = f.executeIDCommand(conn, "UID STORE", storeSuffix(list, value), uids)
	return err
}

// SetFlagsForAll adds or removes flags on every message of the folder.
func (f *Folder) SetFlagsForAll(ctx context.Context, flags []imap.Flag, value bool) error {
	f.cmdMu.Lock()
	defer f.cmdMu.Unlock()

	conn, err := f.checkOpenWithWriteAccess()
	if err != nil {
		return err
	}
	list := f.combineFlags(flags)
	if list == "" {
		return nil
	}
	_, err = f.execute(conn, "UID STORE 1:* "+storeSuffix(list, value))
	return err
}

func storeSuffix(list string, value bool) string {
	if value {
		return "+FLAGS.SILENT (" + list + ")"
	}
	return "-FLAGS.SILENT (" + list + ")"
}

// combineFlags joins flags for a STORE command.
func (f *Folder) combineFlags(flags []imap.Flag) string {
	filtered := f.filterFlags(flags)
	l := make([]string, len(filtered))
	for i, flag := range filtered {
		l[i] = string(flag)
	}
	return strings.Join(l, " ")
}

// filterFlags drops $Forwarded unless the server is known to keep it.
func (f *Folder) filterFlags(flags []imap.Flag) []imap.Flag {
	f.mu.Lock()
	canCreate := f.canCreateKeywords
	f.mu.Unlock()

	filtered := make([]imap.Flag, 0, len(flags))
	for _, flag := range flags {
		if flag == imap.FlagForwarded && !canCreate && !f.store.hasPermanentFlag(imap.FlagForwarded) {
			continue
		}
		filtered = append(filtered, flag)
	}
	return filtered
}
