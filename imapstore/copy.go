package imapstore

import (
	"context"
	"errors"

	"github.com/go-kit/kit/log/level"

	"github.com/emersion/go-imappush"
	"github.com/emersion/go-imappush/imapclient"
	"github.com/emersion/go-imappush/internal/imapwire"
)

// Copy copies messages to another folder. It returns the UIDs of the copies
// keyed by source UID, when the server reports them with COPYUID. The
// destination is created if the server asks for it with TRYCREATE.
func (f *Folder) Copy(ctx context.Context, uids []int64, dest string) (map[int64]int64, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	f.cmdMu.Lock()
	defer f.cmdMu.Unlock()

	conn, err := f.checkOpen()
	if err != nil {
		return nil, err
	}
	return f.copyLocked(conn, uids, dest)
}

func (f *Folder) copyLocked(conn *imapclient.Conn, uids []int64, dest string) (map[int64]int64, error) {
	return f.transferLocked(conn, "UID COPY", uids, dest)
}

// transferLocked runs UID COPY or UID MOVE, creating the destination once on
// TRYCREATE.
func (f *Folder) transferLocked(conn *imapclient.Conn, cmd string, uids []int64, dest string) (map[int64]int64, error) {
	encoded := f.store.encodeName(dest)
	responses, err := f.executeIDCommand(conn, cmd, encoded, uids)

	var imapErr *imap.Error
	if errors.As(err, &imapErr) && imapErr.Code == imap.ResponseCodeTryCreate {
		level.Info(f.logger).Log("msg", "creating destination folder", "dest", dest)
		if _, err := f.execute(conn, "CREATE "+encoded); err != nil {
			return nil, err
		}
		responses, err = f.executeIDCommand(conn, cmd, encoded, uids)
	}
	if err != nil {
		return nil, err
	}
	return f.parseCopyUIDs(responses), nil
}

// parseCopyUIDs collects the mappings of [COPYUID validity src dst] codes,
// sent in the tagged completion of UID COPY or in an untagged OK during
// UID MOVE.
func (f *Folder) parseCopyUIDs(responses []*imapwire.Response) map[int64]int64 {
	var mapping map[int64]int64
	for _, resp := range responses {
		if resp.CodeName() != string(imap.ResponseCodeCopyUID) {
			continue
		}
		code := resp.Code()
		src, err := imapwire.ParseIDSet(code.String(2))
		if err != nil {
			level.Debug(f.logger).Log("msg", "invalid COPYUID", "err", err)
			continue
		}
		dst, err := imapwire.ParseIDSet(code.String(3))
		if err != nil || len(dst) != len(src) {
			level.Debug(f.logger).Log("msg", "invalid COPYUID", "src", code.String(2), "dst", code.String(3))
			continue
		}
		if mapping == nil {
			mapping = make(map[int64]int64, len(src))
		}
		for i, uid := range src {
			mapping[uid] = dst[i]
		}
	}
	return mapping
}

// Move moves messages to another folder. Servers without MOVE get a copy
// followed by flagging the originals as deleted, expunged right away if
// configured to.
func (f *Folder) Move(ctx context.Context, uids []int64, dest string) (map[int64]int64, error) {
	if len(uids) == 0 {
		return nil, nil
	}

	f.cmdMu.Lock()
	defer f.cmdMu.Unlock()

	conn, err := f.checkOpenWithWriteAccess()
	if err != nil {
		return nil, err
	}
	if conn.HasCap(imap.CapMove) {
		return f.transferLocked(conn, "UID MOVE", uids, dest)
	}

	mapping, err := f.copyLocked(conn, uids, dest)
	if err != nil {
		return nil, err
	}
	if _, err := f.executeIDCommand(conn, "UID STORE", storeSuffix(string(imap.FlagDeleted), true), uids); err != nil {
		return mapping, err
	}
	if f.store.settings.ExpungeImmediately {
		if err := f.expungeUIDsLocked(conn, uids); err != nil {
			return mapping, err
		}
	}
	return mapping, nil
}

// DeleteMessages moves messages to the trash folder, or flags them as deleted
// when there is no trash folder or this is the trash folder.
func (f *Folder) DeleteMessages(ctx context.Context, uids []int64) error {
	if len(uids) == 0 {
		return nil
	}

	trash := f.store.settings.TrashFolder
	if trash != "" && trash != f.name {
		_, err := f.Move(ctx, uids, trash)
		return err
	}

	if err := f.SetFlags(ctx, uids, []imap.Flag{imap.FlagDeleted}, true); err != nil {
		return err
	}
	if f.store.settings.ExpungeImmediately {
		return f.ExpungeUIDs(ctx, uids)
	}
	return nil
}

// Expunge permanently removes all messages flagged as deleted.
func (f *Folder) Expunge(ctx context.Context) error {
	f.cmdMu.Lock()
	defer f.cmdMu.Unlock()

	conn, err := f.checkOpenWithWriteAccess()
	if err != nil {
		return err
	}
	_, err = f.execute(conn, "EXPUNGE")
	return err
}

// ExpungeUIDs permanently removes the given messages if they are flagged as
// deleted. Without UIDPLUS, every deleted message of the folder is expunged.
func (f *Folder) ExpungeUIDs(ctx context.Context, uids []int64) error {
	if len(uids) == 0 {
		return nil
	}

	f.cmdMu.Lock()
	defer f.cmdMu.Unlock()

	conn, err := f.checkOpenWithWriteAccess()
	if err != nil {
		return err
	}
	return f.expungeUIDsLocked(conn, uids)
}

func (f *Folder) expungeUIDsLocked(conn *imapclient.Conn, uids []int64) error {
	if !conn.IsUIDPlusCapable() {
		_, err := f.execute(conn, "EXPUNGE")
		return err
	}
	_, err := f.executeIDCommand(conn, "UID EXPUNGE", "", uids)
	return err
}
