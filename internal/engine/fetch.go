package engine

import (
	"context"
	"io"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/nicexxd/auto-uploader/internal/errs"
	"github.com/nicexxd/auto-uploader/internal/pathmap"
	"github.com/nicexxd/auto-uploader/internal/remote"
)

// tempSuffix marks in-flight downloads. A .part file only ever appears as a
// sibling of its target and is renamed or removed before the item finishes.
const tempSuffix = ".part"

// fetchAll runs the work set through a bounded pool and waits for every item.
// Item failures are counted, not propagated; one bad object must not stop
// the rest of the cycle.
func (e *Engine) fetchAll(ctx context.Context, work []remote.Object) (fetched, skipped, failed int) {
	var nFetched, nSkipped, nFailed atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(e.workers)

	for _, obj := range work {
		obj := obj
		g.Go(func() error {
			did, err := e.fetchOne(ctx, obj)
			switch {
			case err != nil:
				nFailed.Add(1)
				if errs.IsUnsafePath(err) {
					// Not a transient condition: the key itself is malformed.
					e.log.ErrorWith("refusing unsafe object key", err, map[string]interface{}{
						"key": obj.Key,
					})
				} else {
					e.log.ErrorWith("download failed", err, map[string]interface{}{
						"key": obj.Key,
					})
				}
			case did:
				nFetched.Add(1)
			default:
				nSkipped.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	return int(nFetched.Load()), int(nSkipped.Load()), int(nFailed.Load())
}

// fetchOne downloads a single object and commits it locally.
//
// The ordering here is the engine's core correctness guarantee: bytes go to
// a sibling temp file, the temp file is renamed onto the target, and only
// then is the fingerprint recorded and persisted. A crash at any earlier
// point costs a redundant re-fetch on the next cycle, never a false
// "already downloaded" record.
//
// Returns true when a download happened, false when the item was already
// satisfied by the time the worker picked it up.
func (e *Engine) fetchOne(ctx context.Context, obj remote.Object) (bool, error) {
	// Another trigger may have satisfied this item since planning.
	if e.state.Has(obj.Key, obj.ETag) {
		e.log.Debugf("skip (already downloaded): %s", obj.Key)
		return false, nil
	}

	target, err := pathmap.Map(obj.Key, e.prefix, e.dest)
	if err != nil {
		return false, err
	}
	tmp := target + tempSuffix

	if err := e.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return false, errs.Wrap(errs.ErrKindStorageFailed, "failed to create parent dir", err)
	}

	e.log.Infof("downloading: %s -> %s", obj.Key, target)

	if err := e.download(ctx, obj.Key, tmp); err != nil {
		e.fs.Remove(tmp)
		return false, err
	}

	if err := e.fs.Rename(tmp, target); err != nil {
		e.fs.Remove(tmp)
		return false, errs.Wrap(errs.ErrKindStorageFailed, "failed to move download into place", err)
	}

	e.state.Set(obj.Key, obj.ETag)
	if err := e.state.Persist(); err != nil {
		// In-memory state is still correct; durability catches up on the
		// next successful persist.
		e.log.Warnf("state persist failed after %s: %v", obj.Key, err)
	}

	if e.deleteAfter {
		if err := e.remote.Delete(ctx, obj.Key); err != nil {
			e.log.Warnf("failed to delete %s from remote: %v", obj.Key, err)
		} else {
			e.log.Infof("deleted from remote after download: %s", obj.Key)
		}
	}

	return true, nil
}

// download streams the remote object into path on the local filesystem and
// syncs it before returning.
func (e *Engine) download(ctx context.Context, key, path string) error {
	rc, err := e.remote.Fetch(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := e.fs.Create(path)
	if err != nil {
		return errs.Wrap(errs.ErrKindStorageFailed, "failed to create temp file", err)
	}

	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return errs.Wrap(errs.ErrKindStorageFailed, "failed to write temp file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errs.Wrap(errs.ErrKindStorageFailed, "failed to sync temp file", err)
	}
	if err := f.Close(); err != nil {
		return errs.Wrap(errs.ErrKindStorageFailed, "failed to close temp file", err)
	}
	return nil
}
