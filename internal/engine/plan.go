package engine

import (
	"github.com/nicexxd/auto-uploader/internal/remote"
	"github.com/nicexxd/auto-uploader/internal/state"
)

// plan compares a listing snapshot against the state store and returns the
// work set (objects whose recorded fingerprint is missing or different, in
// listing order) together with the set of live keys used for pruning.
//
// A correct backend never lists the same key twice, but a duplicate must not
// crash planning: the last occurrence wins as the authoritative fingerprint.
func plan(listing []remote.Object, st *state.Store) (work []remote.Object, live map[string]struct{}) {
	live = make(map[string]struct{}, len(listing))

	idx := make(map[string]int, len(listing))
	dedup := make([]remote.Object, 0, len(listing))
	for _, obj := range listing {
		live[obj.Key] = struct{}{}
		if i, ok := idx[obj.Key]; ok {
			dedup[i] = obj
			continue
		}
		idx[obj.Key] = len(dedup)
		dedup = append(dedup, obj)
	}

	for _, obj := range dedup {
		if !st.Has(obj.Key, obj.ETag) {
			work = append(work, obj)
		}
	}
	return work, live
}
