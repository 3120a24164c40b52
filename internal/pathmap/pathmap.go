// Package pathmap translates remote object keys into local filesystem paths.
package pathmap

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/nicexxd/auto-uploader/internal/errs"
)

// Map returns the local path under destRoot for the object at key.
//
// The configured prefix is stripped (plus one following separator, if any),
// backslashes are normalized to forward slashes, and the remainder is
// lexically cleaned. A key that would resolve outside destRoot after
// cleaning is rejected with an ErrKindUnsafePath error; such keys are
// malformed or malicious and there is no path inside the root they could
// honestly mean.
//
// Map is a pure function: same inputs, same output, no I/O.
func Map(key, prefix, destRoot string) (string, error) {
	rel := key
	if prefix != "" && strings.HasPrefix(rel, prefix) {
		rel = rel[len(prefix):]
		rel = strings.TrimPrefix(rel, "/")
	}

	rel = strings.ReplaceAll(rel, `\`, "/")
	rel = path.Clean(rel)

	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errs.New(errs.ErrKindUnsafePath, "object key escapes destination root: "+key)
	}
	if rel == "." || rel == "" {
		return "", errs.New(errs.ErrKindUnsafePath, "object key maps to no file name: "+key)
	}

	return filepath.Join(destRoot, filepath.FromSlash(rel)), nil
}
