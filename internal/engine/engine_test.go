package engine

import (
	"bytes"
	"context"
	"io"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicexxd/auto-uploader/internal/config"
	"github.com/nicexxd/auto-uploader/internal/errs"
	"github.com/nicexxd/auto-uploader/internal/logger"
	"github.com/nicexxd/auto-uploader/internal/remote"
	"github.com/nicexxd/auto-uploader/internal/state"
)

// fakeStore is an in-memory remote.Store for tests.
type fakeStore struct {
	mu         sync.Mutex
	objects    map[string]fakeObject
	listErr    error
	fetchErr   map[string]error
	deleteErr  error
	deleted    []string
	fetchCalls map[string]int
}

type fakeObject struct {
	etag string
	data []byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects:    make(map[string]fakeObject),
		fetchErr:   make(map[string]error),
		fetchCalls: make(map[string]int),
	}
}

func (f *fakeStore) put(key, etag, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = fakeObject{etag: etag, data: []byte(data)}
}

func (f *fakeStore) remove(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }
func (f *fakeStore) Close() error                   { return nil }

func (f *fakeStore) List(ctx context.Context, prefix string) ([]remote.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]remote.Object, 0, len(keys))
	for _, k := range keys {
		out = append(out, remote.Object{
			Key:  k,
			ETag: f.objects[k].etag,
			Size: int64(len(f.objects[k].data)),
		})
	}
	return out, nil
}

func (f *fakeStore) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchCalls[key]++
	if err := f.fetchErr[key]; err != nil {
		return nil, err
	}
	obj, ok := f.objects[key]
	if !ok {
		return nil, errs.New(errs.ErrKindNotFound, "no such key: "+key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (f *fakeStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, key)
	delete(f.objects, key)
	return nil
}

func (f *fakeStore) calls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchCalls[key]
}

// testEnv bundles an engine with its collaborators on a MemMapFs.
type testEnv struct {
	eng   *Engine
	fake  *fakeStore
	fs    afero.Fs
	state *state.Store
	cfg   *config.Config
	clock clockwork.FakeClock
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	cfg := &config.Config{
		Bucket:       "incoming",
		Destination:  "/dest",
		PollInterval: 5 * time.Second,
		Workers:      4,
	}
	if mutate != nil {
		mutate(cfg)
	}

	fs := afero.NewMemMapFs()
	fake := newFakeStore()
	st := state.New(fs, cfg.StateDir(), logger.Nop())
	st.Load()
	clock := clockwork.NewFakeClock()

	eng := New(cfg, Options{
		Remote: fake,
		State:  st,
		Logger: logger.Nop(),
		FS:     fs,
		Clock:  clock,
	})
	return &testEnv{eng: eng, fake: fake, fs: fs, state: st, cfg: cfg, clock: clock}
}

func (env *testEnv) readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := afero.ReadFile(env.fs, path)
	require.NoError(t, err)
	return string(data)
}

// noTempFiles asserts no .part file is left anywhere under the destination.
func (env *testEnv) noTempFiles(t *testing.T) {
	t.Helper()
	err := afero.Walk(env.fs, "/dest", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		assert.NotContains(t, path, tempSuffix, "leftover temp file")
		return nil
	})
	require.NoError(t, err)
}

func TestRunOnce_FirstDownload(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fake.put("a/file1.txt", "v1", "hello")

	rep, err := env.eng.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Listed)
	assert.Equal(t, 1, rep.Fetched)
	assert.Equal(t, 0, rep.Failed)
	assert.Equal(t, "hello", env.readFile(t, "/dest/a/file1.txt"))
	assert.True(t, env.state.Has("a/file1.txt", "v1"))
	env.noTempFiles(t)
}

func TestRunOnce_UnchangedObjectIsNotRefetched(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fake.put("a/file1.txt", "v1", "hello")

	_, err := env.eng.RunOnce(context.Background())
	require.NoError(t, err)

	rep, err := env.eng.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, rep.Fetched, "second identical cycle must be a no-op")
	assert.Equal(t, 1, env.fake.calls("a/file1.txt"))
}

func TestRunOnce_ChangedFingerprintRefetches(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fake.put("a/file1.txt", "v1", "old")

	_, err := env.eng.RunOnce(context.Background())
	require.NoError(t, err)

	env.fake.put("a/file1.txt", "v2", "new")

	rep, err := env.eng.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Fetched)
	assert.Equal(t, "new", env.readFile(t, "/dest/a/file1.txt"), "remote is authoritative")
	assert.True(t, env.state.Has("a/file1.txt", "v2"))
	assert.False(t, env.state.Has("a/file1.txt", "v1"))
}

func TestRunOnce_DisappearedObjectIsPrunedNotDeleted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fake.put("a/file1.txt", "v1", "hello")

	_, err := env.eng.RunOnce(context.Background())
	require.NoError(t, err)

	env.fake.remove("a/file1.txt")

	rep, err := env.eng.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Pruned)
	assert.False(t, env.state.Has("a/file1.txt", "v1"))

	// Pruning is state-only; the local file stays.
	exists, err := afero.Exists(env.fs, "/dest/a/file1.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	// If the object reappears it is fetched from scratch.
	env.fake.put("a/file1.txt", "v1", "hello")
	rep, err = env.eng.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Fetched)
}

func TestRunOnce_CrashBeforeRecordMeansRefetch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fake.put("a/file1.txt", "v1", "hello")

	// Simulate a crash between the rename and the state record: the file
	// exists locally but the fingerprint was never written.
	require.NoError(t, afero.WriteFile(env.fs, "/dest/a/file1.txt", []byte("hello"), 0o644))

	rep, err := env.eng.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Fetched, "without a state entry the object must be re-fetched, never skipped")
}

func TestRunOnce_ListingErrorAbortsCycle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fake.put("a/file1.txt", "v1", "hello")
	env.fake.listErr = errs.New(errs.ErrKindConnectionFailed, "remote unreachable")

	_, err := env.eng.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, env.fake.calls("a/file1.txt"), "listing failure must not advance to fetching")
	assert.Contains(t, env.eng.Stats().LastError, "remote unreachable")

	// Remote recovers; next cycle succeeds and clears the error.
	env.fake.listErr = nil
	rep, err := env.eng.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Fetched)
	assert.Empty(t, env.eng.Stats().LastError)
}

func TestRunOnce_FetchErrorIsItemScopedAndRetried(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fake.put("ok.txt", "v1", "fine")
	env.fake.put("bad.txt", "v1", "broken")
	env.fake.fetchErr["bad.txt"] = errs.New(errs.ErrKindConnectionFailed, "read reset")

	rep, err := env.eng.RunOnce(context.Background())
	require.NoError(t, err, "item failures never fail the cycle")
	assert.Equal(t, 1, rep.Fetched)
	assert.Equal(t, 1, rep.Failed)
	assert.True(t, env.state.Has("ok.txt", "v1"))
	assert.False(t, env.state.Has("bad.txt", "v1"), "failed item must leave state untouched")
	env.noTempFiles(t)

	// The item heals on a later cycle.
	delete(env.fake.fetchErr, "bad.txt")
	rep, err = env.eng.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Fetched)
	assert.True(t, env.state.Has("bad.txt", "v1"))
}

func TestRunOnce_UnsafeKeyIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fake.put("../../etc/passwd", "v1", "root::0:0")
	env.fake.put("safe.txt", "v1", "fine")

	rep, err := env.eng.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Fetched)
	assert.Equal(t, 1, rep.Failed)

	// Nothing may appear outside the destination root.
	exists, err := afero.Exists(env.fs, "/etc/passwd")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 0, env.fake.calls("../../etc/passwd"), "unsafe keys are rejected before any fetch")
}

func TestRunOnce_DeleteAfterDownload(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.DeleteAfterDownload = true })
	env.fake.put("a/file1.txt", "v1", "hello")

	rep, err := env.eng.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Fetched)
	assert.Equal(t, []string{"a/file1.txt"}, env.fake.deleted)
}

func TestRunOnce_DeleteFailureDoesNotRollBack(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.DeleteAfterDownload = true })
	env.fake.put("a/file1.txt", "v1", "hello")
	env.fake.deleteErr = errs.New(errs.ErrKindPermissionDenied, "delete denied")

	rep, err := env.eng.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Fetched)
	assert.True(t, env.state.Has("a/file1.txt", "v1"),
		"remote cleanup is independent of local success")
}

func TestRunOnce_StatePersistedAcrossRestarts(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fake.put("a/file1.txt", "v1", "hello")

	_, err := env.eng.RunOnce(context.Background())
	require.NoError(t, err)

	// A new process over the same filesystem sees the same record.
	st := state.New(env.fs, env.cfg.StateDir(), logger.Nop())
	st.Load()
	assert.True(t, st.Has("a/file1.txt", "v1"))
}

func TestStats(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fake.put("a/file1.txt", "v1", "hello")
	env.fake.put("b/file2.txt", "v2", "world")

	_, err := env.eng.RunOnce(context.Background())
	require.NoError(t, err)

	s := env.eng.Stats()
	assert.Equal(t, uint64(1), s.Cycles)
	assert.Equal(t, 2, s.Listed)
	assert.Equal(t, 2, s.Fetched)
	assert.Equal(t, 2, s.Tracked)
	assert.Empty(t, s.LastError)
}

func TestRun_CancelDuringWaitReturnsPromptly(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fake.put("a/file1.txt", "v1", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.eng.Run(ctx) }()

	// Wait until the loop finished its first cycle and parked on the timer.
	env.clock.BlockUntil(1)
	assert.True(t, env.state.Has("a/file1.txt", "v1"))

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly after cancellation")
	}
}

func TestRun_TickStartsNextCycle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fake.put("a/file1.txt", "v1", "hello")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- env.eng.Run(ctx) }()

	env.clock.BlockUntil(1)
	env.fake.put("a/file1.txt", "v2", "changed")
	env.clock.Advance(env.cfg.PollInterval)

	// Second cycle parks on the timer again once it has fetched v2.
	env.clock.BlockUntil(1)
	require.Eventually(t, func() bool {
		return env.state.Has("a/file1.txt", "v2")
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
