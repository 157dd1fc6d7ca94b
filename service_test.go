package netcache

import (
	"context"
	"errors"
	"io"
	"slices"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/unkn0wn-root/netcache/device"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

type harness struct {
	svc   *service
	mem   *fakeDevice
	hooks *recordingHooks
	clock *clock
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{
		mem:   newFakeDevice("memory"),
		hooks: newRecordingHooks(),
		clock: &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	opts := Options{
		Hooks:           h.hooks,
		DisableDisk:     true,
		DisableOffline:  true,
		NewMemoryDevice: h.mem.factory,
		now:             h.clock.now,
	}
	if tweak != nil {
		tweak(&opts)
	}
	svc, err := newService(opts)
	if err != nil {
		t.Fatalf("newService: %v", err)
	}
	h.svc = svc
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return h
}

func (h *harness) session(t *testing.T, client string, stream bool, opts ...SessionOption) *Session {
	t.Helper()
	sess, err := h.svc.CreateSession(client, StoreAnywhere, stream, opts...)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

// put stores key with data through a full write/validate/close cycle.
func put(t *testing.T, sess *Session, key, data string) {
	t.Helper()
	d, err := sess.OpenCacheEntry(context.Background(), key, AccessWrite, true, nil)
	if err != nil {
		t.Fatalf("open %q for write: %v", key, err)
	}
	if _, err := d.Write([]byte(data)); err != nil {
		t.Fatalf("write %q: %v", key, err)
	}
	if err := d.MarkValid(); err != nil {
		t.Fatalf("MarkValid %q: %v", key, err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close %q: %v", key, err)
	}
}

func read(t *testing.T, d *Descriptor) string {
	t.Helper()
	r, err := d.NewReader()
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(b)
}

func waitResult(t *testing.T, ch <-chan openResult) openResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("listener was not notified")
		return openResult{}
	}
}

func TestWriteValidateRead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sess := h.session(t, "http", false)

	d, err := sess.OpenCacheEntry(ctx, "a", AccessReadWrite, true, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// a brand new entry only grants write
	if got := d.AccessGranted(); got != AccessWrite {
		t.Fatalf("granted = %v, want %v", got, AccessWrite)
	}
	if d.Key() != "a" {
		t.Fatalf("Key() = %q", d.Key())
	}
	if _, err := d.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := d.SetMetaDataElement("etag", "v1"); err != nil {
		t.Fatalf("SetMetaDataElement: %v", err)
	}
	if err := d.MarkValid(); err != nil {
		t.Fatalf("MarkValid: %v", err)
	}
	if id, _ := d.DeviceID(); id != "memory" {
		t.Fatalf("DeviceID = %q", id)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if keys := h.mem.storedKeys(); !slices.Equal(keys, []string{"http:a"}) {
		t.Fatalf("stored = %v", keys)
	}

	r, err := sess.OpenCacheEntry(ctx, "a", AccessRead, true, nil)
	if err != nil {
		t.Fatalf("open read: %v", err)
	}
	defer r.Close()
	if got := read(t, r); got != "hello" {
		t.Fatalf("data = %q", got)
	}
	if v, ok, _ := r.GetMetaDataElement("etag"); !ok || v != "v1" {
		t.Fatalf("etag = %q, %v", v, ok)
	}
	if _, err := r.Write([]byte("x")); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("Write on read descriptor: %v", err)
	}
	st := h.svc.Stats()
	if st.Hits != 1 || st.Misses != 1 || st.EntriesCreated != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestReadMissCreatesNothing(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.session(t, "http", false)

	_, err := sess.OpenCacheEntry(context.Background(), "nope", AccessRead, true, nil)
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
	st := h.svc.Stats()
	if st.Active != 0 || st.EntriesCreated != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestInvalidAccess(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.session(t, "http", false)
	if _, err := sess.OpenCacheEntry(context.Background(), "k", AccessNone, true, nil); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("err = %v", err)
	}
}

func TestWriteOnlyReplacesEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sess := h.session(t, "http", false)
	put(t, sess, "k", "old data")

	d, err := sess.OpenCacheEntry(ctx, "k", AccessWrite, true, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	if n, _ := d.DataSize(); n != 0 {
		t.Fatalf("replacement size = %d, want 0", n)
	}
	if got := h.hooks.reasons("http:k"); !slices.Contains(got, "replaced") {
		t.Fatalf("doom reasons = %v", got)
	}
}

func TestSingleActiveEntryPerKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sess := h.session(t, "http", false)

	w, err := sess.OpenCacheEntry(ctx, "k", AccessReadWrite, true, nil)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()

	// the writer has not validated, so a non-blocking reader cannot proceed
	if _, err := sess.OpenCacheEntry(ctx, "k", AccessRead, false, nil); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("err = %v, want ErrWouldBlock", err)
	}
	if st := h.svc.Stats(); st.Active != 1 || st.MaxActive != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestBlockingReaderWaitsForValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sess := h.session(t, "http", false)

	w, err := sess.OpenCacheEntry(ctx, "k", AccessReadWrite, true, nil)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()

	done := make(chan openResult, 1)
	go func() {
		d, err := sess.OpenCacheEntry(ctx, "k", AccessRead, true, nil)
		done <- openResult{d: d, err: err}
	}()

	if _, err := w.Write([]byte("body")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.MarkValid(); err != nil {
		t.Fatalf("MarkValid: %v", err)
	}

	res := waitResult(t, done)
	if res.err != nil {
		t.Fatalf("reader: %v", res.err)
	}
	defer res.d.Close()
	if got := read(t, res.d); got != "body" {
		t.Fatalf("reader saw %q", got)
	}
}

func TestBlockingReaderHonoursContext(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.session(t, "http", false)

	w, err := sess.OpenCacheEntry(context.Background(), "k", AccessReadWrite, true, nil)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := sess.OpenCacheEntry(ctx, "k", AccessRead, true, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}

	// the writer leaves without ever validating: the entry is abandoned
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := h.hooks.reasons("http:k"); !slices.Equal(got, []string{"abandoned"}) {
		t.Fatalf("doom reasons = %v", got)
	}
	if _, err := sess.OpenCacheEntry(context.Background(), "k", AccessRead, true, nil); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
	if st := h.svc.Stats(); st.Active != 0 || st.Doomed != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestAsyncOpenAndQueuedReader(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sess := h.session(t, "http", false)

	wch := make(chan openResult, 1)
	d, err := sess.OpenCacheEntry(ctx, "k", AccessReadWrite, true, listener(wch))
	if d != nil || err != nil {
		t.Fatalf("async open returned (%v, %v)", d, err)
	}
	w := waitResult(t, wch)
	if w.err != nil || w.granted != AccessWrite {
		t.Fatalf("writer result = %+v", w)
	}

	rch := make(chan openResult, 1)
	if _, err := sess.OpenCacheEntry(ctx, "k", AccessRead, true, listener(rch)); err != nil {
		t.Fatalf("async read: %v", err)
	}
	if _, err := w.d.Write([]byte("async")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.d.MarkValid(); err != nil {
		t.Fatalf("MarkValid: %v", err)
	}

	r := waitResult(t, rch)
	if r.err != nil || r.granted != AccessRead {
		t.Fatalf("reader result = %+v", r)
	}
	if got := read(t, r.d); got != "async" {
		t.Fatalf("reader saw %q", got)
	}
	_ = r.d.Close()
	_ = w.d.Close()
}

func TestQueuedReaderSeesDoom(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sess := h.session(t, "http", false)

	w, err := sess.OpenCacheEntry(ctx, "k", AccessReadWrite, true, nil)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer w.Close()

	rch := make(chan openResult, 1)
	if _, err := sess.OpenCacheEntry(ctx, "k", AccessRead, true, listener(rch)); err != nil {
		t.Fatalf("async read: %v", err)
	}
	if err := w.Doom(); err != nil {
		t.Fatalf("Doom: %v", err)
	}
	if r := waitResult(t, rch); !errors.Is(r.err, ErrKeyNotFound) {
		t.Fatalf("reader result = %+v, want ErrKeyNotFound", r)
	}
	if doomed, _ := w.IsDoomed(); !doomed {
		t.Fatal("writer should see its entry doomed")
	}
}

func TestDoomEntryIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	sess := h.session(t, "http", false)
	put(t, sess, "k", "v")

	for _, key := range []string{"k", "k", "missing"} {
		ch := make(chan error, 1)
		if err := sess.DoomEntry(key, DoomListenerFunc(func(err error) { ch <- err })); err != nil {
			t.Fatalf("DoomEntry(%q): %v", key, err)
		}
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("DoomEntry(%q) listener: %v", key, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("DoomEntry(%q) listener not called", key)
		}
	}
	if keys := h.mem.storedKeys(); len(keys) != 0 {
		t.Fatalf("stored = %v", keys)
	}
}

func TestDeactivatedOnceAfterLastClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sess := h.session(t, "http", false)
	put(t, sess, "k", "v")

	r1, err := sess.OpenCacheEntry(ctx, "k", AccessRead, true, nil)
	if err != nil {
		t.Fatalf("open r1: %v", err)
	}
	r2, err := sess.OpenCacheEntry(ctx, "k", AccessRead, true, nil)
	if err != nil {
		t.Fatalf("open r2: %v", err)
	}
	if err := r1.Doom(); err != nil {
		t.Fatalf("Doom: %v", err)
	}
	if st := h.svc.Stats(); st.Doomed != 1 || st.Active != 0 {
		t.Fatalf("stats after doom = %+v", st)
	}
	_ = r1.Close()
	_ = r2.Close()
	_ = r2.Close()

	for _, n := range h.mem.deactivations() {
		if n != 1 {
			t.Fatalf("deactivations = %v", h.mem.deactivations())
		}
	}
	if st := h.svc.Stats(); st.Doomed != 0 {
		t.Fatalf("stats after close = %+v", st)
	}
	if _, err := r1.DataSize(); !errors.Is(err, ErrDescriptorClosed) {
		t.Fatalf("closed descriptor: %v", err)
	}
}

func TestExpiredEntryIsDoomed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sess := h.session(t, "http", false)

	d, err := sess.OpenCacheEntry(ctx, "k", AccessWrite, true, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_ = d.SetExpirationTime(h.clock.now().Add(time.Minute))
	_, _ = d.Write([]byte("v"))
	_ = d.MarkValid()
	_ = d.Close()

	h.clock.advance(2 * time.Minute)
	if _, err := sess.OpenCacheEntry(ctx, "k", AccessRead, true, nil); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
	if got := h.hooks.reasons("http:k"); !slices.Equal(got, []string{"expired"}) {
		t.Fatalf("doom reasons = %v", got)
	}
}

func TestStreamMismatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	stream := h.session(t, "http", true)
	plain := h.session(t, "http", false)

	w, err := stream.OpenCacheEntry(ctx, "k", AccessReadWrite, true, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()
	if _, err := plain.OpenCacheEntry(ctx, "k", AccessRead, true, nil); !errors.Is(err, ErrStreamMismatch) {
		t.Fatalf("err = %v, want ErrStreamMismatch", err)
	}
}

func TestTooBigDoomsEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.mem.maxEntry = 4
	sess := h.session(t, "http", false)

	d, err := sess.OpenCacheEntry(ctx, "k", AccessWrite, true, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	_, err = d.Write([]byte("way too long"))
	if !errors.Is(err, ErrNotAvailable) || !errors.Is(err, device.ErrTooBig) {
		t.Fatalf("err = %v", err)
	}
	if doomed, _ := d.IsDoomed(); !doomed {
		t.Fatal("entry should be doomed")
	}
	if got := h.hooks.reasons("http:k"); !slices.Equal(got, []string{"too_big"}) {
		t.Fatalf("doom reasons = %v", got)
	}
}

func TestPredictedSizeSkipsDevice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.mem.maxEntry = 4
	sess := h.session(t, "http", false)

	d, err := sess.OpenCacheEntry(ctx, "k", AccessWrite, true, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	_ = d.SetPredictedDataSize(1000)
	if err := d.MarkValid(); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("MarkValid err = %v", err)
	}
	h.hooks.mu.Lock()
	n := h.hooks.tooBig
	h.hooks.mu.Unlock()
	if n != 1 {
		t.Fatalf("EntryTooBig calls = %d", n)
	}
}

func TestBindFailureDoomsEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.mem.bindErr = errors.New("boom")
	sess := h.session(t, "http", false)

	d, err := sess.OpenCacheEntry(ctx, "k", AccessWrite, true, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	if _, err := d.Write([]byte("x")); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("err = %v", err)
	}
	var de *DeviceError
	if _, err := d.Write([]byte("x")); errors.As(err, &de) {
		t.Fatalf("doomed entry should not try to bind again: %v", err)
	}
	if got := h.hooks.reasons("http:k"); !slices.Equal(got, []string{"bind_failed"}) {
		t.Fatalf("doom reasons = %v", got)
	}
}

func TestDeviceInitFailureDisablesDevice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.mem.initErr = errors.New("no memory")
	sess := h.session(t, "http", false)

	d, err := sess.OpenCacheEntry(ctx, "k", AccessWrite, true, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := d.Write([]byte("x")); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("Write err = %v", err)
	}
	_ = d.Close()

	if sess.IsStorageEnabled() {
		t.Fatal("storage should be disabled")
	}
	if _, err := sess.OpenCacheEntry(ctx, "k", AccessWrite, true, nil); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("open err = %v", err)
	}
	h.hooks.mu.Lock()
	defer h.hooks.mu.Unlock()
	if !slices.Equal(h.hooks.disable, []string{"memory"}) {
		t.Fatalf("disabled = %v", h.hooks.disable)
	}
}

func TestEvictAndVisit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a := h.session(t, "a", false)
	b := h.session(t, "b", false)
	put(t, a, "1", "x")
	put(t, a, "2", "y")
	put(t, b, "1", "z")

	v := &collectVisitor{}
	if err := h.svc.VisitEntries(ctx, v); err != nil {
		t.Fatalf("VisitEntries: %v", err)
	}
	if !slices.Equal(v.devices, []string{"memory"}) || len(v.keys) != 3 {
		t.Fatalf("visited %v %v", v.devices, v.keys)
	}

	if err := a.EvictEntries(ctx); err != nil {
		t.Fatalf("session evict: %v", err)
	}
	if keys := h.mem.storedKeys(); !slices.Equal(keys, []string{"b:1"}) {
		t.Fatalf("after session evict = %v", keys)
	}
	if err := h.svc.EvictEntries(ctx, StoreAnywhere); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if keys := h.mem.storedKeys(); len(keys) != 0 {
		t.Fatalf("after evict = %v", keys)
	}
}

func TestVisitorStopsEarly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sess := h.session(t, "a", false)
	put(t, sess, "1", "x")
	put(t, sess, "2", "y")

	v := &collectVisitor{limit: 1}
	if err := h.svc.VisitEntries(ctx, v); err != nil {
		t.Fatalf("VisitEntries: %v", err)
	}
	if len(v.keys) != 1 {
		t.Fatalf("visited %v", v.keys)
	}
}

type collectVisitor struct {
	limit   int
	devices []string
	keys    []string
}

func (v *collectVisitor) VisitDevice(id string, _ device.Usage) bool {
	v.devices = append(v.devices, id)
	return true
}

func (v *collectVisitor) VisitEntry(_ string, in device.Info) bool {
	v.keys = append(v.keys, in.Key)
	return v.limit == 0 || len(v.keys) < v.limit
}

func TestPrivateSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sess, err := h.svc.CreateSession("p", StoreOnDisk, false, WithPrivate())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.StoragePolicy() != StoreInMemory {
		t.Fatalf("policy = %v", sess.StoragePolicy())
	}

	d, err := sess.OpenCacheEntry(ctx, "k", AccessReadWrite, true, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()
	_ = d.MarkValid()
	if err := d.SetStoragePolicy(StoreOnDisk); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("SetStoragePolicy err = %v", err)
	}

	h.svc.LeavePrivateBrowsing(ctx)
	if doomed, _ := d.IsDoomed(); !doomed {
		t.Fatal("private entry should be doomed")
	}
}

func TestShutdown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	sess := h.session(t, "http", false)
	put(t, sess, "kept", "v")

	held, err := sess.OpenCacheEntry(ctx, "kept", AccessRead, true, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	w, err := sess.OpenCacheEntry(ctx, "pending", AccessReadWrite, true, nil)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	rch := make(chan openResult, 1)
	if _, err := sess.OpenCacheEntry(ctx, "pending", AccessRead, true, listener(rch)); err != nil {
		t.Fatalf("async read: %v", err)
	}

	if err := h.svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if r := waitResult(t, rch); !errors.Is(r.err, ErrNotInitialized) {
		t.Fatalf("queued reader = %+v", r)
	}
	if st := h.svc.Stats(); st.Active != 0 || st.Doomed != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if got := h.hooks.reasons("http:kept"); !slices.Equal(got, []string{"shutdown"}) {
		t.Fatalf("doom reasons = %v", got)
	}
	for _, n := range h.mem.deactivations() {
		if n != 1 {
			t.Fatalf("deactivations = %v", h.mem.deactivations())
		}
	}
	if _, err := held.DataSize(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("descriptor after shutdown: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close after shutdown: %v", err)
	}
	if _, err := sess.OpenCacheEntry(ctx, "kept", AccessRead, true, nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("open after shutdown: %v", err)
	}
	if _, err := h.svc.CreateSession("x", StoreAnywhere, false); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("CreateSession after shutdown: %v", err)
	}
	if err := h.svc.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if h.mem.shutdowns != 1 {
		t.Fatalf("device shutdowns = %d", h.mem.shutdowns)
	}
}

func TestCreateSessionValidation(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.svc.CreateSession("", StoreAnywhere, false); err == nil {
		t.Fatal("empty client id accepted")
	}
	if _, err := h.svc.CreateSession("c", StoragePolicy(42), false); err == nil {
		t.Fatal("bad policy accepted")
	}
}

func TestNewRejectsCompressionLevel(t *testing.T) {
	if _, err := New(Options{CompressionLevel: 12}); err == nil {
		t.Fatal("expected error")
	}
}
