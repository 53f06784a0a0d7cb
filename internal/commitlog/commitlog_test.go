package commitlog_test

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/delaylog/internal/checkpoint"
	"github.com/snehjoshi/delaylog/internal/commitlog"
	"github.com/snehjoshi/delaylog/internal/config"
	"github.com/snehjoshi/delaylog/internal/message"
	"github.com/snehjoshi/delaylog/internal/metrics"
	"github.com/snehjoshi/delaylog/internal/segment"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

const testCapacity = 200

type harness struct {
	dir    string
	cpPath string
	cp     *checkpoint.Checkpoint
	log    *commitlog.Log
	w      *commitlog.Writer
}

// openHarness opens a log and its checkpoint in root. Everything is closed
// at test cleanup unless the test calls close itself.
func openHarness(t *testing.T, root string, opts ...commitlog.Option) *harness {
	t.Helper()
	return openHarnessInterval(t, root, 0, opts...)
}

// openHarnessInterval is openHarness with a checkpoint that only reaches
// disk every cpInterval.
func openHarnessInterval(t *testing.T, root string, cpInterval time.Duration, opts ...commitlog.Option) *harness {
	t.Helper()
	h := &harness{
		dir:    filepath.Join(root, commitlog.DirName),
		cpPath: filepath.Join(root, checkpoint.FileName),
	}
	cp, err := checkpoint.Open(h.cpPath, cpInterval)
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	h.cp = cp
	opts = append([]commitlog.Option{commitlog.WithFlush(config.FlushNever, 0)}, opts...)
	l, err := commitlog.Open(h.dir, testCapacity, cp, opts...)
	if err != nil {
		_ = cp.Close()
		t.Fatalf("commitlog.Open: %v", err)
	}
	h.log = l
	w, err := l.Writer()
	if err != nil {
		t.Fatalf("Writer: %v", err)
	}
	h.w = w
	t.Cleanup(h.close)
	return h
}

func (h *harness) close() {
	_ = h.log.Close()
	_ = h.cp.Close()
}

// poem returns the 70-byte message used throughout these tests.
func poem(t *testing.T, body string) *message.Message {
	t.Helper()
	m, err := message.New("topic_oms", []byte(body), "", 1232432443)
	if err != nil {
		t.Fatalf("message.New: %v", err)
	}
	return m
}

func mustAppend(t *testing.T, w *commitlog.Writer, m *message.Message) int64 {
	t.Helper()
	off, _, err := w.AppendMessage(m)
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return off
}

// ─── Tests ───────────────────────────────────────────────────────────────────

func TestOpen_CreatesFirstSegment(t *testing.T) {
	h := openHarness(t, t.TempDir())

	if got := h.log.Segments(); !reflect.DeepEqual(got, []int64{0}) {
		t.Fatalf("Segments = %v, want [0]", got)
	}
	if _, err := os.Stat(filepath.Join(h.dir, segment.Name(0))); err != nil {
		t.Fatalf("first segment not created: %v", err)
	}
	if h.log.End() != 0 {
		t.Errorf("End = %d, want 0", h.log.End())
	}
}

func TestWriter_OnlyOne(t *testing.T) {
	h := openHarness(t, t.TempDir())
	if _, err := h.log.Writer(); !errors.Is(err, commitlog.ErrWriterTaken) {
		t.Fatalf("expected ErrWriterTaken, got %v", err)
	}
}

func TestAppend_RotatesOnThirdPoem(t *testing.T) {
	reg := &metrics.Registry{}
	h := openHarness(t, t.TempDir(), commitlog.WithMetrics(reg))

	first := poem(t, "此情可待成追忆")
	if first.Size() != 70 {
		t.Fatalf("frame size = %d, want 70", first.Size())
	}

	offs := []int64{
		mustAppend(t, h.w, first),
		mustAppend(t, h.w, poem(t, "只是当时已茫然")),
	}
	if got := h.log.Segments(); len(got) != 1 {
		t.Fatalf("two frames (140 bytes) should not rotate, segments %v", got)
	}

	next, err := h.w.NextOffset(70)
	if err != nil {
		t.Fatalf("NextOffset: %v", err)
	}
	if next != 200 {
		t.Errorf("NextOffset before rotation = %d, want 200", next)
	}

	offs = append(offs, mustAppend(t, h.w, poem(t, "沧海月明珠有泪")))
	if want := []int64{0, 70, 200}; !reflect.DeepEqual(offs, want) {
		t.Fatalf("offsets = %v, want %v", offs, want)
	}
	if got := h.log.Segments(); !reflect.DeepEqual(got, []int64{0, 200}) {
		t.Fatalf("Segments = %v, want [0 200]", got)
	}
	if _, err := os.Stat(filepath.Join(h.dir, segment.Name(200))); err != nil {
		t.Fatalf("rotated segment missing: %v", err)
	}
	if h.log.End() != 270 {
		t.Errorf("End = %d, want 270", h.log.End())
	}
	if got := h.cp.Read(); got != 0 {
		t.Errorf("checkpoint after rotation = %d, want 0 until the next flush", got)
	}

	var rotations int64
	reg.Rotations.Each(func(_ string, v int64) { rotations += v })
	if rotations != 1 {
		t.Errorf("rotations counted = %d, want 1", rotations)
	}
}

func TestRead_AcrossSegmentsAfterRotation(t *testing.T) {
	h := openHarness(t, t.TempDir())

	bodies := []string{"此情可待成追忆", "只是当时已茫然", "沧海月明珠有泪"}
	var offs []int64
	for _, b := range bodies {
		offs = append(offs, mustAppend(t, h.w, poem(t, b)))
	}

	for i, off := range offs {
		m, err := h.log.ReadMessage(off, 70)
		if err != nil {
			t.Fatalf("ReadMessage(%d): %v", off, err)
		}
		if string(m.Body) != bodies[i] {
			t.Errorf("offset %d: body %q, want %q", off, m.Body, bodies[i])
		}
		if m.PhysicalOffset != uint64(off) {
			t.Errorf("offset %d: stored physical_offset %d", off, m.PhysicalOffset)
		}
	}
}

func TestRead_OutOfRange(t *testing.T) {
	h := openHarness(t, t.TempDir())
	mustAppend(t, h.w, poem(t, "此情可待成追忆"))

	tests := []struct {
		name string
		off  int64
		size int
	}{
		{"past end", 70, 70},
		{"negative", -1, 10},
		{"zero size", 0, 0},
		{"unwritten segment", 400, 10},
	}
	for _, tc := range tests {
		if _, err := h.log.Read(tc.off, tc.size); !errors.Is(err, commitlog.ErrOutOfRange) {
			t.Errorf("%s: expected ErrOutOfRange, got %v", tc.name, err)
		}
	}
}

func TestAppend_FrameTooLarge(t *testing.T) {
	h := openHarness(t, t.TempDir())
	m, err := message.New("t", make([]byte, testCapacity), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.w.AppendMessage(m); !errors.Is(err, commitlog.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
	if len(h.log.Segments()) != 1 {
		t.Error("oversized frame must not rotate")
	}
}

func TestAppend_ExactFitDoesNotRotate(t *testing.T) {
	h := openHarness(t, t.TempDir())
	// 40 + 1 topic + 159 body = 200 bytes.
	m, err := message.New("t", make([]byte, testCapacity-41), "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if off := mustAppend(t, h.w, m); off != 0 {
		t.Fatalf("offset = %d, want 0", off)
	}
	if len(h.log.Segments()) != 1 {
		t.Fatalf("exact fit rotated: %v", h.log.Segments())
	}
	if off := mustAppend(t, h.w, poem(t, "x")); off != testCapacity {
		t.Errorf("next append offset = %d, want %d", off, testCapacity)
	}
}

func TestAppend_RejectsNonFrame(t *testing.T) {
	h := openHarness(t, t.TempDir())
	if _, err := h.w.Append([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for a buffer shorter than a frame")
	}
}

// ─── Recovery ────────────────────────────────────────────────────────────────

func TestRecovery_ReplaysPastLaggingCheckpoint(t *testing.T) {
	root := t.TempDir()
	h := openHarness(t, root)
	mustAppend(t, h.w, poem(t, "此情可待成追忆"))
	mustAppend(t, h.w, poem(t, "只是当时已茫然"))
	h.close()

	tests := []struct {
		name       string
		checkpoint uint64
	}{
		{"checkpoint at zero", 0},
		{"checkpoint after first frame", 70},
		{"checkpoint exact", 140},
		{"checkpoint beyond capacity", 10_000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setCheckpoint(t, filepath.Join(root, checkpoint.FileName), tc.checkpoint)
			h2 := openHarness(t, root)
			if h2.log.End() != 140 {
				t.Errorf("recovered end = %d, want 140", h2.log.End())
			}
			h2.close()
		})
	}
}

// frameOfSize builds a message whose encoded frame is exactly n bytes.
func frameOfSize(t *testing.T, n int) *message.Message {
	t.Helper()
	body := make([]byte, n-message.FixedHeaderLen-len("topic_oms"))
	for i := range body {
		body[i] = byte('a' + i%26)
	}
	m, err := message.New("topic_oms", body, "", 1232432443)
	if err != nil {
		t.Fatalf("message.New: %v", err)
	}
	if m.Size() != n {
		t.Fatalf("frame size = %d, want %d", m.Size(), n)
	}
	return m
}

func TestRotate_FlushesCheckpointReset(t *testing.T) {
	root := t.TempDir()
	h := openHarnessInterval(t, root, time.Hour)

	mustAppend(t, h.w, poem(t, "此情可待成追忆"))
	mustAppend(t, h.w, poem(t, "只是当时已茫然"))
	if err := h.log.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if h.cp.Read() != 140 || !h.cp.Dirty() {
		t.Fatalf("checkpoint = %d dirty=%v, want 140 waiting for its interval", h.cp.Read(), h.cp.Dirty())
	}

	if off := mustAppend(t, h.w, frameOfSize(t, 150)); off != 200 {
		t.Fatalf("150-byte frame at %d, want 200 after rotation", off)
	}
	if h.cp.Read() != 0 {
		t.Errorf("checkpoint after rotation = %d, want 0", h.cp.Read())
	}
	if h.cp.Dirty() {
		t.Error("checkpoint reset still waiting for the interval flush after rotation")
	}
}

func TestRecovery_CheckpointInsideFrameReplaysFromZero(t *testing.T) {
	root := t.TempDir()
	h := openHarness(t, root)
	mustAppend(t, h.w, poem(t, "此情可待成追忆"))
	mustAppend(t, h.w, poem(t, "只是当时已茫然"))
	big := mustAppend(t, h.w, frameOfSize(t, 150))
	h.close()

	// The previous segment's cursor lands in the middle of the 150-byte frame.
	setCheckpoint(t, filepath.Join(root, checkpoint.FileName), 140)

	h2 := openHarness(t, root)
	if h2.log.End() != 350 {
		t.Fatalf("recovered end = %d, want 350", h2.log.End())
	}
	m, err := h2.log.ReadMessage(big, 150)
	if err != nil {
		t.Fatalf("committed frame unreadable after recovery: %v", err)
	}
	if m.PhysicalOffset != 200 {
		t.Errorf("physical offset = %d, want 200", m.PhysicalOffset)
	}
	if off := mustAppend(t, h2.w, poem(t, "望帝春心托杜鹃")); off != 400 {
		t.Errorf("next append at %d, want 400 after rotation", off)
	}
}

func TestRecovery_StopsAtTornFrame(t *testing.T) {
	root := t.TempDir()
	h := openHarness(t, root)
	mustAppend(t, h.w, poem(t, "此情可待成追忆"))
	second := mustAppend(t, h.w, poem(t, "只是当时已茫然"))
	h.close()

	// Corrupt one body byte of the second frame.
	path := filepath.Join(root, commitlog.DirName, segment.Name(0))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{0xff}, second+36); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()
	setCheckpoint(t, filepath.Join(root, checkpoint.FileName), 0)

	reg := &metrics.Registry{}
	h2 := openHarness(t, root, commitlog.WithMetrics(reg))
	if h2.log.End() != 70 {
		t.Fatalf("recovered end = %d, want 70 (stop before the torn frame)", h2.log.End())
	}
	var failures int64
	reg.ChecksumFailures.Each(func(_ string, v int64) { failures += v })
	if failures != 1 {
		t.Errorf("checksum failures = %d, want 1", failures)
	}

	// The next append overwrites the torn frame.
	if off := mustAppend(t, h2.w, poem(t, "望帝春心托杜鹃")); off != 70 {
		t.Errorf("append after recovery at %d, want 70", off)
	}
}

func TestRecovery_StopsAtUndersizedPrefix(t *testing.T) {
	root := t.TempDir()
	h := openHarness(t, root)
	mustAppend(t, h.w, poem(t, "此情可待成追忆"))
	h.close()

	path := filepath.Join(root, commitlog.DirName, segment.Name(0))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	// msg_len of 10 announces a 14-byte frame, below the fixed header.
	if _, err := f.WriteAt([]byte{10, 0, 0, 0}, 70); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	h2 := openHarness(t, root)
	if h2.log.End() != 70 {
		t.Errorf("recovered end = %d, want 70", h2.log.End())
	}
}

func TestRecovery_ContinuesInLastSegment(t *testing.T) {
	root := t.TempDir()
	h := openHarness(t, root)
	for _, b := range []string{"此情可待成追忆", "只是当时已茫然", "沧海月明珠有泪"} {
		mustAppend(t, h.w, poem(t, b))
	}
	h.close()

	h2 := openHarness(t, root)
	if got := h2.log.Segments(); !reflect.DeepEqual(got, []int64{0, 200}) {
		t.Fatalf("Segments = %v, want [0 200]", got)
	}
	if h2.log.End() != 270 {
		t.Fatalf("End = %d, want 270", h2.log.End())
	}
	// Frames written before the restart stay readable.
	m, err := h2.log.ReadMessage(70, 70)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(m.Body) != "只是当时已茫然" {
		t.Errorf("body = %q", m.Body)
	}
}

func TestFlush_WritesCheckpoint(t *testing.T) {
	h := openHarness(t, t.TempDir())
	mustAppend(t, h.w, poem(t, "此情可待成追忆"))
	if h.cp.Read() != 0 {
		t.Fatalf("checkpoint moved before flush: %d", h.cp.Read())
	}
	if err := h.log.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if h.cp.Read() != 70 {
		t.Errorf("checkpoint after flush = %d, want 70", h.cp.Read())
	}
}

func TestFlushAlways_CheckpointsEveryAppend(t *testing.T) {
	h := openHarness(t, t.TempDir(), commitlog.WithFlush(config.FlushAlways, 0))
	mustAppend(t, h.w, poem(t, "此情可待成追忆"))
	if h.cp.Read() != 70 {
		t.Errorf("checkpoint = %d, want 70", h.cp.Read())
	}
}

func TestClose_RejectsFurtherUse(t *testing.T) {
	h := openHarness(t, t.TempDir())
	mustAppend(t, h.w, poem(t, "此情可待成追忆"))
	h.close()

	if _, err := h.log.Read(0, 70); !errors.Is(err, commitlog.ErrClosed) {
		t.Errorf("Read after Close: expected ErrClosed, got %v", err)
	}
	if _, _, err := h.w.AppendMessage(poem(t, "x")); !errors.Is(err, commitlog.ErrClosed) {
		t.Errorf("Append after Close: expected ErrClosed, got %v", err)
	}
}

func TestConcurrentReadsDuringAppends(t *testing.T) {
	h := openHarness(t, t.TempDir())
	first := mustAppend(t, h.w, poem(t, "此情可待成追忆"))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, err := h.log.ReadMessage(first, 70); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		mustAppend(t, h.w, poem(t, "只是当时已茫然"))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent read: %v", err)
	}
	if got := len(h.log.Segments()); got != 11 {
		t.Errorf("segments = %d, want 11", got)
	}
}

func setCheckpoint(t *testing.T, path string, v uint64) {
	t.Helper()
	cp, err := checkpoint.Open(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := cp.Write(v); err != nil {
		t.Fatal(err)
	}
	if err := cp.Close(); err != nil {
		t.Fatal(err)
	}
}
