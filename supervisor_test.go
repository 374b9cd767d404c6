package replaykit

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogpu/replaykit/internal/database"
	"github.com/gogpu/replaykit/internal/driver"
	"github.com/gogpu/replaykit/internal/records"
	"github.com/gogpu/replaykit/internal/replay"
	"github.com/gogpu/replaykit/internal/shm"
)

// =============================================================================
// Worker helper process
//
// Supervisor tests re-exec this test binary as the worker: the child runs
// only TestHelperWorker, attaches the control block named on its command
// line, and behaves per REPLAYKIT_HELPER_MODE. This exercises the real
// cross-process path: fork/exec, shared mapping, atomics, death reaping.
// =============================================================================

func TestHelperWorker(t *testing.T) {
	mode := os.Getenv("REPLAYKIT_HELPER_MODE")
	if mode == "" {
		t.Skip("helper process entry point, not a test")
	}
	if dir := os.Getenv("REPLAYKIT_SHM_DIR"); dir != "" {
		shm.Dir = dir
	}

	// Worker flags arrive after the "--" terminator.
	var segment string
	args := flag.Args()
	for i, a := range args {
		if a == "--shm" && i+1 < len(args) {
			segment = args[i+1]
		}
	}
	if segment == "" {
		fmt.Fprintln(os.Stderr, "helper: missing --shm")
		os.Exit(2)
	}
	block, err := shm.Attach(segment)
	if err != nil {
		fmt.Fprintln(os.Stderr, "helper:", err)
		os.Exit(2)
	}

	switch mode {
	case "liar":
		// Exit 0 without ever publishing completion.
		block.SetFlag(shm.FlagStarted)
		os.Exit(0)
	case "hang":
		block.SetFlag(shm.FlagStarted)
		time.Sleep(time.Minute)
		os.Exit(0)
	}

	db := database.NewMemory()
	buildHelperBatch(db, mode)

	if mode == "nested" {
		// Tallies carried over from sub-replays this worker supervised.
		block.Add(shm.CleanDeaths, 2)
		block.Add(shm.DirtyDeaths, 1)
	}

	dev := driver.NewFake()
	if mode == "crash" || mode == "crash-graphics" {
		crashClass := records.ClassComputePipeline
		if mode == "crash-graphics" {
			crashClass = records.ClassGraphicsPipeline
		}
		var creations atomic.Int32
		dev.CreateHook = func(class records.Class, payload any) error {
			if class == crashClass && creations.Add(1) == 5 {
				// Simulated driver crash mid-batch.
				os.Exit(3)
			}
			return nil
		}
	}

	sched := replay.New(db, dev, block, slog.New(slog.DiscardHandler), replay.Options{NumThreads: 1})
	if err := sched.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "helper:", err)
		os.Exit(1)
	}
	sched.Close()
	_ = block.Close()
	os.Exit(0)
}

// buildHelperBatch synthesizes a deterministic batch: ten pipelines over two
// modules, graphics for mode "crash-graphics" and compute otherwise. Mode
// "skip" plants one malformed record on top.
func buildHelperBatch(db *database.Memory, mode string) {
	put := func(class records.Class, blob string) records.Hash {
		h, err := db.Put(class, []byte(blob))
		if err != nil {
			fmt.Fprintln(os.Stderr, "helper:", err)
			os.Exit(2)
		}
		return h
	}
	put(records.ClassApplicationInfo, `{"name": "helper", "api_version": 1}`)
	setLayout := put(records.ClassSetLayout,
		`{"bindings": [{"binding": 0, "visibility": "compute", "buffer_type": "storage"}]}`)
	layout := put(records.ClassPipelineLayout,
		fmt.Sprintf(`{"set_layouts": [%q]}`, setLayout.String()))

	var modules []records.Hash
	for i := 0; i < 2; i++ {
		modules = append(modules, put(records.ClassShaderModule,
			fmt.Sprintf(`{"wgsl": "fn main_%d() {}"}`, i)))
	}
	if mode == "crash-graphics" {
		pass := put(records.ClassRenderPass, `{"color_formats": ["rgba8unorm"]}`)
		for i := 0; i < 10; i++ {
			put(records.ClassGraphicsPipeline,
				fmt.Sprintf(`{"vertex_module": %q, "fragment_module": %q, "layout": %q, "render_pass": %q,
					"vertex_entry": "vs_%d", "fragment_entry": "fs_%d"}`,
					modules[i%2].String(), modules[(i+1)%2].String(),
					layout.String(), pass.String(), i, i))
		}
		return
	}
	for i := 0; i < 10; i++ {
		put(records.ClassComputePipeline,
			fmt.Sprintf(`{"module": %q, "layout": %q, "entry_point": "cs_%d"}`,
				modules[i%2].String(), layout.String(), i))
	}
	if mode == "skip" {
		db.PutRaw(records.ClassComputePipeline, 0xBAD, []byte(`{"module": 7}`))
	}
}

// startHelper launches a supervised helper worker in the given mode.
func startHelper(t *testing.T, mode string) *Supervisor {
	t.Helper()

	dir := t.TempDir()
	origDir := shm.Dir
	shm.Dir = dir
	t.Cleanup(func() { shm.Dir = origDir })
	t.Setenv("REPLAYKIT_SHM_DIR", dir)
	t.Setenv("REPLAYKIT_HELPER_MODE", mode)

	sup := NewSupervisor(Options{
		Database:      "unused-by-helper.db",
		NumThreads:    1,
		WorkerCommand: []string{os.Args[0], "-test.run=TestHelperWorker", "--"},
	})
	if err := sup.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(func() { _ = sup.Close() })
	return sup
}

// =============================================================================
// Supervisor behavior
// =============================================================================

func TestSupervisorCleanRun(t *testing.T) {
	sup := startHelper(t, "clean")

	clean, err := sup.Wait()
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if !clean {
		t.Error("Wait() clean = false, want true")
	}

	p := sup.Progress()
	if p.Compute.Total != 10 || p.Compute.Completed != 10 || p.Compute.Skipped != 0 {
		t.Errorf("compute progress = %+v, want 10/10/0", p.Compute)
	}
	if p.TotalModules != 2 || p.BannedModules != 0 {
		t.Errorf("modules = %d banned = %d, want 2 and 0", p.TotalModules, p.BannedModules)
	}
	if p.CleanDeaths != 1 || p.DirtyDeaths != 0 {
		t.Errorf("deaths = %d clean / %d dirty, want 1/0", p.CleanDeaths, p.DirtyDeaths)
	}
}

func TestSupervisorCrashMidBatch(t *testing.T) {
	sup := startHelper(t, "crash")

	clean, err := sup.Wait()
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if clean {
		t.Error("Wait() clean = true after crash, want false")
	}

	// Single-threaded worker crashes on its 5th compute creation: exactly
	// four completions survive in the control block.
	p := sup.Progress()
	if p.Compute.Total != 10 {
		t.Errorf("Compute.Total = %d, want 10", p.Compute.Total)
	}
	if p.Compute.Completed != 4 {
		t.Errorf("Compute.Completed = %d, want 4", p.Compute.Completed)
	}
	if p.DirtyDeaths != 1 || p.CleanDeaths != 0 {
		t.Errorf("deaths = %d clean / %d dirty, want 0/1", p.CleanDeaths, p.DirtyDeaths)
	}

	// A repeated Wait must not double-account the death.
	if _, err := sup.Wait(); err != nil {
		t.Fatalf("second Wait() = %v", err)
	}
	if p := sup.Progress(); p.DirtyDeaths != 1 {
		t.Errorf("DirtyDeaths = %d after second Wait, want 1", p.DirtyDeaths)
	}
}

func TestSupervisorCrashMidGraphicsBatch(t *testing.T) {
	sup := startHelper(t, "crash-graphics")

	clean, err := sup.Wait()
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if clean {
		t.Error("Wait() clean = true after crash, want false")
	}

	// Single-threaded worker crashes on its 5th graphics creation: exactly
	// four completions survive in the control block.
	p := sup.Progress()
	if p.Graphics.Total != 10 {
		t.Errorf("Graphics.Total = %d, want 10", p.Graphics.Total)
	}
	if p.Graphics.Completed != 4 {
		t.Errorf("Graphics.Completed = %d, want 4", p.Graphics.Completed)
	}
	if p.DirtyDeaths != 1 || p.CleanDeaths != 0 {
		t.Errorf("deaths = %d clean / %d dirty, want 0/1", p.CleanDeaths, p.DirtyDeaths)
	}
}

func TestSupervisorMergesWorkerDeathTallies(t *testing.T) {
	sup := startHelper(t, "nested")

	clean, err := sup.Wait()
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if !clean {
		t.Error("Wait() clean = false, want true")
	}

	// The worker published 2 clean and 1 dirty sub-replay deaths into the
	// block; the supervisor adds its own clean reap of this worker.
	p := sup.Progress()
	if p.CleanDeaths != 3 {
		t.Errorf("CleanDeaths = %d, want 3", p.CleanDeaths)
	}
	if p.DirtyDeaths != 1 {
		t.Errorf("DirtyDeaths = %d, want 1", p.DirtyDeaths)
	}
}

func TestSupervisorExitZeroWithoutCompletionIsDirty(t *testing.T) {
	sup := startHelper(t, "liar")

	clean, err := sup.Wait()
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if clean {
		t.Error("Wait() clean = true for exit 0 without complete flag, want false")
	}
	if p := sup.Progress(); p.DirtyDeaths != 1 {
		t.Errorf("DirtyDeaths = %d, want 1", p.DirtyDeaths)
	}
}

func TestSupervisorSkipForwardsWorkerLog(t *testing.T) {
	orig := Logger()
	t.Cleanup(func() { SetLogger(orig) })
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, nil)))

	sup := startHelper(t, "skip")
	clean, err := sup.Wait()
	if err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if !clean {
		t.Error("Wait() clean = false, a skipped record must not dirty the run")
	}
	p := sup.Progress()
	if p.Compute.Skipped != 1 || p.Compute.Completed != 10 {
		t.Errorf("compute progress = %+v, want completed 10 skipped 1", p.Compute)
	}
	if !strings.Contains(buf.String(), "skip") {
		t.Errorf("supervisor log missing forwarded skip line: %s", buf.String())
	}
}

func TestSupervisorKill(t *testing.T) {
	sup := startHelper(t, "hang")

	// Give the worker a moment to publish the started flag.
	deadline := time.Now().Add(5 * time.Second)
	for {
		state, _, err := sup.Poll()
		if err != nil {
			t.Fatalf("Poll() = %v", err)
		}
		if state == PollRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("worker never reached running state, last = %v", state)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := sup.Kill(); err != nil {
		t.Fatalf("Kill() = %v", err)
	}
	if !sup.IsComplete() {
		t.Error("IsComplete() = false after Kill")
	}
	state, p, err := sup.Poll()
	if err != nil {
		t.Fatalf("Poll() after Kill = %v", err)
	}
	if state != PollCrashed {
		t.Errorf("Poll() = %v after Kill, want PollCrashed", state)
	}
	if p.DirtyDeaths != 1 {
		t.Errorf("DirtyDeaths = %d, want 1", p.DirtyDeaths)
	}
}

func TestSupervisorPollStates(t *testing.T) {
	sup := startHelper(t, "clean")

	// Poll never blocks; every result is one of the defined states.
	for !sup.IsComplete() {
		state, _, err := sup.Poll()
		if err != nil {
			t.Fatalf("Poll() = %v", err)
		}
		switch state {
		case PollNotReady, PollRunning, PollComplete:
		default:
			t.Fatalf("Poll() = %v during clean run", state)
		}
		time.Sleep(time.Millisecond)
	}
	if clean, err := sup.Wait(); err != nil || !clean {
		t.Fatalf("Wait() = %v, %v", clean, err)
	}
	state, _, err := sup.Poll()
	if err != nil {
		t.Fatalf("final Poll() = %v", err)
	}
	if state != PollComplete {
		t.Errorf("final Poll() = %v, want PollComplete", state)
	}
}

func TestSupervisorLifecycleErrors(t *testing.T) {
	sup := NewSupervisor(Options{Database: "x.db"})
	if _, _, err := sup.Poll(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Poll() before Start = %v, want ErrNotStarted", err)
	}
	if _, err := sup.Wait(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Wait() before Start = %v, want ErrNotStarted", err)
	}
	if err := sup.Kill(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Kill() before Start = %v, want ErrNotStarted", err)
	}

	sup2 := startHelper(t, "clean")
	if err := sup2.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
	if _, err := sup2.Wait(); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
}

func TestSupervisorUseAfterClose(t *testing.T) {
	sup := startHelper(t, "clean")
	if _, err := sup.Wait(); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if err := sup.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}

	if _, _, err := sup.Poll(); !errors.Is(err, ErrClosed) {
		t.Errorf("Poll() after Close = %v, want ErrClosed", err)
	}
	if _, err := sup.Wait(); !errors.Is(err, ErrClosed) {
		t.Errorf("Wait() after Close = %v, want ErrClosed", err)
	}
	if err := sup.Kill(); !errors.Is(err, ErrClosed) {
		t.Errorf("Kill() after Close = %v, want ErrClosed", err)
	}
}

func TestSupervisorSegmentNamesAreUnique(t *testing.T) {
	a := startHelper(t, "clean")
	b := startHelper(t, "clean")
	if a.Segment() == b.Segment() {
		t.Errorf("two supervisors share segment %q", a.Segment())
	}
	if !strings.HasPrefix(a.Segment(), fmt.Sprintf("replaykit-%d-", os.Getpid())) {
		t.Errorf("segment %q missing pid-qualified prefix", a.Segment())
	}
	if _, err := a.Wait(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestSupervisorCloseRemovesSegment(t *testing.T) {
	dir := t.TempDir()
	origDir := shm.Dir
	shm.Dir = dir
	t.Cleanup(func() { shm.Dir = origDir })
	t.Setenv("REPLAYKIT_SHM_DIR", dir)
	t.Setenv("REPLAYKIT_HELPER_MODE", "clean")

	sup := NewSupervisor(Options{
		Database:      "unused.db",
		WorkerCommand: []string{os.Args[0], "-test.run=TestHelperWorker", "--"},
	})
	if err := sup.Start(); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	if _, err := sup.Wait(); err != nil {
		t.Fatalf("Wait() = %v", err)
	}
	if err := sup.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("segment directory not empty after Close: %v", entries)
	}
}
