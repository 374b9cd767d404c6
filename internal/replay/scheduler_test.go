package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gogpu/replaykit/internal/database"
	"github.com/gogpu/replaykit/internal/driver"
	"github.com/gogpu/replaykit/internal/records"
	"github.com/gogpu/replaykit/internal/shm"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// testSink records everything the scheduler publishes.
type testSink struct {
	mu       sync.Mutex
	counters map[shm.Counter]uint64
	flags    map[shm.Flag]bool
	lines    []string
}

func newTestSink() *testSink {
	return &testSink{
		counters: make(map[shm.Counter]uint64),
		flags:    make(map[shm.Flag]bool),
	}
}

func (s *testSink) Add(c shm.Counter, d uint64) {
	s.mu.Lock()
	s.counters[c] += d
	s.mu.Unlock()
}

func (s *testSink) Store(c shm.Counter, v uint64) {
	s.mu.Lock()
	s.counters[c] = v
	s.mu.Unlock()
}

func (s *testSink) SetFlag(f shm.Flag) {
	s.mu.Lock()
	s.flags[f] = true
	s.mu.Unlock()
}

func (s *testSink) WriteLog(line string) error {
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
	return nil
}

func (s *testSink) get(c shm.Counter) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[c]
}

func (s *testSink) flag(f shm.Flag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags[f]
}

// batch describes a synthesized record database.
type batch struct {
	modules  []records.Hash
	layout   records.Hash
	pass     records.Hash
	graphics []records.Hash
	compute  []records.Hash
}

// buildBatch fills db with a consistent dependency graph: application info,
// a sampler, one set layout feeding one pipeline layout, one render pass,
// nModules shader modules and pipelines referencing them round-robin.
func buildBatch(t *testing.T, db *database.Memory, nModules, nGraphics, nCompute int) batch {
	t.Helper()
	put := func(class records.Class, blob string) records.Hash {
		t.Helper()
		h, err := db.Put(class, []byte(blob))
		if err != nil {
			t.Fatalf("Put(%s) = %v", class, err)
		}
		return h
	}

	put(records.ClassApplicationInfo, `{"name": "replay-test", "api_version": 1}`)
	put(records.ClassSampler, `{"mag_filter": "linear", "min_filter": "linear",
		"address_mode_u": "repeat", "address_mode_v": "repeat", "address_mode_w": "repeat"}`)
	setLayout := put(records.ClassSetLayout,
		`{"bindings": [{"binding": 0, "visibility": "compute", "buffer_type": "storage"}]}`)

	var b batch
	b.layout = put(records.ClassPipelineLayout,
		fmt.Sprintf(`{"set_layouts": [%q]}`, setLayout.String()))
	b.pass = put(records.ClassRenderPass, `{"color_formats": ["rgba8unorm"]}`)

	for i := 0; i < nModules; i++ {
		b.modules = append(b.modules, put(records.ClassShaderModule,
			fmt.Sprintf(`{"wgsl": "fn main_%d() {}"}`, i)))
	}
	for i := 0; i < nGraphics; i++ {
		vert := b.modules[i%nModules]
		frag := b.modules[(i+1)%nModules]
		b.graphics = append(b.graphics, put(records.ClassGraphicsPipeline,
			fmt.Sprintf(`{"vertex_module": %q, "fragment_module": %q, "layout": %q, "render_pass": %q,
				"vertex_entry": "vs_%d", "fragment_entry": "fs_%d"}`,
				vert.String(), frag.String(), b.layout.String(), b.pass.String(), i, i)))
	}
	for i := 0; i < nCompute; i++ {
		b.compute = append(b.compute, put(records.ClassComputePipeline,
			fmt.Sprintf(`{"module": %q, "layout": %q, "entry_point": "cs_%d"}`,
				b.modules[i%nModules].String(), b.layout.String(), i)))
	}
	return b
}

func TestReplayFullBatch(t *testing.T) {
	db := database.NewMemory()
	buildBatch(t, db, 8, 6, 4)
	dev := driver.NewFake()
	sink := newTestSink()

	sched := New(db, dev, sink, testLogger(), Options{NumThreads: 4})
	if err := sched.Run(); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	defer sched.Close()

	if got := dev.AppInfo(); got == nil || got.Name != "replay-test" {
		t.Errorf("AppInfo() = %+v, want name replay-test", got)
	}

	wantCreated := map[records.Class]int{
		records.ClassSampler:          1,
		records.ClassSetLayout:        1,
		records.ClassPipelineLayout:   1,
		records.ClassRenderPass:       1,
		records.ClassShaderModule:     8,
		records.ClassGraphicsPipeline: 6,
		records.ClassComputePipeline:  4,
	}
	for class, want := range wantCreated {
		if got := dev.Created(class); got != want {
			t.Errorf("Created(%s) = %d, want %d", class, got, want)
		}
	}

	counters := map[shm.Counter]uint64{
		shm.GraphicsTotal:     6,
		shm.GraphicsCompleted: 6,
		shm.GraphicsSkipped:   0,
		shm.ComputeTotal:      4,
		shm.ComputeCompleted:  4,
		shm.ComputeSkipped:    0,
		shm.TotalModules:      8,
		shm.BannedModules:     0,
	}
	for c, want := range counters {
		if got := sink.get(c); got != want {
			t.Errorf("counter %d = %d, want %d", c, got, want)
		}
	}
	if !sink.flag(shm.FlagStarted) || !sink.flag(shm.FlagComplete) {
		t.Errorf("flags started=%v complete=%v, want both true",
			sink.flag(shm.FlagStarted), sink.flag(shm.FlagComplete))
	}
}

func TestModulesRealizedBeforePipelines(t *testing.T) {
	// Slow module creation across many workers: if pipelines could start
	// before the barrier, they would observe unrealized modules and skip.
	db := database.NewMemory()
	buildBatch(t, db, 64, 48, 32)
	dev := driver.NewFake()
	dev.CreateHook = func(class records.Class, payload any) error {
		if class == records.ClassShaderModule {
			time.Sleep(time.Millisecond)
		}
		return nil
	}
	sink := newTestSink()

	sched := New(db, dev, sink, testLogger(), Options{NumThreads: 8})
	if err := sched.Run(); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	defer sched.Close()

	if got := sink.get(shm.GraphicsSkipped); got != 0 {
		t.Errorf("GraphicsSkipped = %d, want 0", got)
	}
	if got := sink.get(shm.GraphicsCompleted); got != 48 {
		t.Errorf("GraphicsCompleted = %d, want 48", got)
	}
	if got := sink.get(shm.ComputeCompleted); got != 32 {
		t.Errorf("ComputeCompleted = %d, want 32", got)
	}
}

func TestFailedModuleBansDependentPipelines(t *testing.T) {
	db := database.NewMemory()
	b := buildBatch(t, db, 4, 0, 0)

	// Compute pipelines, one per module, so exactly one depends on the
	// banned module.
	for i, mod := range b.modules {
		if _, err := db.Put(records.ClassComputePipeline,
			[]byte(fmt.Sprintf(`{"module": %q, "layout": %q, "entry_point": "cs_%d"}`,
				mod.String(), b.layout.String(), i))); err != nil {
			t.Fatal(err)
		}
	}

	dev := driver.NewFake()
	dev.CreateHook = func(class records.Class, payload any) error {
		if info, ok := payload.(*records.ShaderModuleInfo); ok && strings.Contains(info.WGSL, "main_2") {
			return errors.New("compiler rejected module")
		}
		return nil
	}
	sink := newTestSink()

	sched := New(db, dev, sink, testLogger(), Options{NumThreads: 4})
	if err := sched.Run(); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	defer sched.Close()

	if got := sink.get(shm.BannedModules); got != 1 {
		t.Errorf("BannedModules = %d, want 1", got)
	}
	if got := sink.get(shm.ComputeSkipped); got != 1 {
		t.Errorf("ComputeSkipped = %d, want 1", got)
	}
	if got := sink.get(shm.ComputeCompleted); got != 3 {
		t.Errorf("ComputeCompleted = %d, want 3", got)
	}
}

func TestMalformedRecordIsSkipped(t *testing.T) {
	db := database.NewMemory()
	buildBatch(t, db, 2, 2, 0)
	db.PutRaw(records.ClassGraphicsPipeline, 0xBAD, []byte(`{"vertex_module": "not a hash"}`))

	sink := newTestSink()
	sched := New(db, driver.NewFake(), sink, testLogger(), Options{NumThreads: 2})
	if err := sched.Run(); err != nil {
		t.Fatalf("Run() = %v, malformed record must not abort the batch", err)
	}
	defer sched.Close()

	if got := sink.get(shm.GraphicsTotal); got != 3 {
		t.Errorf("GraphicsTotal = %d, want 3", got)
	}
	if got := sink.get(shm.GraphicsSkipped); got != 1 {
		t.Errorf("GraphicsSkipped = %d, want 1", got)
	}
	if got := sink.get(shm.GraphicsCompleted); got != 2 {
		t.Errorf("GraphicsCompleted = %d, want 2", got)
	}
	if len(sink.lines) == 0 {
		t.Error("skip produced no log ring line")
	}
}

func TestFilterGraphics(t *testing.T) {
	db := database.NewMemory()
	b := buildBatch(t, db, 4, 5, 3)
	sink := newTestSink()

	sched := New(db, driver.NewFake(), sink, testLogger(), Options{
		NumThreads:     2,
		FilterGraphics: map[records.Hash]struct{}{b.graphics[2]: {}},
	})
	if err := sched.Run(); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	defer sched.Close()

	if got := sink.get(shm.GraphicsCompleted); got != 1 {
		t.Errorf("GraphicsCompleted = %d, want 1", got)
	}
	if got := sink.get(shm.GraphicsSkipped); got != 4 {
		t.Errorf("GraphicsSkipped = %d, want 4", got)
	}
	// Filter applies per class: compute is untouched.
	if got := sink.get(shm.ComputeCompleted); got != 3 {
		t.Errorf("ComputeCompleted = %d, want 3", got)
	}
}

func TestLoopCountRecreates(t *testing.T) {
	const nModules, loops = 4, 3
	db := database.NewMemory()
	buildBatch(t, db, nModules, 0, 0)
	dev := driver.NewFake()

	sched := New(db, dev, NopSink{}, testLogger(), Options{NumThreads: 2, LoopCount: loops})
	if err := sched.Run(); err != nil {
		t.Fatalf("Run() = %v", err)
	}

	// Each module is created loops times and destroyed loops-1 times
	// before Close reclaims the final instance.
	if got := dev.Created(records.ClassShaderModule); got != nModules*loops {
		t.Errorf("Created(shader-module) = %d, want %d", got, nModules*loops)
	}
	if got := dev.Destroyed(records.ClassShaderModule); got != nModules*(loops-1) {
		t.Errorf("Destroyed(shader-module) = %d before Close, want %d", got, nModules*(loops-1))
	}

	sched.Close()
	if got := dev.Live(); got != 0 {
		t.Errorf("Live() = %d after Close, want 0", got)
	}
}

func TestCloseDestroysEverything(t *testing.T) {
	db := database.NewMemory()
	buildBatch(t, db, 8, 6, 4)
	dev := driver.NewFake()

	sched := New(db, dev, NopSink{}, testLogger(), Options{NumThreads: 4})
	if err := sched.Run(); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if dev.Live() == 0 {
		t.Fatal("Live() = 0 after Run, batch created nothing")
	}
	sched.Close()
	if got := dev.Live(); got != 0 {
		t.Errorf("Live() = %d after Close, want 0", got)
	}
}

// failingConfigure wraps Fake to reject the application-info record.
type failingConfigure struct {
	*driver.Fake
}

func (f *failingConfigure) Configure(*records.ApplicationInfo) error {
	return errors.New("no compatible adapter")
}

func TestConfigureFailureAborts(t *testing.T) {
	db := database.NewMemory()
	buildBatch(t, db, 2, 1, 1)

	sched := New(db, &failingConfigure{driver.NewFake()}, NopSink{}, testLogger(), Options{NumThreads: 1})
	if err := sched.Run(); err == nil {
		t.Error("Run() = nil, want device configuration error")
	}
	sched.Close()
}

func TestRerunProducesIdenticalCounters(t *testing.T) {
	db := database.NewMemory()
	buildBatch(t, db, 8, 6, 4)

	run := func() map[shm.Counter]uint64 {
		sink := newTestSink()
		sched := New(db, driver.NewFake(), sink, testLogger(), Options{NumThreads: 4})
		if err := sched.Run(); err != nil {
			t.Fatalf("Run() = %v", err)
		}
		sched.Close()
		sink.mu.Lock()
		defer sink.mu.Unlock()
		out := make(map[shm.Counter]uint64, len(sink.counters))
		for c, v := range sink.counters {
			out[c] = v
		}
		return out
	}

	first := run()
	second := run()
	if len(first) != len(second) {
		t.Fatalf("counter sets differ: %v vs %v", first, second)
	}
	for c, v := range first {
		if second[c] != v {
			t.Errorf("counter %d = %d on rerun, want %d", c, second[c], v)
		}
	}
}

func TestRunOnEmptyDatabase(t *testing.T) {
	sink := newTestSink()
	sched := New(database.NewMemory(), driver.NewFake(), sink, testLogger(), Options{NumThreads: 2})
	if err := sched.Run(); err != nil {
		t.Fatalf("Run() = %v on empty database", err)
	}
	sched.Close()
	if !sink.flag(shm.FlagComplete) {
		t.Error("FlagComplete not set after empty batch")
	}
}
