// Package replay drives object re-creation from a record database against a
// driver device: a single producer walks the resource classes in dependency
// order, fans the expensive kinds out to a worker pool, and publishes
// progress through a ProgressSink so a supervisor can account for a crash at
// any instant.
package replay

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/gogpu/replaykit/internal/database"
	"github.com/gogpu/replaykit/internal/driver"
	"github.com/gogpu/replaykit/internal/queue"
	"github.com/gogpu/replaykit/internal/records"
	"github.com/gogpu/replaykit/internal/shm"
)

// Options configures a replay run.
type Options struct {
	// NumThreads is the worker pool size; 0 means GOMAXPROCS.
	NumThreads int

	// LoopCount re-creates each parallel object this many times, destroying
	// the previous instance first. 0 means once.
	LoopCount int

	// FilterGraphics, when non-nil, restricts graphics pipeline replay to
	// the listed hashes; everything else is counted as skipped. FilterCompute
	// is the compute equivalent.
	FilterGraphics map[records.Hash]struct{}
	FilterCompute  map[records.Hash]struct{}
}

// workItem is one unit handed to the worker pool. Class selects which payload
// field is set; slot receives the created handle.
type workItem struct {
	class records.Class
	hash  records.Hash
	slot  *Slot

	shader   *records.ShaderModuleInfo
	graphics driver.GraphicsPipelineSpec
	compute  driver.ComputePipelineSpec
}

// Scheduler owns one replay run over a database.
type Scheduler struct {
	db   database.Database
	dev  driver.Device
	sink ProgressSink
	log  *slog.Logger
	opts Options

	q       *queue.Queue[workItem]
	wg      sync.WaitGroup
	tables  Tables
	timings Timings

	configured bool
}

// playbackOrder is the class sequence; each class only depends on classes
// before it, with the worker barrier in Run supplying the cross-thread edge
// from shader modules to pipelines.
var playbackOrder = [...]records.Class{
	records.ClassApplicationInfo,
	records.ClassShaderModule,
	records.ClassSampler,
	records.ClassSetLayout,
	records.ClassPipelineLayout,
	records.ClassRenderPass,
	records.ClassGraphicsPipeline,
	records.ClassComputePipeline,
}

// New builds a scheduler. The caller keeps ownership of db and dev; Close
// destroys created objects but closes neither.
func New(db database.Database, dev driver.Device, sink ProgressSink, log *slog.Logger, opts Options) *Scheduler {
	if opts.NumThreads <= 0 {
		opts.NumThreads = runtime.GOMAXPROCS(0)
	}
	if opts.LoopCount <= 0 {
		opts.LoopCount = 1
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Scheduler{
		db:   db,
		dev:  dev,
		sink: sink,
		log:  log,
		opts: opts,
		q:    queue.New[workItem](),
	}
}

// Run replays every class in playback order. Shader modules and pipelines go
// through the worker pool; the queue is drained after the last inline class
// so every module handle exists before the first pipeline resolves it, and
// again at the end. The started flag is published before the first class and
// the complete flag after the final drain.
func (s *Scheduler) Run() error {
	for i := 0; i < s.opts.NumThreads; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	defer func() {
		s.q.Shutdown()
		s.wg.Wait()
	}()

	s.sink.SetFlag(shm.FlagStarted)
	start := time.Now()

	for _, class := range playbackOrder {
		if err := s.replayClass(class); err != nil {
			return err
		}
		if class == records.ClassRenderPass {
			s.q.Drain()
		}
	}
	s.q.Drain()
	s.sink.SetFlag(shm.FlagComplete)

	s.report(time.Since(start))
	return nil
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		item, ok := s.q.PopBlocking()
		if !ok {
			return
		}
		s.execute(item)
		s.q.MarkDone()
	}
}

// replayClass enumerates one class and feeds its records through decode and
// creation. Database errors are fatal; a bad or failing record only skips
// itself.
func (s *Scheduler) replayClass(class records.Class) error {
	hashes, err := s.db.Enumerate(class)
	if err != nil {
		return fmt.Errorf("enumerate %s: %w", class, err)
	}
	s.publishTotal(class, uint64(len(hashes)))

	for _, hash := range hashes {
		blob, err := s.db.ReadBlob(class, hash)
		if err != nil {
			s.skip(class, hash, err)
			continue
		}
		info, err := records.Decode(class, blob)
		if err != nil {
			s.skip(class, hash, err)
			continue
		}
		if err := s.replayRecord(class, hash, info); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) publishTotal(class records.Class, n uint64) {
	switch class {
	case records.ClassShaderModule:
		s.sink.Store(shm.TotalModules, n)
	case records.ClassGraphicsPipeline:
		s.sink.Store(shm.GraphicsTotal, n)
	case records.ClassComputePipeline:
		s.sink.Store(shm.ComputeTotal, n)
	}
}

// skip accounts one record that will produce no object and reports it both
// locally and through the sink's log ring.
func (s *Scheduler) skip(class records.Class, hash records.Hash, err error) {
	switch class {
	case records.ClassShaderModule:
		s.sink.Add(shm.BannedModules, 1)
	case records.ClassGraphicsPipeline:
		s.sink.Add(shm.GraphicsSkipped, 1)
	case records.ClassComputePipeline:
		s.sink.Add(shm.ComputeSkipped, 1)
	}
	s.log.Warn("skipping record", "class", class.String(), "hash", hash.String(), "err", err)
	_ = s.sink.WriteLog(fmt.Sprintf("skip %s %s: %v", class, hash, err))
}

// replayRecord dispatches one decoded record: inline kinds are created on the
// spot, parallel kinds are resolved and queued. Only a failure to configure
// the device is fatal.
func (s *Scheduler) replayRecord(class records.Class, hash records.Hash, info any) error {
	switch class {
	case records.ClassApplicationInfo:
		if s.configured {
			return nil
		}
		s.configured = true
		if err := s.dev.Configure(info.(*records.ApplicationInfo)); err != nil {
			return fmt.Errorf("configure device: %w", err)
		}

	case records.ClassShaderModule:
		s.q.Push(workItem{
			class:  class,
			hash:   hash,
			slot:   s.tables.ShaderModules.Reserve(hash),
			shader: info.(*records.ShaderModuleInfo),
		})

	case records.ClassSampler:
		h, err := s.dev.CreateSampler(info.(*records.SamplerInfo))
		if err != nil {
			s.skip(class, hash, err)
			return nil
		}
		s.tables.Samplers.Reserve(hash).Set(h)

	case records.ClassSetLayout:
		h, err := s.dev.CreateSetLayout(info.(*records.SetLayoutInfo))
		if err != nil {
			s.skip(class, hash, err)
			return nil
		}
		s.tables.SetLayouts.Reserve(hash).Set(h)

	case records.ClassPipelineLayout:
		layoutInfo := info.(*records.PipelineLayoutInfo)
		spec := driver.PipelineLayoutSpec{Info: layoutInfo}
		for _, dep := range layoutInfo.SetLayouts {
			h, ok := s.tables.SetLayouts.Get(dep)
			if !ok {
				s.skip(class, hash, fmt.Errorf("set layout %s not realized", dep))
				return nil
			}
			spec.SetLayouts = append(spec.SetLayouts, h)
		}
		h, err := s.dev.CreatePipelineLayout(spec)
		if err != nil {
			s.skip(class, hash, err)
			return nil
		}
		s.tables.PipelineLayouts.Reserve(hash).Set(h)

	case records.ClassRenderPass:
		h, err := s.dev.CreateRenderPass(info.(*records.RenderPassInfo))
		if err != nil {
			s.skip(class, hash, err)
			return nil
		}
		s.tables.RenderPasses.Reserve(hash).Set(h)

	case records.ClassGraphicsPipeline:
		s.queueGraphics(hash, info.(*records.GraphicsPipelineInfo))

	case records.ClassComputePipeline:
		s.queueCompute(hash, info.(*records.ComputePipelineInfo))
	}
	return nil
}

func (s *Scheduler) queueGraphics(hash records.Hash, info *records.GraphicsPipelineInfo) {
	if s.opts.FilterGraphics != nil {
		if _, ok := s.opts.FilterGraphics[hash]; !ok {
			s.sink.Add(shm.GraphicsSkipped, 1)
			return
		}
	}
	spec := driver.GraphicsPipelineSpec{Info: info}
	var ok bool
	if spec.Vertex, ok = s.tables.ShaderModules.Get(info.VertexModule); !ok {
		s.skip(records.ClassGraphicsPipeline, hash, fmt.Errorf("vertex module %s not realized", info.VertexModule))
		return
	}
	if info.FragmentModule != 0 {
		if spec.Fragment, ok = s.tables.ShaderModules.Get(info.FragmentModule); !ok {
			s.skip(records.ClassGraphicsPipeline, hash, fmt.Errorf("fragment module %s not realized", info.FragmentModule))
			return
		}
	}
	if spec.Layout, ok = s.tables.PipelineLayouts.Get(info.Layout); !ok {
		s.skip(records.ClassGraphicsPipeline, hash, fmt.Errorf("pipeline layout %s not realized", info.Layout))
		return
	}
	if spec.Pass, ok = s.tables.RenderPasses.Get(info.RenderPass); !ok {
		s.skip(records.ClassGraphicsPipeline, hash, fmt.Errorf("render pass %s not realized", info.RenderPass))
		return
	}
	s.q.Push(workItem{
		class:    records.ClassGraphicsPipeline,
		hash:     hash,
		slot:     s.tables.GraphicsPipelines.Reserve(hash),
		graphics: spec,
	})
}

func (s *Scheduler) queueCompute(hash records.Hash, info *records.ComputePipelineInfo) {
	if s.opts.FilterCompute != nil {
		if _, ok := s.opts.FilterCompute[hash]; !ok {
			s.sink.Add(shm.ComputeSkipped, 1)
			return
		}
	}
	spec := driver.ComputePipelineSpec{Info: info}
	var ok bool
	if spec.Module, ok = s.tables.ShaderModules.Get(info.Module); !ok {
		s.skip(records.ClassComputePipeline, hash, fmt.Errorf("module %s not realized", info.Module))
		return
	}
	if spec.Layout, ok = s.tables.PipelineLayouts.Get(info.Layout); !ok {
		s.skip(records.ClassComputePipeline, hash, fmt.Errorf("pipeline layout %s not realized", info.Layout))
		return
	}
	s.q.Push(workItem{
		class:   records.ClassComputePipeline,
		hash:    hash,
		slot:    s.tables.ComputePipelines.Reserve(hash),
		compute: spec,
	})
}

// execute runs one parallel item, re-creating LoopCount times. The previous
// instance is destroyed before each re-creation so loops measure a cold
// create, not a cache hit on a live object.
func (s *Scheduler) execute(item workItem) {
	for i := 0; i < s.opts.LoopCount; i++ {
		switch item.class {
		case records.ClassShaderModule:
			if prev := item.slot.Handle(); prev != nil {
				s.dev.DestroyShaderModule(prev)
				item.slot.Set(nil)
			}
			begin := time.Now()
			h, err := s.dev.CreateShaderModule(item.shader)
			if err != nil {
				s.log.Warn("shader module creation failed", "hash", item.hash.String(), "err", err)
				continue
			}
			s.timings.ShaderModules.Record(time.Since(begin))
			item.slot.Set(h)

		case records.ClassGraphicsPipeline:
			if prev := item.slot.Handle(); prev != nil {
				s.dev.DestroyPipeline(prev)
				item.slot.Set(nil)
			}
			begin := time.Now()
			h, err := s.dev.CreateGraphicsPipeline(item.graphics)
			if err != nil {
				s.log.Warn("graphics pipeline creation failed", "hash", item.hash.String(), "err", err)
				continue
			}
			s.timings.GraphicsPipelines.Record(time.Since(begin))
			item.slot.Set(h)

		case records.ClassComputePipeline:
			if prev := item.slot.Handle(); prev != nil {
				s.dev.DestroyPipeline(prev)
				item.slot.Set(nil)
			}
			begin := time.Now()
			h, err := s.dev.CreateComputePipeline(item.compute)
			if err != nil {
				s.log.Warn("compute pipeline creation failed", "hash", item.hash.String(), "err", err)
				continue
			}
			s.timings.ComputePipelines.Record(time.Since(begin))
			item.slot.Set(h)
		}
	}
	s.account(item)
}

// account publishes the final outcome of one item exactly once, after its
// last loop iteration.
func (s *Scheduler) account(item workItem) {
	success := item.slot.Handle() != nil
	switch item.class {
	case records.ClassShaderModule:
		if !success {
			s.sink.Add(shm.BannedModules, 1)
			_ = s.sink.WriteLog(fmt.Sprintf("banned module %s", item.hash))
		}
	case records.ClassGraphicsPipeline:
		if success {
			s.sink.Add(shm.GraphicsCompleted, 1)
		} else {
			s.sink.Add(shm.GraphicsSkipped, 1)
		}
	case records.ClassComputePipeline:
		if success {
			s.sink.Add(shm.ComputeCompleted, 1)
		} else {
			s.sink.Add(shm.ComputeSkipped, 1)
		}
	}
}

// Tables exposes the result tables for inspection after Run.
func (s *Scheduler) Tables() *Tables { return &s.tables }

// Timings exposes the per-kind creation time accumulators.
func (s *Scheduler) Timings() *Timings { return &s.timings }

func (s *Scheduler) report(elapsed time.Duration) {
	mods, modTime := s.timings.ShaderModules.Totals()
	gfx, gfxTime := s.timings.GraphicsPipelines.Totals()
	comp, compTime := s.timings.ComputePipelines.Totals()
	s.log.Info("replay finished",
		"elapsed", elapsed,
		"modules", mods, "module_time", modTime,
		"graphics", gfx, "graphics_time", gfxTime,
		"compute", comp, "compute_time", compTime,
	)
}

// Close destroys every created object, dependents before dependencies. The
// worker pool is already stopped by Run's deferred shutdown; Close must not
// race a live Run.
func (s *Scheduler) Close() {
	s.tables.GraphicsPipelines.Range(func(_ records.Hash, h any) { s.dev.DestroyPipeline(h) })
	s.tables.ComputePipelines.Range(func(_ records.Hash, h any) { s.dev.DestroyPipeline(h) })
	s.tables.ShaderModules.Range(func(_ records.Hash, h any) { s.dev.DestroyShaderModule(h) })
	s.tables.RenderPasses.Range(func(_ records.Hash, h any) { s.dev.DestroyRenderPass(h) })
	s.tables.PipelineLayouts.Range(func(_ records.Hash, h any) { s.dev.DestroyPipelineLayout(h) })
	s.tables.SetLayouts.Range(func(_ records.Hash, h any) { s.dev.DestroySetLayout(h) })
	s.tables.Samplers.Range(func(_ records.Hash, h any) { s.dev.DestroySampler(h) })
}
