package driver

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/replaykit/internal/records"
)

// Fake is a deterministic in-memory Device. It hands out serial-numbered
// handles, counts every create/destroy per kind, and lets tests script
// failures (or a hard process death) through CreateHook.
//
// Fake also backs the --null-driver CLI mode, which replays a database
// without touching a real GPU.
type Fake struct {
	// CreateHook, when non-nil, runs before every creation call with the
	// class being created and its info/spec. Returning an error fails
	// that creation. A hook that never returns (os.Exit) simulates a
	// driver crash.
	CreateHook func(class records.Class, payload any) error

	serial atomic.Uint64

	mu        sync.Mutex
	appInfo   *records.ApplicationInfo
	created   map[records.Class]int
	destroyed map[records.Class]int
	live      map[*FakeHandle]struct{}
	cache     []byte
}

// FakeHandle is the handle type Fake hands out for every kind.
type FakeHandle struct {
	Class  records.Class
	Serial uint64
}

// NewFake returns an empty fake device.
func NewFake() *Fake {
	return &Fake{
		created:   make(map[records.Class]int),
		destroyed: make(map[records.Class]int),
		live:      make(map[*FakeHandle]struct{}),
	}
}

func (f *Fake) create(class records.Class, payload any) (*FakeHandle, error) {
	if f.CreateHook != nil {
		if err := f.CreateHook(class, payload); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCreation, class, err)
		}
	}
	h := &FakeHandle{Class: class, Serial: f.serial.Add(1)}
	f.mu.Lock()
	f.created[class]++
	f.live[h] = struct{}{}
	f.mu.Unlock()
	return h, nil
}

func (f *Fake) destroy(h any) {
	if h == nil {
		return
	}
	fh := h.(*FakeHandle)
	f.mu.Lock()
	f.destroyed[fh.Class]++
	delete(f.live, fh)
	f.mu.Unlock()
}

// Configure records the application info for later inspection.
func (f *Fake) Configure(info *records.ApplicationInfo) error {
	f.mu.Lock()
	f.appInfo = info
	f.mu.Unlock()
	return nil
}

func (f *Fake) CreateSampler(info *records.SamplerInfo) (Sampler, error) {
	return f.create(records.ClassSampler, info)
}
func (f *Fake) DestroySampler(s Sampler) { f.destroy(s) }

func (f *Fake) CreateSetLayout(info *records.SetLayoutInfo) (SetLayout, error) {
	return f.create(records.ClassSetLayout, info)
}
func (f *Fake) DestroySetLayout(l SetLayout) { f.destroy(l) }

func (f *Fake) CreatePipelineLayout(spec PipelineLayoutSpec) (PipelineLayout, error) {
	for i, sl := range spec.SetLayouts {
		if sl == nil {
			return nil, fmt.Errorf("%w: pipeline-layout: set layout %d is nil", ErrCreation, i)
		}
	}
	return f.create(records.ClassPipelineLayout, spec)
}
func (f *Fake) DestroyPipelineLayout(l PipelineLayout) { f.destroy(l) }

func (f *Fake) CreateShaderModule(info *records.ShaderModuleInfo) (ShaderModule, error) {
	return f.create(records.ClassShaderModule, info)
}
func (f *Fake) DestroyShaderModule(m ShaderModule) { f.destroy(m) }

func (f *Fake) CreateRenderPass(info *records.RenderPassInfo) (RenderPass, error) {
	return f.create(records.ClassRenderPass, info)
}
func (f *Fake) DestroyRenderPass(p RenderPass) { f.destroy(p) }

func (f *Fake) CreateGraphicsPipeline(spec GraphicsPipelineSpec) (Pipeline, error) {
	if spec.Vertex == nil {
		return nil, fmt.Errorf("%w: graphics-pipeline: vertex module is nil", ErrCreation)
	}
	if spec.Layout == nil || spec.Pass == nil {
		return nil, fmt.Errorf("%w: graphics-pipeline: unresolved dependency", ErrCreation)
	}
	return f.create(records.ClassGraphicsPipeline, spec)
}

func (f *Fake) CreateComputePipeline(spec ComputePipelineSpec) (Pipeline, error) {
	if spec.Module == nil || spec.Layout == nil {
		return nil, fmt.Errorf("%w: compute-pipeline: unresolved dependency", ErrCreation)
	}
	return f.create(records.ClassComputePipeline, spec)
}

func (f *Fake) DestroyPipeline(p Pipeline) { f.destroy(p) }

func (f *Fake) Close() {}

// LoadPipelineCache stores the snapshot for SavePipelineCache to return.
func (f *Fake) LoadPipelineCache(data []byte) error {
	f.mu.Lock()
	f.cache = append([]byte(nil), data...)
	f.mu.Unlock()
	return nil
}

// SavePipelineCache returns the last loaded snapshot.
func (f *Fake) SavePipelineCache() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.cache...), nil
}

// Created returns how many objects of a class were created.
func (f *Fake) Created(class records.Class) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[class]
}

// Destroyed returns how many objects of a class were destroyed.
func (f *Fake) Destroyed(class records.Class) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed[class]
}

// Live returns the number of created-but-not-destroyed handles.
func (f *Fake) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// AppInfo returns the info passed to Configure, or nil.
func (f *Fake) AppInfo() *records.ApplicationInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appInfo
}
