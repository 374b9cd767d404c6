// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

//go:build !nogpu

package driver

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/replaykit/internal/records"
	"github.com/gogpu/replaykit/internal/shadercache"
)

// WGPU replays records against a real device through wgpu's HAL.
// Shader-module records carrying WGSL are compiled to SPIR-V with naga
// before creation, matching how captures store portable source. Compiled
// words are memoized per source so repeated modules in a batch compile once.
type WGPU struct {
	log      *slog.Logger
	instance hal.Instance
	device   hal.Device
	queue    hal.Queue

	compiled *shadercache.Cache[string, []uint32]
	labelSeq atomic.Uint64
}

// renderPassTarget is the handle WGPU returns for render-pass records.
// wgpu has no render-pass object; pipelines only need the validated
// attachment formats the pass was captured with.
type renderPassTarget struct {
	colorFormats []gputypes.TextureFormat
	depthFormat  gputypes.TextureFormat
	samples      uint32
}

// OpenWGPU brings up a Vulkan-backed HAL device: instance, adapter
// (discrete or integrated preferred), device and queue.
func OpenWGPU(log *slog.Logger) (*WGPU, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("no GPU adapters found")
	}

	var selected *hal.ExposedAdapter
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	if selected == nil {
		selected = &adapters[0]
	}

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("open device: %w", err)
	}

	log.Info("driver: device opened", "adapter", selected.Info.Name)
	return &WGPU{
		log:      log,
		instance: instance,
		device:   openDev.Device,
		queue:    openDev.Queue,
		compiled: shadercache.New[string, []uint32](0, shadercache.StringHasher),
	}, nil
}

// Configure logs the capture's application identity. One HAL device serves
// the whole batch regardless of the captured application.
func (w *WGPU) Configure(info *records.ApplicationInfo) error {
	w.log.Info("driver: replaying capture",
		"application", info.Name,
		"engine", info.EngineName,
		"api_version", info.APIVersion)
	return nil
}

func (w *WGPU) label(kind string) string {
	return fmt.Sprintf("replay_%s_%d", kind, w.labelSeq.Add(1))
}

func (w *WGPU) CreateSampler(info *records.SamplerInfo) (Sampler, error) {
	magFilter, err := parseFilterMode(info.MagFilter)
	if err != nil {
		return nil, fmt.Errorf("%w: sampler: %v", ErrCreation, err)
	}
	minFilter, err := parseFilterMode(info.MinFilter)
	if err != nil {
		return nil, fmt.Errorf("%w: sampler: %v", ErrCreation, err)
	}
	mipFilter := magFilter
	if info.MipmapFilter != "" {
		if mipFilter, err = parseFilterMode(info.MipmapFilter); err != nil {
			return nil, fmt.Errorf("%w: sampler: %v", ErrCreation, err)
		}
	}
	modeU, err := parseAddressMode(info.AddressModeU)
	if err != nil {
		return nil, fmt.Errorf("%w: sampler: %v", ErrCreation, err)
	}
	modeV, err := parseAddressMode(info.AddressModeV)
	if err != nil {
		return nil, fmt.Errorf("%w: sampler: %v", ErrCreation, err)
	}
	modeW, err := parseAddressMode(info.AddressModeW)
	if err != nil {
		return nil, fmt.Errorf("%w: sampler: %v", ErrCreation, err)
	}

	sampler, err := w.device.CreateSampler(&hal.SamplerDescriptor{
		Label:        w.label("sampler"),
		AddressModeU: modeU,
		AddressModeV: modeV,
		AddressModeW: modeW,
		MagFilter:    magFilter,
		MinFilter:    minFilter,
		MipmapFilter: mipFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: sampler: %v", ErrCreation, err)
	}
	return sampler, nil
}

// DestroySampler is a no-op: HAL reclaims samplers with the device.
func (w *WGPU) DestroySampler(Sampler) {}

func (w *WGPU) CreateSetLayout(info *records.SetLayoutInfo) (SetLayout, error) {
	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(info.Bindings))
	for _, b := range info.Bindings {
		visibility, err := parseVisibility(b.Visibility)
		if err != nil {
			return nil, fmt.Errorf("%w: set-layout: %v", ErrCreation, err)
		}
		entry := gputypes.BindGroupLayoutEntry{
			Binding:    b.Binding,
			Visibility: visibility,
		}
		if b.BufferType != "" {
			bufType, err := parseBufferBindingType(b.BufferType)
			if err != nil {
				return nil, fmt.Errorf("%w: set-layout: %v", ErrCreation, err)
			}
			entry.Buffer = &gputypes.BufferBindingLayout{Type: bufType}
		}
		entries = append(entries, entry)
	}

	layout, err := w.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   w.label("bgl"),
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: set-layout: %v", ErrCreation, err)
	}
	return layout, nil
}

func (w *WGPU) DestroySetLayout(l SetLayout) {
	if l == nil {
		return
	}
	w.device.DestroyBindGroupLayout(l.(hal.BindGroupLayout))
}

func (w *WGPU) CreatePipelineLayout(spec PipelineLayoutSpec) (PipelineLayout, error) {
	layouts := make([]hal.BindGroupLayout, len(spec.SetLayouts))
	for i, sl := range spec.SetLayouts {
		if sl == nil {
			return nil, fmt.Errorf("%w: pipeline-layout: set layout %d is nil", ErrCreation, i)
		}
		layouts[i] = sl.(hal.BindGroupLayout)
	}
	layout, err := w.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            w.label("pl"),
		BindGroupLayouts: layouts,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pipeline-layout: %v", ErrCreation, err)
	}
	return layout, nil
}

func (w *WGPU) DestroyPipelineLayout(l PipelineLayout) {
	if l == nil {
		return
	}
	w.device.DestroyPipelineLayout(l.(hal.PipelineLayout))
}

func (w *WGPU) CreateShaderModule(info *records.ShaderModuleInfo) (ShaderModule, error) {
	spirv := info.SPIRV
	if len(spirv) == 0 {
		words, err := w.compiled.GetOrCompile(info.WGSL, func() ([]uint32, error) {
			return compileWGSL(info.WGSL)
		})
		if err != nil {
			return nil, fmt.Errorf("%w: shader-module: %v", ErrCreation, err)
		}
		spirv = words
	}
	module, err := w.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  w.label("shader"),
		Source: hal.ShaderSource{SPIRV: spirv},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: shader-module: %v", ErrCreation, err)
	}
	return module, nil
}

func (w *WGPU) DestroyShaderModule(m ShaderModule) {
	if m == nil {
		return
	}
	w.device.DestroyShaderModule(m.(hal.ShaderModule))
}

func (w *WGPU) CreateRenderPass(info *records.RenderPassInfo) (RenderPass, error) {
	target := &renderPassTarget{samples: info.Samples}
	if target.samples == 0 {
		target.samples = 1
	}
	for _, f := range info.ColorFormats {
		format, err := parseTextureFormat(f)
		if err != nil {
			return nil, fmt.Errorf("%w: render-pass: %v", ErrCreation, err)
		}
		target.colorFormats = append(target.colorFormats, format)
	}
	if info.DepthFormat != "" {
		format, err := parseTextureFormat(info.DepthFormat)
		if err != nil {
			return nil, fmt.Errorf("%w: render-pass: %v", ErrCreation, err)
		}
		target.depthFormat = format
	}
	return target, nil
}

func (w *WGPU) DestroyRenderPass(RenderPass) {}

func (w *WGPU) CreateGraphicsPipeline(spec GraphicsPipelineSpec) (Pipeline, error) {
	if spec.Vertex == nil || spec.Layout == nil || spec.Pass == nil {
		return nil, fmt.Errorf("%w: graphics-pipeline: unresolved dependency", ErrCreation)
	}
	pass := spec.Pass.(*renderPassTarget)

	topology, err := parseTopology(spec.Info.Topology)
	if err != nil {
		return nil, fmt.Errorf("%w: graphics-pipeline: %v", ErrCreation, err)
	}

	desc := &hal.RenderPipelineDescriptor{
		Label:  w.label("graphics"),
		Layout: spec.Layout.(hal.PipelineLayout),
		Vertex: hal.VertexState{
			Module:     spec.Vertex.(hal.ShaderModule),
			EntryPoint: spec.Info.VertexEntry,
		},
		Primitive: gputypes.PrimitiveState{
			Topology: topology,
			CullMode: gputypes.CullModeNone,
		},
		Multisample: gputypes.MultisampleState{
			Count: pass.samples,
			Mask:  0xFFFFFFFF,
		},
	}
	if spec.Fragment != nil {
		targets := make([]gputypes.ColorTargetState, len(pass.colorFormats))
		for i, format := range pass.colorFormats {
			targets[i] = gputypes.ColorTargetState{
				Format:    format,
				WriteMask: gputypes.ColorWriteMaskAll,
			}
		}
		desc.Fragment = &hal.FragmentState{
			Module:     spec.Fragment.(hal.ShaderModule),
			EntryPoint: spec.Info.FragmentEntry,
			Targets:    targets,
		}
	}

	pipeline, err := w.device.CreateRenderPipeline(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: graphics-pipeline: %v", ErrCreation, err)
	}
	return pipeline, nil
}

func (w *WGPU) CreateComputePipeline(spec ComputePipelineSpec) (Pipeline, error) {
	if spec.Module == nil || spec.Layout == nil {
		return nil, fmt.Errorf("%w: compute-pipeline: unresolved dependency", ErrCreation)
	}
	pipeline, err := w.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  w.label("compute"),
		Layout: spec.Layout.(hal.PipelineLayout),
		Compute: hal.ComputeState{
			Module:     spec.Module.(hal.ShaderModule),
			EntryPoint: spec.Info.EntryPoint,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: compute-pipeline: %v", ErrCreation, err)
	}
	return pipeline, nil
}

func (w *WGPU) DestroyPipeline(p Pipeline) {
	switch pipeline := p.(type) {
	case nil:
	case hal.RenderPipeline:
		w.device.DestroyRenderPipeline(pipeline)
	case hal.ComputePipeline:
		w.device.DestroyComputePipeline(pipeline)
	}
}

// Close tears down the device and instance in reverse bring-up order.
func (w *WGPU) Close() {
	if w.compiled != nil {
		st := w.compiled.Stats()
		w.log.Debug("driver: shader compile cache",
			"entries", st.Len, "hits", st.Hits, "misses", st.Misses, "evictions", st.Evictions)
	}
	if w.device != nil {
		w.device.Destroy()
		w.device = nil
	}
	if w.instance != nil {
		w.instance.Destroy()
		w.instance = nil
	}
	w.queue = nil
}

// compileWGSL compiles WGSL source to SPIR-V words.
func compileWGSL(source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("compile shader: %w", err)
	}
	// SPIR-V is little-endian 32-bit words.
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

func parseFilterMode(s string) (gputypes.FilterMode, error) {
	switch s {
	case "linear":
		return gputypes.FilterModeLinear, nil
	case "nearest":
		return gputypes.FilterModeNearest, nil
	}
	return 0, fmt.Errorf("unknown filter mode %q", s)
}

func parseAddressMode(s string) (gputypes.AddressMode, error) {
	switch s {
	case "clamp-to-edge":
		return gputypes.AddressModeClampToEdge, nil
	case "repeat":
		return gputypes.AddressModeRepeat, nil
	case "mirror-repeat":
		return gputypes.AddressModeMirrorRepeat, nil
	}
	return 0, fmt.Errorf("unknown address mode %q", s)
}

func parseVisibility(s string) (gputypes.ShaderStage, error) {
	switch s {
	case "vertex":
		return gputypes.ShaderStageVertex, nil
	case "fragment":
		return gputypes.ShaderStageFragment, nil
	case "compute":
		return gputypes.ShaderStageCompute, nil
	}
	return 0, fmt.Errorf("unknown shader stage %q", s)
}

func parseBufferBindingType(s string) (gputypes.BufferBindingType, error) {
	switch s {
	case "uniform":
		return gputypes.BufferBindingTypeUniform, nil
	case "storage":
		return gputypes.BufferBindingTypeStorage, nil
	case "read-only-storage":
		return gputypes.BufferBindingTypeReadOnlyStorage, nil
	}
	return 0, fmt.Errorf("unknown buffer binding type %q", s)
}

func parseTextureFormat(s string) (gputypes.TextureFormat, error) {
	switch s {
	case "rgba8unorm":
		return gputypes.TextureFormatRGBA8Unorm, nil
	case "bgra8unorm":
		return gputypes.TextureFormatBGRA8Unorm, nil
	case "r8unorm":
		return gputypes.TextureFormatR8Unorm, nil
	case "depth24plus-stencil8":
		return gputypes.TextureFormatDepth24PlusStencil8, nil
	}
	return gputypes.TextureFormatUndefined, fmt.Errorf("unknown texture format %q", s)
}

func parseTopology(s string) (gputypes.PrimitiveTopology, error) {
	switch s {
	case "", "triangle-list":
		return gputypes.PrimitiveTopologyTriangleList, nil
	}
	return 0, fmt.Errorf("unknown topology %q", s)
}
