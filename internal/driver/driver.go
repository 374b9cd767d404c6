// Package driver is the boundary between replay and the GPU.
//
// Device exposes one creation call per resource kind and one idempotent
// destroy per kind. Creation calls may be slow and may crash the process;
// callers must never invoke them while holding queue or control-block locks.
// The shipped implementations are a wgpu/hal-backed device and an in-memory
// fake for tests.
package driver

import (
	"errors"

	"github.com/gogpu/replaykit/internal/records"
)

// ErrCreation marks a driver-side failure to create an object. Like a
// deserialization failure, it is local to one record.
var ErrCreation = errors.New("driver: creation failed")

// Opaque per-kind handles. A nil handle means "not created"; every Destroy
// accepts nil and does nothing.
type (
	Sampler        any
	SetLayout      any
	PipelineLayout any
	ShaderModule   any
	RenderPass     any
	Pipeline       any
)

// PipelineLayoutSpec pairs the decoded record with its resolved set-layout
// handles, in record order.
type PipelineLayoutSpec struct {
	Info       *records.PipelineLayoutInfo
	SetLayouts []SetLayout
}

// GraphicsPipelineSpec carries a graphics-pipeline record with every
// dependency hash already resolved to a live handle. Fragment is nil for
// vertex-only pipelines.
type GraphicsPipelineSpec struct {
	Info     *records.GraphicsPipelineInfo
	Vertex   ShaderModule
	Fragment ShaderModule
	Layout   PipelineLayout
	Pass     RenderPass
}

// ComputePipelineSpec carries a compute-pipeline record with resolved
// dependencies.
type ComputePipelineSpec struct {
	Info   *records.ComputePipelineInfo
	Module ShaderModule
	Layout PipelineLayout
}

// Device is one GPU driver connection. Creation methods for shader modules
// and pipelines are called concurrently from replay worker goroutines; the
// inline kinds (sampler, layouts, render pass) only from the scheduler
// goroutine. Destroy methods are called during teardown from one goroutine.
type Device interface {
	// Configure applies the batch's application-info record. Called at
	// most once, before any creation call.
	Configure(info *records.ApplicationInfo) error

	CreateSampler(info *records.SamplerInfo) (Sampler, error)
	DestroySampler(s Sampler)

	CreateSetLayout(info *records.SetLayoutInfo) (SetLayout, error)
	DestroySetLayout(l SetLayout)

	CreatePipelineLayout(spec PipelineLayoutSpec) (PipelineLayout, error)
	DestroyPipelineLayout(l PipelineLayout)

	CreateShaderModule(info *records.ShaderModuleInfo) (ShaderModule, error)
	DestroyShaderModule(m ShaderModule)

	CreateRenderPass(info *records.RenderPassInfo) (RenderPass, error)
	DestroyRenderPass(p RenderPass)

	CreateGraphicsPipeline(spec GraphicsPipelineSpec) (Pipeline, error)
	CreateComputePipeline(spec ComputePipelineSpec) (Pipeline, error)
	DestroyPipeline(p Pipeline)

	Close()
}

// PipelineCacher is implemented by devices that can snapshot and restore a
// driver pipeline cache. Devices without cache support simply do not
// implement it; callers probe with a type assertion.
type PipelineCacher interface {
	LoadPipelineCache(data []byte) error
	SavePipelineCache() ([]byte, error)
}
