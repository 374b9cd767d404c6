// Package records defines the serialized record model for captured GPU
// object creation state: content hashes, resource classes, and the
// create-info structure for each class.
//
// Records travel as JSON blobs inside a content-addressed database. A blob is
// validated against its class schema and decoded with Decode; its content
// hash is the FNV-1a digest of the RFC 8785 canonical form, so formatting
// differences never produce distinct hashes.
package records

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Hash is the content identifier of a record blob.
type Hash uint64

// String formats the hash the way replay logs and filters spell it.
func (h Hash) String() string { return fmt.Sprintf("%016x", uint64(h)) }

// ParseHash parses the 16-digit hex spelling used by logs and CLI filters.
func ParseHash(s string) (Hash, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("records: bad hash %q: %w", s, err)
	}
	return Hash(v), nil
}

// MarshalJSON encodes the hash as a hex string. Hashes use the full 64-bit
// range, which JSON numbers cannot carry through RFC 8785 canonicalization.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// Class identifies one category of replayable GPU object.
type Class uint8

const (
	ClassApplicationInfo Class = iota
	ClassShaderModule
	ClassSampler
	ClassSetLayout
	ClassPipelineLayout
	ClassRenderPass
	ClassGraphicsPipeline
	ClassComputePipeline

	ClassCount
)

var classNames = [ClassCount]string{
	"application-info",
	"shader-module",
	"sampler",
	"set-layout",
	"pipeline-layout",
	"render-pass",
	"graphics-pipeline",
	"compute-pipeline",
}

func (c Class) String() string {
	if c >= ClassCount {
		return fmt.Sprintf("class(%d)", uint8(c))
	}
	return classNames[c]
}

// ApplicationInfo describes the capturing application. It is replayed first
// so the driver can be configured before any object creation.
type ApplicationInfo struct {
	Name       string `json:"name"`
	EngineName string `json:"engine_name,omitempty"`
	APIVersion uint32 `json:"api_version"`
}

// ShaderModuleInfo carries shader source. Exactly one of WGSL or SPIRV is
// populated; WGSL records are compiled at creation time.
type ShaderModuleInfo struct {
	WGSL  string   `json:"wgsl,omitempty"`
	SPIRV []uint32 `json:"spirv,omitempty"`
}

// SamplerInfo mirrors the sampler state the capture recorded.
// Filter and address mode values use WebGPU spellings ("linear", "nearest",
// "clamp-to-edge", "repeat", "mirror-repeat").
type SamplerInfo struct {
	MagFilter    string `json:"mag_filter"`
	MinFilter    string `json:"min_filter"`
	MipmapFilter string `json:"mipmap_filter,omitempty"`
	AddressModeU string `json:"address_mode_u"`
	AddressModeV string `json:"address_mode_v"`
	AddressModeW string `json:"address_mode_w"`
}

// SetLayoutBinding is one resource binding in a descriptor-set layout.
type SetLayoutBinding struct {
	Binding    uint32 `json:"binding"`
	Visibility string `json:"visibility"`            // "vertex", "fragment", "compute"
	BufferType string `json:"buffer_type,omitempty"` // "uniform", "storage", "read-only-storage"
}

// SetLayoutInfo describes a descriptor-set (bind-group) layout.
type SetLayoutInfo struct {
	Bindings []SetLayoutBinding `json:"bindings"`
}

// PipelineLayoutInfo references set layouts by content hash.
type PipelineLayoutInfo struct {
	SetLayouts       []Hash `json:"set_layouts"`
	PushConstantSize uint32 `json:"push_constant_size,omitempty"`
}

// RenderPassInfo records the attachment formats a graphics pipeline was
// compiled against.
type RenderPassInfo struct {
	ColorFormats []string `json:"color_formats"`
	DepthFormat  string   `json:"depth_format,omitempty"`
	Samples      uint32   `json:"samples,omitempty"`
}

// GraphicsPipelineInfo references its dependencies by content hash. The
// referenced modules, layout and render pass must be realized before the
// pipeline is created.
type GraphicsPipelineInfo struct {
	VertexModule    Hash   `json:"vertex_module"`
	FragmentModule  Hash   `json:"fragment_module,omitempty"`
	Layout          Hash   `json:"layout"`
	RenderPass      Hash   `json:"render_pass"`
	VertexEntry     string `json:"vertex_entry"`
	FragmentEntry   string `json:"fragment_entry,omitempty"`
	Topology        string `json:"topology,omitempty"`
	ColorTargetMask uint32 `json:"color_target_mask,omitempty"`
}

// ComputePipelineInfo references its module and layout by content hash.
type ComputePipelineInfo struct {
	Module     Hash   `json:"module"`
	Layout     Hash   `json:"layout"`
	EntryPoint string `json:"entry_point"`
}
