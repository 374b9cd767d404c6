package records

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// ErrDeserialize marks a blob that failed schema validation or decoding.
// A deserialization failure is local to one record; replay logs it, skips
// the record and continues with the rest of the batch.
var ErrDeserialize = errors.New("records: deserialize failed")

// Per-class JSON schemas. Validation runs before decoding so a malformed
// blob is rejected with a structural error instead of a partially filled
// struct.
var classSchemas = [ClassCount]string{
	ClassApplicationInfo: `{
		"type": "object",
		"required": ["name", "api_version"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"engine_name": {"type": "string"},
			"api_version": {"type": "integer", "minimum": 0}
		}
	}`,
	ClassShaderModule: `{
		"type": "object",
		"properties": {
			"wgsl": {"type": "string"},
			"spirv": {"type": "array", "items": {"type": "integer", "minimum": 0}}
		}
	}`,
	ClassSampler: `{
		"type": "object",
		"required": ["mag_filter", "min_filter", "address_mode_u", "address_mode_v", "address_mode_w"],
		"properties": {
			"mag_filter": {"type": "string"},
			"min_filter": {"type": "string"},
			"mipmap_filter": {"type": "string"},
			"address_mode_u": {"type": "string"},
			"address_mode_v": {"type": "string"},
			"address_mode_w": {"type": "string"}
		}
	}`,
	ClassSetLayout: `{
		"type": "object",
		"required": ["bindings"],
		"properties": {
			"bindings": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["binding", "visibility"],
					"properties": {
						"binding": {"type": "integer", "minimum": 0},
						"visibility": {"type": "string"},
						"buffer_type": {"type": "string"}
					}
				}
			}
		}
	}`,
	ClassPipelineLayout: `{
		"type": "object",
		"required": ["set_layouts"],
		"properties": {
			"set_layouts": {"type": "array", "items": {"type": "string", "pattern": "^[0-9a-f]{1,16}$"}},
			"push_constant_size": {"type": "integer", "minimum": 0}
		}
	}`,
	ClassRenderPass: `{
		"type": "object",
		"required": ["color_formats"],
		"properties": {
			"color_formats": {"type": "array", "items": {"type": "string"}},
			"depth_format": {"type": "string"},
			"samples": {"type": "integer", "minimum": 0}
		}
	}`,
	ClassGraphicsPipeline: `{
		"type": "object",
		"required": ["vertex_module", "layout", "render_pass", "vertex_entry"],
		"properties": {
			"vertex_module": {"type": "string", "pattern": "^[0-9a-f]{1,16}$"},
			"fragment_module": {"type": "string", "pattern": "^[0-9a-f]{1,16}$"},
			"layout": {"type": "string", "pattern": "^[0-9a-f]{1,16}$"},
			"render_pass": {"type": "string", "pattern": "^[0-9a-f]{1,16}$"},
			"vertex_entry": {"type": "string", "minLength": 1},
			"fragment_entry": {"type": "string"},
			"topology": {"type": "string"},
			"color_target_mask": {"type": "integer", "minimum": 0}
		}
	}`,
	ClassComputePipeline: `{
		"type": "object",
		"required": ["module", "layout", "entry_point"],
		"properties": {
			"module": {"type": "string", "pattern": "^[0-9a-f]{1,16}$"},
			"layout": {"type": "string", "pattern": "^[0-9a-f]{1,16}$"},
			"entry_point": {"type": "string", "minLength": 1}
		}
	}`,
}

var (
	compileOnce     sync.Once
	compiledSchemas [ClassCount]*jsonschema.Schema
	compileErr      error
)

func schemaFor(class Class) (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for c := Class(0); c < ClassCount; c++ {
			s, err := compiler.Compile([]byte(classSchemas[c]))
			if err != nil {
				compileErr = fmt.Errorf("compile schema for %s: %w", c, err)
				return
			}
			compiledSchemas[c] = s
		}
	})
	if compileErr != nil {
		return nil, compileErr
	}
	return compiledSchemas[class], nil
}

// Decode validates blob against the class schema and unmarshals it into the
// create-info structure for that class. The returned value is one of
// *ApplicationInfo, *ShaderModuleInfo, *SamplerInfo, *SetLayoutInfo,
// *PipelineLayoutInfo, *RenderPassInfo, *GraphicsPipelineInfo or
// *ComputePipelineInfo.
func Decode(class Class, blob []byte) (any, error) {
	if class >= ClassCount {
		return nil, fmt.Errorf("%w: unknown class %d", ErrDeserialize, uint8(class))
	}

	schema, err := schemaFor(class)
	if err != nil {
		return nil, err
	}
	result := schema.ValidateJSON(blob)
	if !result.IsValid() {
		return nil, fmt.Errorf("%w: %s schema: %v", ErrDeserialize, class, result.Errors)
	}

	var info any
	switch class {
	case ClassApplicationInfo:
		info = new(ApplicationInfo)
	case ClassShaderModule:
		info = new(ShaderModuleInfo)
	case ClassSampler:
		info = new(SamplerInfo)
	case ClassSetLayout:
		info = new(SetLayoutInfo)
	case ClassPipelineLayout:
		info = new(PipelineLayoutInfo)
	case ClassRenderPass:
		info = new(RenderPassInfo)
	case ClassGraphicsPipeline:
		info = new(GraphicsPipelineInfo)
	case ClassComputePipeline:
		info = new(ComputePipelineInfo)
	}
	if err := json.Unmarshal(blob, info); err != nil {
		return nil, fmt.Errorf("%w: %s decode: %v", ErrDeserialize, class, err)
	}

	if class == ClassShaderModule {
		sm := info.(*ShaderModuleInfo)
		if sm.WGSL == "" && len(sm.SPIRV) == 0 {
			return nil, fmt.Errorf("%w: shader-module record has no source", ErrDeserialize)
		}
	}
	return info, nil
}
