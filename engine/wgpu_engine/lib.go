package wgpu_engine

import (
	"fmt"

	"honnef.co/go/mipchain/renderer"
	"honnef.co/go/wgpu"
)

type RendererOptions struct {
	// Format is the output format of every chain this engine materializes.
	// Compute downsampling needs a storage-capable format; for formats
	// without storage support (sRGB) only the render pipeline is built.
	Format renderer.ImageFormat
}

// Shaders holds the IDs of the engine's built-in pipelines, for wiring into
// renderer components. DownsampleCompute is -1 if the configured format
// cannot back a storage image.
type Shaders struct {
	Downsample        renderer.ShaderID
	DownsampleCompute renderer.ShaderID
}

const downsampleWGSL = `
		struct Constants {
			out_width: f32,
			out_height: f32,
			inv_width: f32,
			inv_height: f32,
		}

		@group(0) @binding(0)
		var src: texture_2d<f32>;
		@group(0) @binding(1)
		var samp: sampler;
		@group(0) @binding(2)
		var<uniform> constants: Constants;

		@vertex
		fn vs_main(@builtin(vertex_index) ix: u32) -> @builtin(position) vec4<f32> {
			// Generate a full screen quad in normalized device coordinates
			var vertex = vec2(-1.0, 1.0);
			switch ix {
				case 1u: {
					vertex = vec2(-1.0, -1.0);
				}
				case 2u, 4u: {
					vertex = vec2(1.0, -1.0);
				}
				case 5u: {
					vertex = vec2(1.0, 1.0);
				}
				default: {}
			}
			return vec4(vertex, 0.0, 1.0);
		}

		@fragment
		fn fs_main(@builtin(position) pos: vec4<f32>) -> @location(0) vec4<f32> {
			// With a linear clamp-to-edge sampler, sampling the source at the
			// destination pixel's center averages the 2x2 source footprint.
			let uv = vec2(pos.x * constants.inv_width, pos.y * constants.inv_height);
			return textureSampleLevel(src, samp, uv, 0.0);
		}`

const downsampleComputeWGSLTemplate = `
		struct Constants {
			out_width: f32,
			out_height: f32,
			inv_width: f32,
			inv_height: f32,
		}

		@group(0) @binding(0)
		var<uniform> constants: Constants;
		@group(0) @binding(1)
		var src: texture_2d<f32>;
		@group(0) @binding(2)
		var samp: sampler;
		@group(0) @binding(3)
		var dst: texture_storage_2d<%s, write>;

		@compute @workgroup_size(8, 8)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			if f32(gid.x) >= constants.out_width || f32(gid.y) >= constants.out_height {
				return;
			}
			let uv = vec2((f32(gid.x) + 0.5) * constants.inv_width, (f32(gid.y) + 0.5) * constants.inv_height);
			textureStore(dst, vec2<i32>(gid.xy), textureSampleLevel(src, samp, uv, 0.0));
		}`

func imageFormatToWGPU(f renderer.ImageFormat) wgpu.TextureFormat {
	switch f {
	case renderer.Rgba8:
		return wgpu.TextureFormatRGBA8Unorm
	case renderer.Rgba8Srgb:
		return wgpu.TextureFormatRGBA8UnormSrgb
	case renderer.Bgra8:
		return wgpu.TextureFormatBGRA8Unorm
	case renderer.Rgba16Float:
		return wgpu.TextureFormatRGBA16Float
	default:
		panic(fmt.Sprintf("unhandled value %d", f))
	}
}

func storageFormatName(f renderer.ImageFormat) (string, bool) {
	switch f {
	case renderer.Rgba8:
		return "rgba8unorm", true
	case renderer.Bgra8:
		return "bgra8unorm", true
	case renderer.Rgba16Float:
		return "rgba16float", true
	default:
		return "", false
	}
}

func newSampler(dev *wgpu.Device) *wgpu.Sampler {
	return dev.CreateSampler(&wgpu.SamplerDescriptor{
		Label:         "downsample sampler",
		AddressModeU:  wgpu.AddressModeClampToEdge,
		AddressModeV:  wgpu.AddressModeClampToEdge,
		AddressModeW:  wgpu.AddressModeClampToEdge,
		MagFilter:     wgpu.FilterModeLinear,
		MinFilter:     wgpu.FilterModeLinear,
		MipmapFilter:  wgpu.MipmapFilterModeNearest,
		LODMinClamp:   0,
		LODMaxClamp:   0,
		MaxAnisotropy: 1,
	})
}

func bindGroupLayoutEntries(layout []renderer.BindType, visibility wgpu.ShaderStage) []wgpu.BindGroupLayoutEntry {
	entries := make([]wgpu.BindGroupLayoutEntry, len(layout))
	for i, bindType := range layout {
		switch bindType.Type {
		case renderer.BindTypeBuffer, renderer.BindTypeBufReadOnly:
			var typ wgpu.BufferBindingType
			if bindType.Type == renderer.BindTypeBuffer {
				typ = wgpu.BufferBindingTypeStorage
			} else {
				typ = wgpu.BufferBindingTypeReadOnlyStorage
			}
			entries[i] = wgpu.BindGroupLayoutEntry{
				Binding:    uint32(i),
				Visibility: visibility,
				Buffer: &wgpu.BufferBindingLayout{
					Type:             typ,
					HasDynamicOffset: false,
					MinBindingSize:   0,
				},
			}
		case renderer.BindTypeUniform:
			entries[i] = wgpu.BindGroupLayoutEntry{
				Binding:    uint32(i),
				Visibility: visibility,
				Buffer: &wgpu.BufferBindingLayout{
					Type:             wgpu.BufferBindingTypeUniform,
					HasDynamicOffset: false,
					MinBindingSize:   0,
				},
			}
		case renderer.BindTypeImage:
			entries[i] = wgpu.BindGroupLayoutEntry{
				Binding:    uint32(i),
				Visibility: visibility,
				StorageTexture: &wgpu.StorageTextureBindingLayout{
					Access:        wgpu.StorageTextureAccessWriteOnly,
					Format:        imageFormatToWGPU(bindType.ImageFormat),
					ViewDimension: wgpu.TextureViewDimension2D,
				},
			}
		case renderer.BindTypeImageRead:
			entries[i] = wgpu.BindGroupLayoutEntry{
				Binding:    uint32(i),
				Visibility: visibility,
				Texture: &wgpu.TextureBindingLayout{
					SampleType:    wgpu.TextureSampleTypeFloat,
					ViewDimension: wgpu.TextureViewDimension2D,
					Multisampled:  false,
				},
			}
		case renderer.BindTypeSampler:
			entries[i] = wgpu.BindGroupLayoutEntry{
				Binding:    uint32(i),
				Visibility: visibility,
				Sampler: &wgpu.SamplerBindingLayout{
					Type: wgpu.SamplerBindingTypeFiltering,
				},
			}
		default:
			panic(fmt.Sprintf("invalid bind type %d", bindType.Type))
		}
	}
	return entries
}

func (eng *Engine) createRenderPipeline(
	label string,
	wgsl string,
	format wgpu.TextureFormat,
	layout []renderer.BindType,
) renderShader {
	shaderModule := eng.Device.CreateShaderModule(wgpu.ShaderModuleDescriptor{
		Label:  label,
		Source: wgpu.ShaderSourceWGSL(wgsl),
	})
	bindGroupLayout := eng.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Entries: bindGroupLayoutEntries(layout, wgpu.ShaderStageFragment),
	})
	pipelineLayout := eng.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            label,
		BindGroupLayouts: []*wgpu.BindGroupLayout{bindGroupLayout},
	})
	pipeline := eng.Device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  label,
		Layout: pipelineLayout,
		Vertex: &wgpu.VertexState{
			Module:     shaderModule,
			EntryPoint: "vs_main",
		},
		Fragment: &wgpu.FragmentState{
			Module:     shaderModule,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{
				{
					Format:    format,
					WriteMask: wgpu.ColorWriteMaskAll,
				},
			},
		},
		Primitive: &wgpu.PrimitiveState{
			Topology:         wgpu.PrimitiveTopologyTriangleList,
			StripIndexFormat: ^wgpu.IndexFormat(0),
			FrontFace:        wgpu.FrontFaceCCW,
			CullMode:         wgpu.CullModeBack,
		},
		Multisample: &wgpu.MultisampleState{
			Count:                  1,
			Mask:                   ^uint32(0),
			AlphaToCoverageEnabled: false,
		},
	})
	pipelineLayout.Release()

	return renderShader{
		label:           label,
		pipeline:        pipeline,
		bindGroupLayout: bindGroupLayout,
	}
}

func (eng *Engine) createComputePipeline(
	label string,
	wgsl string,
	layout []renderer.BindType,
) computeShader {
	shaderModule := eng.Device.CreateShaderModule(wgpu.ShaderModuleDescriptor{
		Label:  label,
		Source: wgpu.ShaderSourceWGSL(wgsl),
	})
	bindGroupLayout := eng.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Entries: bindGroupLayoutEntries(layout, wgpu.ShaderStageCompute),
	})
	computePipelineLayout := eng.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		BindGroupLayouts: []*wgpu.BindGroupLayout{bindGroupLayout},
	})
	pipeline := eng.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  label,
		Layout: computePipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     shaderModule,
			EntryPoint: "main",
		},
	})
	computePipelineLayout.Release()

	return computeShader{
		label:           label,
		pipeline:        pipeline,
		bindGroupLayout: bindGroupLayout,
	}
}
