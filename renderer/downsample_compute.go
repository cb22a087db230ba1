package renderer

import (
	"honnef.co/go/mipchain/mem"
)

// computeWorkgroupDim is the x/y extent of the downsample compute shader's
// workgroup. Dispatch counts are the level extent divided by this, rounded
// up.
const computeWorkgroupDim = 8

// ComputeDownsampler is the compute-pipeline twin of Downsampler. It records
// one dispatch per level instead of one render pass, writing each level as a
// storage image. Chain geometry, lifecycle, ordering and atomicity follow the
// render-pass variant exactly.
type ComputeDownsampler struct {
	ring   *mem.Ring
	shader ShaderID
	format ImageFormat

	layout chainLayout
	state  chainState
}

func NewComputeDownsampler(ring *mem.Ring, shader ShaderID, format ImageFormat) *ComputeDownsampler {
	if ring == nil {
		panic("renderer: nil parameter ring")
	}
	return &ComputeDownsampler{
		ring:   ring,
		shader: shader,
		format: format,
		state:  stateDeviceReady,
	}
}

func (d *ComputeDownsampler) CreateSized(width, height uint32, source ImageProxy, mipCount int) error {
	switch d.state {
	case stateDeviceReady:
	case stateSizedReady:
		return preconditionf("size-dependent resources already allocated; destroy them first")
	default:
		return preconditionf("downsampler has no device-lifetime state")
	}
	layout, err := makeChainLayout(width, height, source, mipCount, d.format)
	if err != nil {
		return err
	}
	d.layout = layout
	d.state = stateSizedReady
	return nil
}

func (d *ComputeDownsampler) DestroySized() error {
	if d.state != stateSizedReady {
		return preconditionf("no size-dependent resources to destroy")
	}
	d.layout = chainLayout{}
	d.state = stateDeviceReady
	return nil
}

func (d *ComputeDownsampler) Close() error {
	switch d.state {
	case stateSizedReady:
		return preconditionf("size-dependent resources still allocated")
	case stateDeviceReady:
		d.state = stateDestroyed
		return nil
	default:
		return preconditionf("downsampler already closed")
	}
}

// Record appends one dispatch per level in increasing order. Each dispatch
// samples the previous level (the external source for level 0) and writes its
// own level as a storage image, followed by a transition of that level to a
// readable state. On error rec is untouched.
func (d *ComputeDownsampler) Record(arena *mem.Arena, rec *Recording) error {
	if d.state != stateSizedReady {
		return preconditionf("record requires size-dependent resources")
	}

	var constants [MaxMipLevels][]byte
	if err := claimConstants(d.ring, d.layout.width, d.layout.height, d.layout.mipCount, &constants); err != nil {
		return err
	}

	var uniforms [MaxMipLevels]BufferProxy
	for k := 0; k < d.layout.mipCount; k++ {
		w, h := levelSize(d.layout.width, d.layout.height, k)
		pass := d.layout.passes[k]
		params := rec.UploadUniform(arena, "downsample constants", constants[k])
		uniforms[k] = params
		rec.Dispatch(arena, d.shader, [3]uint32{
			(w + computeWorkgroupDim - 1) / computeWorkgroupDim,
			(h + computeWorkgroupDim - 1) / computeWorkgroupDim,
			1,
		}, mem.Varargs(arena,
			params.Resource(),
			pass.Src.Resource(),
			Sampler(),
			pass.Dst.Resource(),
		))
		rec.Transition(arena, pass.Dst, StateStorageWrite, StateShaderRead)
	}
	for k := 0; k < d.layout.mipCount; k++ {
		rec.FreeBuffer(arena, uniforms[k])
	}
	return nil
}

func (d *ComputeDownsampler) ResultImage() (ImageProxy, error) {
	if d.state != stateSizedReady {
		return ImageProxy{}, preconditionf("no chain allocated")
	}
	return d.layout.chain, nil
}

func (d *ComputeDownsampler) LevelView(i int) (ImageViewProxy, error) {
	if d.state != stateSizedReady {
		return ImageViewProxy{}, preconditionf("no chain allocated")
	}
	if i < 0 || i >= d.layout.mipCount {
		return ImageViewProxy{}, preconditionf("level %d outside [0, %d)", i, d.layout.mipCount)
	}
	return d.layout.chain.Level(uint32(i)), nil
}

func (d *ComputeDownsampler) MipCount() int {
	if d.state != stateSizedReady {
		return 0
	}
	return d.layout.mipCount
}
