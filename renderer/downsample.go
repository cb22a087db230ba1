package renderer

import (
	"unsafe"

	"honnef.co/go/mipchain/mem"
	"honnef.co/go/safeish"
)

// MaxMipLevels bounds the number of levels a single chain can hold. The
// per-level bindings live in a fixed array of this capacity; the actual level
// count is checked at CreateSized time.
const MaxMipLevels = 12

// passConstants is the per-pass parameter block consumed by the downsample
// shaders. One fresh instance is claimed from the ring for every pass of
// every recorded frame.
type passConstants struct {
	OutWidth  float32
	OutHeight float32
	InvWidth  float32
	InvHeight float32
}

const passConstantsSize = int(unsafe.Sizeof(passConstants{}))

// passBinding pairs the two views one pass needs: the level it reads and the
// level it renders to. For pass 0 the read view aliases the external source,
// not the chain.
type passBinding struct {
	Src ImageViewProxy
	Dst ImageViewProxy
}

type chainState int

const (
	stateUninitialized chainState = iota
	stateDeviceReady
	stateSizedReady
	stateDestroyed
)

// chainLayout owns the size-dependent half of a downsampler: the chain image
// proxy and the per-level view pairs. It is created and destroyed as a unit
// on resize.
type chainLayout struct {
	width    uint32
	height   uint32
	mipCount int
	source   ImageProxy
	chain    ImageProxy
	passes   [MaxMipLevels]passBinding
}

func makeChainLayout(width, height uint32, source ImageProxy, mipCount int, format ImageFormat) (chainLayout, error) {
	if width == 0 || height == 0 {
		return chainLayout{}, invalidDimensionsf("chain extent %dx%d has a zero axis", width, height)
	}
	if mipCount < 1 || mipCount > MaxMipLevels {
		return chainLayout{}, invalidDimensionsf("mip count %d outside [1, %d]", mipCount, MaxMipLevels)
	}
	if source.Width == 0 || source.Height == 0 || source.MipLevelCount == 0 {
		return chainLayout{}, invalidDimensionsf("source image %dx%d with %d levels is degenerate", source.Width, source.Height, source.MipLevelCount)
	}
	l := chainLayout{
		width:    width,
		height:   height,
		mipCount: mipCount,
		source:   source,
		chain:    NewImageProxy(width, height, uint32(mipCount), format),
	}
	for k := 0; k < mipCount; k++ {
		src := source.Level(0)
		if k > 0 {
			src = l.chain.Level(uint32(k) - 1)
		}
		l.passes[k] = passBinding{
			Src: src,
			Dst: l.chain.Level(uint32(k)),
		}
	}
	return l, nil
}

// levelSize returns the extent of level k. Odd extents round down and clamp
// at 1; levels past the 1x1 point stay 1x1.
func levelSize(width, height uint32, k int) (uint32, uint32) {
	return max(1, width>>k), max(1, height>>k)
}

// claimConstants claims one parameter block per pass from the ring and fills
// it with the level's dimensions. It either claims all blocks or none of the
// out slots are usable; on failure the ring keeps whatever it handed out
// until its next Reset.
func claimConstants(ring *mem.Ring, width, height uint32, mipCount int, out *[MaxMipLevels][]byte) error {
	for k := 0; k < mipCount; k++ {
		w, h := levelSize(width, height, k)
		b, ok := ring.Alloc(passConstantsSize)
		if !ok {
			return exhaustedf("parameter ring (%d bytes) cannot hold constants for pass %d of %d", ring.Cap(), k, mipCount)
		}
		cb := passConstants{
			OutWidth:  float32(w),
			OutHeight: float32(h),
			InvWidth:  1 / float32(w),
			InvHeight: 1 / float32(h),
		}
		copy(b, safeish.AsBytes(&cb))
		out[k] = b
	}
	return nil
}

// Downsampler records the render-pass mip pyramid: one full-screen pass per
// level, each sampling the previous level through a linear clamp-to-edge
// sampler. Level 0 is materialized: pass 0 filters the external source into
// level 0 at full resolution, and level k measures
// max(1, width>>k) x max(1, height>>k).
//
// Device-lifetime state (the pipeline's shader ID, the parameter ring, the
// output format) is fixed at construction; size-lifetime state comes and goes
// with CreateSized/DestroySized so a resize never touches the pipeline.
type Downsampler struct {
	ring   *mem.Ring
	shader ShaderID
	format ImageFormat

	layout chainLayout
	state  chainState
}

// NewDownsampler allocates the device-lifetime half of a downsampler. The
// ring is caller-supplied and may be shared with other recordings as long as
// no two overlapping Record calls use it.
func NewDownsampler(ring *mem.Ring, shader ShaderID, format ImageFormat) *Downsampler {
	if ring == nil {
		panic("renderer: nil parameter ring")
	}
	return &Downsampler{
		ring:   ring,
		shader: shader,
		format: format,
		state:  stateDeviceReady,
	}
}

// CreateSized allocates the chain image proxy and one (read, write) view pair
// per level for the given source. The previous sized state, if any, must have
// been destroyed first; on error the downsampler keeps its prior state.
func (d *Downsampler) CreateSized(width, height uint32, source ImageProxy, mipCount int) error {
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

// DestroySized releases the chain proxy and view pairs. The backing GPU
// resources are released by the engine that materialized them; see
// Engine.ReleaseImage.
func (d *Downsampler) DestroySized() error {
	if d.state != stateSizedReady {
		return preconditionf("no size-dependent resources to destroy")
	}
	d.layout = chainLayout{}
	d.state = stateDeviceReady
	return nil
}

// Close releases the device-lifetime state. Size-dependent resources must be
// destroyed first.
func (d *Downsampler) Close() error {
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

// Record appends the full downsample chain to rec: exactly MipCount passes in
// increasing level order, each followed by a transition of the written level
// to a readable state. The external source must already be readable. Record
// is all-or-nothing: on error rec is untouched.
func (d *Downsampler) Record(arena *mem.Arena, rec *Recording) error {
	if d.state != stateSizedReady {
		return preconditionf("record requires size-dependent resources")
	}

	// Claim every pass's constants before appending any command, so allocator
	// exhaustion cannot leave a partially recorded chain.
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
		rec.DrawPass(arena, d.shader, pass.Dst, w, h, mem.Varargs(arena,
			pass.Src.Resource(),
			Sampler(),
			params.Resource(),
		))
		rec.Transition(arena, pass.Dst, StateRenderTarget, StateShaderRead)
	}
	for k := 0; k < d.layout.mipCount; k++ {
		rec.FreeBuffer(arena, uniforms[k])
	}
	return nil
}

// ResultImage returns the chain image. The image is read-only to the caller.
func (d *Downsampler) ResultImage() (ImageProxy, error) {
	if d.state != stateSizedReady {
		return ImageProxy{}, preconditionf("no chain allocated")
	}
	return d.layout.chain, nil
}

// LevelView returns the sampleable view of chain level i.
func (d *Downsampler) LevelView(i int) (ImageViewProxy, error) {
	if d.state != stateSizedReady {
		return ImageViewProxy{}, preconditionf("no chain allocated")
	}
	if i < 0 || i >= d.layout.mipCount {
		return ImageViewProxy{}, preconditionf("level %d outside [0, %d)", i, d.layout.mipCount)
	}
	return d.layout.chain.Level(uint32(i)), nil
}

// LevelSize returns the extent of chain level i.
func (d *Downsampler) LevelSize(i int) (uint32, uint32, error) {
	if d.state != stateSizedReady {
		return 0, 0, preconditionf("no chain allocated")
	}
	if i < 0 || i >= d.layout.mipCount {
		return 0, 0, preconditionf("level %d outside [0, %d)", i, d.layout.mipCount)
	}
	w, h := levelSize(d.layout.width, d.layout.height, i)
	return w, h, nil
}

// MipCount returns the chain's level count, or zero while unsized.
func (d *Downsampler) MipCount() int {
	if d.state != stateSizedReady {
		return 0
	}
	return d.layout.mipCount
}
