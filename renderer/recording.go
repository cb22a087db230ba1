package renderer

import (
	"fmt"
	"sync/atomic"

	"honnef.co/go/mipchain/mem"
)

var resourceID atomic.Uint64

func nextResourceID() ResourceID {
	return ResourceID(resourceID.Add(1))
}

type ResourceID uint64

type ResourceProxyKind int

const (
	ResourceProxyKindBuffer ResourceProxyKind = iota + 1
	ResourceProxyKindImage
	ResourceProxyKindImageView
	ResourceProxyKindSampler
)

type ResourceProxy struct {
	Kind ResourceProxyKind
	BufferProxy
	ImageProxy
	ImageViewProxy
}

// Recording is a linear list of GPU commands, recorded by one goroutine and
// replayed later by an engine. Commands on one recording execute in order;
// read-after-write hazards between them are expressed with Transition.
type Recording struct {
	Commands []Command
}

func (rec *Recording) push(arena *mem.Arena, cmd Command) {
	rec.Commands = mem.Append(arena, rec.Commands, cmd)
}

func (rec *Recording) Upload(arena *mem.Arena, name string, data []byte) BufferProxy {
	buf := NewBufferProxy(uint64(len(data)), name)
	rec.push(arena, mem.Make(arena, Upload{buf, data}))
	return buf
}

func (rec *Recording) UploadUniform(arena *mem.Arena, name string, data []byte) BufferProxy {
	buf := NewBufferProxy(uint64(len(data)), name)
	rec.push(arena, mem.Make(arena, UploadUniform{buf, data}))
	return buf
}

func (rec *Recording) UploadImage(arena *mem.Arena, width, height uint32, format ImageFormat, data []byte) ImageProxy {
	imageProxy := NewImageProxy(width, height, 1, format)
	rec.push(arena, mem.Make(arena, UploadImage{imageProxy, data}))
	return imageProxy
}

func (rec *Recording) WriteImage(arena *mem.Arena, image ImageProxy, coords [4]uint32, data []byte) {
	rec.push(arena, mem.Make(arena, WriteImage{image, coords, data}))
}

func (rec *Recording) Dispatch(arena *mem.Arena, shader ShaderID, wgSize [3]uint32, resources []ResourceProxy) {
	rec.push(arena, mem.Make(arena, Dispatch{shader, wgSize, resources}))
}

// DrawPass records one full-screen render pass. The pass covers the whole
// viewport of the target view; the fixed pipeline identified by shader
// consumes the bindings in declaration order.
func (rec *Recording) DrawPass(arena *mem.Arena, shader ShaderID, target ImageViewProxy, width, height uint32, resources []ResourceProxy) {
	rec.push(arena, mem.Make(arena, DrawPass{shader, target, width, height, resources}))
}

// Transition records a resource-state edge for a single image level. A write
// to the level must precede the transition; reads of the level must follow
// it. Engines whose host API tracks hazards implicitly may replay this as a
// validation-only no-op.
func (rec *Recording) Transition(arena *mem.Arena, view ImageViewProxy, from, to ResourceState) {
	rec.push(arena, mem.Make(arena, Transition{view, from, to}))
}

func (rec *Recording) Download(arena *mem.Arena, buf BufferProxy) {
	rec.push(arena, mem.Make(arena, Download{buf}))
}

func (rec *Recording) FreeBuffer(arena *mem.Arena, buf BufferProxy) {
	rec.push(arena, mem.Make(arena, FreeBuffer{buf}))
}

func (rec *Recording) FreeImage(arena *mem.Arena, image ImageProxy) {
	rec.push(arena, mem.Make(arena, FreeImage{image}))
}

func (rec *Recording) FreeResource(arena *mem.Arena, resource ResourceProxy) {
	switch resource.Kind {
	case ResourceProxyKindBuffer:
		rec.FreeBuffer(arena, resource.BufferProxy)
	case ResourceProxyKindImage:
		rec.FreeImage(arena, resource.ImageProxy)
	default:
		panic(fmt.Sprintf("unhandled type %T", resource))
	}
}

func NewBufferProxy(size uint64, name string) BufferProxy {
	id := nextResourceID()
	return BufferProxy{size, id, name}
}

func NewImageProxy(width, height, mipLevels uint32, format ImageFormat) ImageProxy {
	id := nextResourceID()
	return ImageProxy{
		Width:         width,
		Height:        height,
		MipLevelCount: mipLevels,
		Format:        format,
		ID:            id,
	}
}

type BufferProxy struct {
	Size uint64
	ID   ResourceID
	Name string
}

func (p BufferProxy) Resource() ResourceProxy {
	return ResourceProxy{
		Kind:        ResourceProxyKindBuffer,
		BufferProxy: p,
	}
}

type ImageFormat int

const (
	Rgba8 ImageFormat = iota
	Rgba8Srgb
	Bgra8
	Rgba16Float
)

type ImageProxy struct {
	Width         uint32
	Height        uint32
	MipLevelCount uint32
	Format        ImageFormat
	ID            ResourceID
}

func (p ImageProxy) Resource() ResourceProxy {
	return ResourceProxy{
		Kind:       ResourceProxyKindImage,
		ImageProxy: p,
	}
}

// Level returns a view of a single mip level of the image. The level must be
// smaller than the image's mip level count.
func (p ImageProxy) Level(mip uint32) ImageViewProxy {
	if mip >= p.MipLevelCount {
		panic(fmt.Sprintf("mip level %d out of range for image with %d levels", mip, p.MipLevelCount))
	}
	return ImageViewProxy{Image: p, Mip: mip}
}

// ImageViewProxy is one sampleable or renderable binding of a single mip
// level. Two views are the same view iff they name the same image and level.
type ImageViewProxy struct {
	Image ImageProxy
	Mip   uint32
}

func (p ImageViewProxy) Resource() ResourceProxy {
	return ResourceProxy{
		Kind:           ResourceProxyKindImageView,
		ImageViewProxy: p,
	}
}

// Sampler returns a binding slot for the engine's fixed sampler (linear
// filtering, clamp to edge).
func Sampler() ResourceProxy {
	return ResourceProxy{Kind: ResourceProxyKindSampler}
}

type ResourceState int

const (
	StateRenderTarget ResourceState = iota + 1
	StateStorageWrite
	StateShaderRead
)

type ShaderID int

type Command interface {
	isCommand()
}

func (*Upload) isCommand()        {}
func (*UploadUniform) isCommand() {}
func (*UploadImage) isCommand()   {}
func (*WriteImage) isCommand()    {}
func (*Dispatch) isCommand()      {}
func (*DrawPass) isCommand()      {}
func (*Transition) isCommand()    {}
func (*Download) isCommand()      {}
func (*FreeBuffer) isCommand()    {}
func (*FreeImage) isCommand()     {}

type BindTypeType int

const (
	BindTypeBuffer BindTypeType = iota + 1
	BindTypeBufReadOnly
	BindTypeUniform
	BindTypeImage
	BindTypeImageRead
	BindTypeSampler
)

type BindType struct {
	Type        BindTypeType
	ImageFormat ImageFormat
}

type Upload struct {
	Buffer BufferProxy
	Data   []byte
}

type UploadUniform struct {
	Buffer BufferProxy
	Data   []byte
}

type UploadImage struct {
	Image ImageProxy
	Data  []byte
}

type WriteImage struct {
	Image  ImageProxy
	Coords [4]uint32
	Data   []byte
}

type Dispatch struct {
	Shader        ShaderID
	WorkgroupSize [3]uint32
	Bindings      []ResourceProxy
}

type DrawPass struct {
	Shader   ShaderID
	Target   ImageViewProxy
	Width    uint32
	Height   uint32
	Bindings []ResourceProxy
}

type Transition struct {
	View ImageViewProxy
	From ResourceState
	To   ResourceState
}

type Download struct {
	Buffer BufferProxy
}

type FreeBuffer struct {
	Buffer BufferProxy
}

type FreeImage struct {
	Image ImageProxy
}
