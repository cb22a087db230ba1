package wgpu_engine

// OPT reuse bind groups

import (
	"fmt"
	"math"
	"math/bits"

	"honnef.co/go/mipchain/mem"
	"honnef.co/go/mipchain/profiler"
	"honnef.co/go/mipchain/renderer"
	"honnef.co/go/wgpu"
)

// Engine replays recordings on a wgpu device. Unlike buffers, which are
// transient per recording, images persist across recordings until freed: a
// mip chain is drawn every frame but materialized once.
type Engine struct {
	Device    *wgpu.Device
	shaders   []shader
	shaderIDs Shaders
	pool      resourcePool
	downloads map[renderer.ResourceID]*wgpu.Buffer
	images    map[renderer.ResourceID]*materializedImage
	sampler   *wgpu.Sampler
	format    wgpu.TextureFormat
}

type renderShader struct {
	label           string
	pipeline        *wgpu.RenderPipeline
	bindGroupLayout *wgpu.BindGroupLayout
}

type computeShader struct {
	label           string
	pipeline        *wgpu.ComputePipeline
	bindGroupLayout *wgpu.BindGroupLayout
}

type shader struct {
	Label   string
	Render  *renderShader
	Compute *computeShader
}

// materializedImage is the device half of an ImageProxy: the texture, one
// sampleable/renderable view per mip level, and a whole-image view.
type materializedImage struct {
	texture    *wgpu.Texture
	levelViews []*wgpu.TextureView
	fullView   *wgpu.TextureView
}

func (m *materializedImage) release() {
	for _, v := range m.levelViews {
		v.Release()
	}
	m.fullView.Release()
	m.texture.Release()
}

type bufferProperties struct {
	size   uint64
	usages wgpu.BufferUsage
}

type resourcePool struct {
	bufs map[bufferProperties][]*wgpu.Buffer
}

// ExternalResource maps a proxy recorded by a component to a resource owned
// by the caller, such as the source image of a downsample chain.
type ExternalResource interface {
	// One of ExternalBuffer and ExternalImage
}

type ExternalBuffer struct {
	Proxy  renderer.BufferProxy
	Buffer *wgpu.Buffer
}

type ExternalImage struct {
	Proxy renderer.ImageProxy
	View  *wgpu.TextureView
}

func New(dev *wgpu.Device, options *RendererOptions) *Engine {
	eng := &Engine{
		Device: dev,
		pool: resourcePool{
			bufs: make(map[bufferProperties][]*wgpu.Buffer),
		},
		downloads: make(map[renderer.ResourceID]*wgpu.Buffer),
		images:    make(map[renderer.ResourceID]*materializedImage),
		sampler:   newSampler(dev),
		format:    imageFormatToWGPU(options.Format),
	}

	addShader := func(s shader) renderer.ShaderID {
		id := renderer.ShaderID(len(eng.shaders))
		eng.shaders = append(eng.shaders, s)
		return id
	}

	ps := eng.createRenderPipeline("downsample", downsampleWGSL, eng.format, []renderer.BindType{
		{Type: renderer.BindTypeImageRead, ImageFormat: options.Format},
		{Type: renderer.BindTypeSampler},
		{Type: renderer.BindTypeUniform},
	})
	eng.shaderIDs.Downsample = addShader(shader{Label: ps.label, Render: &ps})

	eng.shaderIDs.DownsampleCompute = -1
	if name, ok := storageFormatName(options.Format); ok {
		cs := eng.createComputePipeline("downsample_cs", fmt.Sprintf(downsampleComputeWGSLTemplate, name), []renderer.BindType{
			{Type: renderer.BindTypeUniform},
			{Type: renderer.BindTypeImageRead, ImageFormat: options.Format},
			{Type: renderer.BindTypeSampler},
			{Type: renderer.BindTypeImage, ImageFormat: options.Format},
		})
		eng.shaderIDs.DownsampleCompute = addShader(shader{Label: cs.label, Compute: &cs})
	}
	return eng
}

// Shaders returns the IDs of the engine's built-in pipelines.
func (eng *Engine) Shaders() Shaders {
	return eng.shaderIDs
}

// ReleaseImage frees the device resources behind a proxy, if the engine has
// materialized them. Callers must not release an image while a submitted
// recording still uses it.
func (eng *Engine) ReleaseImage(proxy renderer.ImageProxy) {
	if m, ok := eng.images[proxy.ID]; ok {
		delete(eng.images, proxy.ID)
		m.release()
	}
}

// Close releases the engine's device-lifetime objects. Images must have been
// released first.
func (eng *Engine) Close() {
	if len(eng.images) > 0 {
		panic(fmt.Sprintf("%d images still materialized at engine teardown", len(eng.images)))
	}
	eng.sampler.Release()
	for _, s := range eng.shaders {
		if s.Render != nil {
			s.Render.pipeline.Release()
			s.Render.bindGroupLayout.Release()
		}
		if s.Compute != nil {
			s.Compute.pipeline.Release()
			s.Compute.bindGroupLayout.Release()
		}
	}
	for _, bufs := range eng.pool.bufs {
		for _, buf := range bufs {
			buf.Release()
		}
	}
}

func (eng *Engine) RunRecording(
	arena *mem.Arena,
	queue *wgpu.Queue,
	recording *renderer.Recording,
	externalResources []ExternalResource,
	label string,
	pgroup profiler.Group,
) {
	if pgroup == nil {
		pgroup = profiler.Nop()
	}
	span := pgroup.Start("RunRecording: " + label)
	defer span.End()

	externalBufs := make(map[renderer.ResourceID]*wgpu.Buffer)
	externalImages := make(map[renderer.ResourceID]*wgpu.TextureView)
	for _, res := range externalResources {
		switch res := res.(type) {
		case ExternalBuffer:
			externalBufs[res.Proxy.ID] = res.Buffer
		case ExternalImage:
			externalImages[res.Proxy.ID] = res.View
		default:
			panic(fmt.Sprintf("unhandled type %T", res))
		}
	}

	// Buffers are transient: they live in this map until a FreeBuffer returns
	// them to the pool at the end of the run.
	bufs := make(map[renderer.ResourceID]*wgpu.Buffer)
	var freeBufs []renderer.ResourceID
	var freeImages []renderer.ResourceID

	encoder := eng.Device.CreateCommandEncoder(mem.Make(arena, wgpu.CommandEncoderDescriptor{Label: label}))

	for _, cmd := range recording.Commands {
		switch cmd := cmd.(type) {
		case *renderer.Upload:
			usage := wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst | wgpu.BufferUsageStorage
			buf := eng.pool.getBuf(cmd.Buffer.Size, cmd.Buffer.Name, usage, eng.Device)
			queue.WriteBuffer(buf, 0, cmd.Data)
			bufs[cmd.Buffer.ID] = buf

		case *renderer.UploadUniform:
			usage := wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst
			buf := eng.pool.getBuf(cmd.Buffer.Size, cmd.Buffer.Name, usage, eng.Device)
			queue.WriteBuffer(buf, 0, cmd.Data)
			bufs[cmd.Buffer.ID] = buf

		case *renderer.UploadImage:
			img := eng.getOrCreateImage(cmd.Image)
			eng.writeImage(arena, queue, img, cmd.Image, [4]uint32{0, 0, cmd.Image.Width, cmd.Image.Height}, cmd.Data)

		case *renderer.WriteImage:
			img := eng.getOrCreateImage(cmd.Image)
			eng.writeImage(arena, queue, img, cmd.Image, cmd.Coords, cmd.Data)

		case *renderer.Dispatch:
			shader := eng.shaders[cmd.Shader]
			if shader.Compute == nil {
				panic(fmt.Sprintf("dispatch of non-compute shader %q", shader.Label))
			}
			bindGroup := eng.createBindGroup(arena, bufs, externalImages, shader.Compute.bindGroupLayout, cmd.Bindings)

			cpass := encoder.BeginComputePass(mem.Make(arena, wgpu.ComputePassDescriptor{
				Label: shader.Label,
			}))
			cpass.SetPipeline(shader.Compute.pipeline)
			cpass.SetBindGroup(0, bindGroup, nil)
			cpass.DispatchWorkgroups(cmd.WorkgroupSize[0], cmd.WorkgroupSize[1], cmd.WorkgroupSize[2])
			cpass.End()
			bindGroup.Release()
			cpass.Release()

		case *renderer.DrawPass:
			shader := eng.shaders[cmd.Shader]
			if shader.Render == nil {
				panic(fmt.Sprintf("draw pass with non-render shader %q", shader.Label))
			}
			target := eng.getOrCreateImage(cmd.Target.Image)
			bindGroup := eng.createBindGroup(arena, bufs, externalImages, shader.Render.bindGroupLayout, cmd.Bindings)

			rpass := encoder.BeginRenderPass(mem.Make(arena, wgpu.RenderPassDescriptor{
				Label: shader.Label,
				ColorAttachments: mem.Varargs(arena, wgpu.RenderPassColorAttachment{
					View:       target.levelViews[cmd.Target.Mip],
					LoadOp:     wgpu.LoadOpClear,
					StoreOp:    wgpu.StoreOpStore,
					ClearValue: wgpu.Color{},
				}),
			}))
			rpass.SetPipeline(shader.Render.pipeline)
			rpass.SetBindGroup(0, bindGroup, nil)
			rpass.SetViewport(0, 0, float32(cmd.Width), float32(cmd.Height), 0, 1)
			rpass.SetScissorRect(0, 0, cmd.Width, cmd.Height)
			rpass.Draw(6, 1, 0, 0)
			rpass.End()
			bindGroup.Release()
			rpass.Release()

		case *renderer.Transition:
			// wgpu tracks the read-after-write hazard itself; the command only
			// asserts that the level exists. Backends with explicit barriers
			// would emit one here.
			if _, ok := externalImages[cmd.View.Image.ID]; ok {
				break
			}
			img, ok := eng.images[cmd.View.Image.ID]
			if !ok {
				panic("transition of an image that was never materialized")
			}
			if int(cmd.View.Mip) >= len(img.levelViews) {
				panic(fmt.Sprintf("transition of mip %d of an image with %d levels", cmd.View.Mip, len(img.levelViews)))
			}

		case *renderer.Download:
			srcBuf, ok := bufs[cmd.Buffer.ID]
			if !ok {
				panic("tried using unavailable buffer for download")
			}
			usage := wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst
			buf := eng.pool.getBuf(cmd.Buffer.Size, "download", usage, eng.Device)
			encoder.CopyBufferToBuffer(srcBuf, 0, buf, 0, cmd.Buffer.Size)
			eng.downloads[cmd.Buffer.ID] = buf

		case *renderer.FreeBuffer:
			freeBufs = append(freeBufs, cmd.Buffer.ID)

		case *renderer.FreeImage:
			freeImages = append(freeImages, cmd.Image.ID)

		default:
			panic(fmt.Sprintf("unhandled command %T", cmd))
		}
	}

	cmd := encoder.Finish(nil)
	encoder.Release()
	queue.Submit(cmd)
	cmd.Release()

	for _, id := range freeBufs {
		if buf, ok := bufs[id]; ok {
			delete(bufs, id)
			props := bufferProperties{
				size:   buf.Size(),
				usages: buf.Usage(),
			}
			eng.pool.bufs[props] = append(eng.pool.bufs[props], buf)
		}
	}
	for _, id := range freeImages {
		if img, ok := eng.images[id]; ok {
			delete(eng.images, id)
			img.release()
		}
	}
}

func (eng *Engine) getDownload(buf renderer.BufferProxy) (*wgpu.Buffer, bool) {
	got, ok := eng.downloads[buf.ID]
	return got, ok
}

func (eng *Engine) freeDownload(buf renderer.BufferProxy) {
	delete(eng.downloads, buf.ID)
}

// getOrCreateImage materializes a proxy: the texture with the proxy's full
// mip count plus one render-capable, sample-capable view per level.
func (eng *Engine) getOrCreateImage(proxy renderer.ImageProxy) *materializedImage {
	if m, ok := eng.images[proxy.ID]; ok {
		return m
	}

	format := imageFormatToWGPU(proxy.Format)
	usage := wgpu.TextureUsageTextureBinding | wgpu.TextureUsageRenderAttachment | wgpu.TextureUsageCopyDst
	if _, ok := storageFormatName(proxy.Format); ok {
		usage |= wgpu.TextureUsageStorageBinding
	}
	texture := eng.Device.CreateTexture(&wgpu.TextureDescriptor{
		Size: wgpu.Extent3D{
			Width:              proxy.Width,
			Height:             proxy.Height,
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: proxy.MipLevelCount,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Usage:         usage,
		Format:        format,
	})
	levelViews := make([]*wgpu.TextureView, proxy.MipLevelCount)
	for i := range levelViews {
		levelViews[i] = texture.CreateView(&wgpu.TextureViewDescriptor{
			Dimension:       wgpu.TextureViewDimension2D,
			Aspect:          wgpu.TextureAspectAll,
			BaseMipLevel:    uint32(i),
			MipLevelCount:   1,
			BaseArrayLayer:  0,
			ArrayLayerCount: ^uint32(0),
			Format:          format,
		})
	}
	fullView := texture.CreateView(&wgpu.TextureViewDescriptor{
		Dimension:       wgpu.TextureViewDimension2D,
		Aspect:          wgpu.TextureAspectAll,
		BaseMipLevel:    0,
		MipLevelCount:   ^uint32(0),
		BaseArrayLayer:  0,
		ArrayLayerCount: ^uint32(0),
		Format:          format,
	})
	m := &materializedImage{
		texture:    texture,
		levelViews: levelViews,
		fullView:   fullView,
	}
	eng.images[proxy.ID] = m
	return m
}

func (eng *Engine) writeImage(
	arena *mem.Arena,
	queue *wgpu.Queue,
	img *materializedImage,
	proxy renderer.ImageProxy,
	coords [4]uint32,
	data []byte,
) {
	format := imageFormatToWGPU(proxy.Format)
	blockSize, ok := format.BlockCopySize(wgpu.TextureAspectAll)
	if !ok {
		panic("image format must have a valid block size")
	}
	queue.WriteTexture(
		mem.Make(arena, wgpu.ImageCopyTexture{
			Texture:  img.texture,
			MipLevel: 0,
			Origin:   wgpu.Origin3D{X: coords[0], Y: coords[1], Z: 0},
			Aspect:   wgpu.TextureAspectAll,
		}),
		data,
		mem.Make(arena, wgpu.TextureDataLayout{
			Offset:       0,
			BytesPerRow:  coords[2] * blockSize,
			RowsPerImage: ^uint32(0),
		}),
		mem.Make(arena, wgpu.Extent3D{
			Width:              coords[2],
			Height:             coords[3],
			DepthOrArrayLayers: 1,
		}),
	)
}

// createBindGroup resolves proxies against this run's buffers, the caller's
// external images, and the engine's materialized images. A view of an
// external image always refers to the externally supplied view; callers hand
// over sources as single-level views already.
func (eng *Engine) createBindGroup(
	arena *mem.Arena,
	bufs map[renderer.ResourceID]*wgpu.Buffer,
	externalImages map[renderer.ResourceID]*wgpu.TextureView,
	layout *wgpu.BindGroupLayout,
	bindings []renderer.ResourceProxy,
) *wgpu.BindGroup {
	entries := mem.NewSlice[[]wgpu.BindGroupEntry](arena, len(bindings), len(bindings))
	for i, proxy := range bindings {
		switch proxy.Kind {
		case renderer.ResourceProxyKindBuffer:
			buf, ok := bufs[proxy.BufferProxy.ID]
			if !ok {
				panic(fmt.Sprintf("binding of buffer %q that was never uploaded", proxy.BufferProxy.Name))
			}
			entries[i] = wgpu.BindGroupEntry{
				Binding: uint32(i),
				Buffer:  buf,
				Size:    ^uint64(0),
			}
		case renderer.ResourceProxyKindImageView:
			var view *wgpu.TextureView
			if v, ok := externalImages[proxy.ImageViewProxy.Image.ID]; ok {
				view = v
			} else {
				img := eng.getOrCreateImage(proxy.ImageViewProxy.Image)
				view = img.levelViews[proxy.ImageViewProxy.Mip]
			}
			entries[i] = wgpu.BindGroupEntry{
				Binding:     uint32(i),
				TextureView: view,
				Size:        ^uint64(0),
			}
		case renderer.ResourceProxyKindImage:
			var view *wgpu.TextureView
			if v, ok := externalImages[proxy.ImageProxy.ID]; ok {
				view = v
			} else {
				view = eng.getOrCreateImage(proxy.ImageProxy).fullView
			}
			entries[i] = wgpu.BindGroupEntry{
				Binding:     uint32(i),
				TextureView: view,
				Size:        ^uint64(0),
			}
		case renderer.ResourceProxyKindSampler:
			entries[i] = wgpu.BindGroupEntry{
				Binding: uint32(i),
				Sampler: eng.sampler,
				Size:    ^uint64(0),
			}
		default:
			panic(fmt.Sprintf("unhandled type %d", proxy.Kind))
		}
	}

	return eng.Device.CreateBindGroup(mem.Make(arena, wgpu.BindGroupDescriptor{
		Layout:  layout,
		Entries: entries,
	}))
}

func (pool *resourcePool) getBuf(
	size uint64,
	name string,
	usage wgpu.BufferUsage,
	dev *wgpu.Device,
) *wgpu.Buffer {
	const sizeClassBits = 1

	roundedSize := poolSizeClass(size, sizeClassBits)
	props := bufferProperties{
		size:   roundedSize,
		usages: usage,
	}
	if bufVec, ok := pool.bufs[props]; ok {
		if len(bufVec) > 0 {
			buf := bufVec[len(bufVec)-1]
			bufVec = bufVec[:len(bufVec)-1]
			pool.bufs[props] = bufVec
			return buf
		}
	}
	return dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: name,
		Size:  roundedSize,
		Usage: usage,
	})
}

func poolSizeClass(x uint64, numBits uint32) uint64 {
	if x > 1<<numBits {
		a := bits.LeadingZeros64(x - 1)
		b := (x - 1) | (((math.MaxUint64 / 2) >> numBits) >> a)
		return b + 1
	} else {
		return 1 << numBits
	}
}
