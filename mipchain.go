// Package mipchain generates GPU-resident image pyramids: given one source
// image, it renders a chain of progressively half-resolution mip levels
// suitable for sampling by blur, bloom or ambient occlusion passes.
//
// The renderer package records the chain as backend-agnostic commands and
// engine/wgpu_engine replays them on a wgpu device; this package wires the
// two together for the common single-device case.
package mipchain

import (
	"honnef.co/go/mipchain/engine/wgpu_engine"
	"honnef.co/go/mipchain/mem"
	"honnef.co/go/mipchain/profiler"
	"honnef.co/go/mipchain/renderer"
	"honnef.co/go/wgpu"
)

type Options struct {
	// Format of the chain's levels. Defaults to Rgba8.
	Format renderer.ImageFormat
	// RingSize is the capacity in bytes of the per-pass constant ring.
	// The default fits several full chains per frame.
	RingSize int
	// UseCompute selects the compute pipeline instead of the render
	// pipeline. Requires a storage-capable format.
	UseCompute bool
	// Profiler receives one span per generated frame. Nil disables
	// profiling.
	Profiler profiler.Group
}

const defaultRingSize = 64 * 1024

// Generator owns a downsample chain and everything needed to draw it: the
// engine, the parameter ring and a per-frame arena. It is single-threaded;
// concurrent chains need separate Generators (they may share the device).
type Generator struct {
	engine *wgpu_engine.Engine
	ring   *mem.Ring
	arena  *mem.Arena
	pgroup profiler.Group

	ds         *renderer.Downsampler
	cs         *renderer.ComputeDownsampler
	format     renderer.ImageFormat
	source     renderer.ImageProxy
	sourceView *wgpu.TextureView
}

func New(dev *wgpu.Device, options Options) *Generator {
	if options.RingSize == 0 {
		options.RingSize = defaultRingSize
	}
	if options.Profiler == nil {
		options.Profiler = profiler.Nop()
	}
	eng := wgpu_engine.New(dev, &wgpu_engine.RendererOptions{Format: options.Format})
	ring := mem.NewRing(options.RingSize)
	g := &Generator{
		engine: eng,
		ring:   ring,
		arena:  mem.NewArena(),
		pgroup: options.Profiler,
		format: options.Format,
	}
	if options.UseCompute {
		if eng.Shaders().DownsampleCompute < 0 {
			panic("mipchain: configured format cannot back a storage image")
		}
		g.cs = renderer.NewComputeDownsampler(ring, eng.Shaders().DownsampleCompute, options.Format)
	} else {
		g.ds = renderer.NewDownsampler(ring, eng.Shaders().Downsample, options.Format)
	}
	return g
}

// SetSource (re)binds the chain to a source image of the given size,
// tearing down any previously sized resources first. The view must be a
// single-level view of the source's top level and stays owned by the caller.
func (g *Generator) SetSource(width, height uint32, view *wgpu.TextureView, mipCount int) error {
	if g.sized() {
		if err := g.destroySized(); err != nil {
			return err
		}
	}
	source := renderer.NewImageProxy(width, height, 1, g.format)
	if err := g.createSized(width, height, source, mipCount); err != nil {
		return err
	}
	g.source = source
	g.sourceView = view
	return nil
}

// Generate records and submits one full downsample of the current source.
func (g *Generator) Generate(queue *wgpu.Queue) error {
	span := g.pgroup.Start("Generate")
	defer span.End()

	g.arena.Reset()
	g.ring.Reset()
	rec := mem.New[renderer.Recording](g.arena)
	if err := g.record(rec); err != nil {
		return err
	}
	g.engine.RunRecording(g.arena, queue, rec, []wgpu_engine.ExternalResource{
		wgpu_engine.ExternalImage{
			Proxy: g.source,
			View:  g.sourceView,
		},
	}, "downsample chain", g.pgroup)
	return nil
}

// ResultImage returns the chain image proxy. Read-only to the caller.
func (g *Generator) ResultImage() (renderer.ImageProxy, error) {
	if g.ds != nil {
		return g.ds.ResultImage()
	}
	return g.cs.ResultImage()
}

// LevelView returns the sampleable view of chain level i.
func (g *Generator) LevelView(i int) (renderer.ImageViewProxy, error) {
	if g.ds != nil {
		return g.ds.LevelView(i)
	}
	return g.cs.LevelView(i)
}

// Close tears down sized and device-lifetime resources. The queue must have
// finished all recordings that use the chain.
func (g *Generator) Close() error {
	if g.sized() {
		if err := g.destroySized(); err != nil {
			return err
		}
	}
	var err error
	if g.ds != nil {
		err = g.ds.Close()
	} else {
		err = g.cs.Close()
	}
	if err != nil {
		return err
	}
	g.engine.Close()
	return nil
}

func (g *Generator) sized() bool {
	if g.ds != nil {
		return g.ds.MipCount() > 0
	}
	return g.cs.MipCount() > 0
}

func (g *Generator) createSized(width, height uint32, source renderer.ImageProxy, mipCount int) error {
	if g.ds != nil {
		return g.ds.CreateSized(width, height, source, mipCount)
	}
	return g.cs.CreateSized(width, height, source, mipCount)
}

func (g *Generator) destroySized() error {
	var chain renderer.ImageProxy
	var err error
	if g.ds != nil {
		chain, err = g.ds.ResultImage()
	} else {
		chain, err = g.cs.ResultImage()
	}
	if err != nil {
		return err
	}
	g.engine.ReleaseImage(chain)
	if g.ds != nil {
		return g.ds.DestroySized()
	}
	return g.cs.DestroySized()
}

func (g *Generator) record(rec *renderer.Recording) error {
	if g.ds != nil {
		return g.ds.Record(g.arena, rec)
	}
	return g.cs.Record(g.arena, rec)
}
