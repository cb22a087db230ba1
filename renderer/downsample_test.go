package renderer

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"honnef.co/go/mipchain/mem"
	"honnef.co/go/safeish"
)

const testShader ShaderID = 7

func testSource(width, height uint32) ImageProxy {
	return NewImageProxy(width, height, 1, Rgba8)
}

func newTestChain(t *testing.T, width, height uint32, mipCount int) (*Downsampler, ImageProxy) {
	t.Helper()
	d := NewDownsampler(mem.NewRing(64*1024), testShader, Rgba8)
	source := testSource(width, height)
	if err := d.CreateSized(width, height, source, mipCount); err != nil {
		t.Fatalf("CreateSized(%d, %d, %d): %v", width, height, mipCount, err)
	}
	return d, source
}

func drawPasses(rec *Recording) []*DrawPass {
	var out []*DrawPass
	for _, cmd := range rec.Commands {
		if dp, ok := cmd.(*DrawPass); ok {
			out = append(out, dp)
		}
	}
	return out
}

func TestLevelDimensions(t *testing.T) {
	tests := []struct {
		width, height uint32
		mipCount      int
		want          [][2]uint32
	}{
		{512, 512, 9, [][2]uint32{{512, 512}, {256, 256}, {128, 128}, {64, 64}, {32, 32}, {16, 16}, {8, 8}, {4, 4}, {2, 2}}},
		{1025, 1, 4, [][2]uint32{{1025, 1}, {512, 1}, {256, 1}, {128, 1}}},
		{1, 1, 3, [][2]uint32{{1, 1}, {1, 1}, {1, 1}}},
		{800, 600, 12, [][2]uint32{{800, 600}, {400, 300}, {200, 150}, {100, 75}, {50, 37}, {25, 18}, {12, 9}, {6, 4}, {3, 2}, {1, 1}, {1, 1}, {1, 1}}},
	}
	for _, tt := range tests {
		d, _ := newTestChain(t, tt.width, tt.height, tt.mipCount)
		if got := d.MipCount(); got != tt.mipCount {
			t.Errorf("%dx%d: got %d levels, want %d", tt.width, tt.height, got, tt.mipCount)
		}
		for k, want := range tt.want {
			w, h, err := d.LevelSize(k)
			if err != nil {
				t.Fatalf("%dx%d: LevelSize(%d): %v", tt.width, tt.height, k, err)
			}
			if w != want[0] || h != want[1] {
				t.Errorf("%dx%d: level %d is %dx%d, want %dx%d", tt.width, tt.height, k, w, h, want[0], want[1])
			}
		}
	}
}

func TestRecordPassSequence(t *testing.T) {
	const mipCount = 5
	d, source := newTestChain(t, 512, 512, mipCount)
	arena := mem.NewArena()
	rec := &Recording{}
	if err := d.Record(arena, rec); err != nil {
		t.Fatal(err)
	}

	passes := drawPasses(rec)
	if len(passes) != mipCount {
		t.Fatalf("got %d passes, want %d", len(passes), mipCount)
	}

	chain, err := d.ResultImage()
	if err != nil {
		t.Fatal(err)
	}

	for k, pass := range passes {
		if pass.Target != chain.Level(uint32(k)) {
			t.Errorf("pass %d renders to %v, want chain level %d", k, pass.Target, k)
		}
		wantW, wantH, _ := d.LevelSize(k)
		if pass.Width != wantW || pass.Height != wantH {
			t.Errorf("pass %d viewport is %dx%d, want %dx%d", k, pass.Width, pass.Height, wantW, wantH)
		}

		if len(pass.Bindings) != 3 {
			t.Fatalf("pass %d has %d bindings, want 3", k, len(pass.Bindings))
		}
		src := pass.Bindings[0]
		if src.Kind != ResourceProxyKindImageView {
			t.Fatalf("pass %d binding 0 is kind %d, want an image view", k, src.Kind)
		}
		if k == 0 {
			if src.ImageViewProxy != source.Level(0) {
				t.Errorf("pass 0 reads %v, want the external source", src.ImageViewProxy)
			}
		} else {
			if src.ImageViewProxy != passes[k-1].Target {
				t.Errorf("pass %d reads %v, want pass %d's target", k, src.ImageViewProxy, k-1)
			}
		}
		if pass.Bindings[1].Kind != ResourceProxyKindSampler {
			t.Errorf("pass %d binding 1 is kind %d, want the sampler", k, pass.Bindings[1].Kind)
		}
		if pass.Bindings[2].Kind != ResourceProxyKindBuffer {
			t.Errorf("pass %d binding 2 is kind %d, want the constants", k, pass.Bindings[2].Kind)
		}
	}
}

func TestRecordConstantsPerPass(t *testing.T) {
	const mipCount = 4
	d, _ := newTestChain(t, 64, 32, mipCount)
	arena := mem.NewArena()
	rec := &Recording{}
	if err := d.Record(arena, rec); err != nil {
		t.Fatal(err)
	}

	var uploads []*UploadUniform
	for _, cmd := range rec.Commands {
		if u, ok := cmd.(*UploadUniform); ok {
			uploads = append(uploads, u)
		}
	}
	if len(uploads) != mipCount {
		t.Fatalf("got %d uniform uploads, want %d", len(uploads), mipCount)
	}

	seen := make(map[ResourceID]bool)
	for k, u := range uploads {
		if seen[u.Buffer.ID] {
			t.Errorf("uniform buffer %d reused across passes", u.Buffer.ID)
		}
		seen[u.Buffer.ID] = true

		if len(u.Data) != passConstantsSize {
			t.Fatalf("pass %d constants are %d bytes, want %d", k, len(u.Data), passConstantsSize)
		}
		cb := *safeish.Cast[*passConstants](&u.Data[0])
		wantW, wantH, _ := d.LevelSize(k)
		if cb.OutWidth != float32(wantW) || cb.OutHeight != float32(wantH) {
			t.Errorf("pass %d constants are %gx%g, want %dx%d", k, cb.OutWidth, cb.OutHeight, wantW, wantH)
		}
		if cb.InvWidth != 1/float32(wantW) || cb.InvHeight != 1/float32(wantH) {
			t.Errorf("pass %d reciprocals are %g, %g, want %g, %g", k, cb.InvWidth, cb.InvHeight, 1/float32(wantW), 1/float32(wantH))
		}
	}

	// every pass's constants are bound to that pass
	passes := drawPasses(rec)
	for k, pass := range passes {
		if pass.Bindings[2].BufferProxy != uploads[k].Buffer {
			t.Errorf("pass %d bound to uniform %d, want %d", k, pass.Bindings[2].BufferProxy.ID, uploads[k].Buffer.ID)
		}
	}
}

func TestRecordTransitions(t *testing.T) {
	const mipCount = 3
	d, _ := newTestChain(t, 128, 128, mipCount)
	arena := mem.NewArena()
	rec := &Recording{}
	if err := d.Record(arena, rec); err != nil {
		t.Fatal(err)
	}

	// each written level must become readable before the next pass reads it
	transitioned := make(map[ImageViewProxy]bool)
	for _, cmd := range rec.Commands {
		switch cmd := cmd.(type) {
		case *DrawPass:
			src := cmd.Bindings[0].ImageViewProxy
			if src.Image.ID == cmd.Target.Image.ID && !transitioned[src] {
				t.Errorf("pass reads chain level %d before its transition", src.Mip)
			}
		case *Transition:
			if cmd.From != StateRenderTarget || cmd.To != StateShaderRead {
				t.Errorf("transition %v -> %v, want render target -> shader read", cmd.From, cmd.To)
			}
			transitioned[cmd.View] = true
		}
	}
	if len(transitioned) != mipCount {
		t.Errorf("got %d transitions, want %d", len(transitioned), mipCount)
	}
}

func TestRecordSingleLevel(t *testing.T) {
	d, source := newTestChain(t, 300, 200, 1)
	arena := mem.NewArena()
	rec := &Recording{}
	if err := d.Record(arena, rec); err != nil {
		t.Fatal(err)
	}

	passes := drawPasses(rec)
	if len(passes) != 1 {
		t.Fatalf("got %d passes, want exactly one copy pass", len(passes))
	}
	pass := passes[0]
	if pass.Width != 300 || pass.Height != 200 {
		t.Errorf("copy pass viewport is %dx%d, want full resolution", pass.Width, pass.Height)
	}
	if pass.Bindings[0].ImageViewProxy != source.Level(0) {
		t.Error("copy pass does not read the external source")
	}
}

func TestRecordAtomicOnExhaustion(t *testing.T) {
	// room for two pass constants, chain needs five
	ring := mem.NewRing(2 * mem.UniformAlign)
	d := NewDownsampler(ring, testShader, Rgba8)
	if err := d.CreateSized(512, 512, testSource(512, 512), 5); err != nil {
		t.Fatal(err)
	}

	arena := mem.NewArena()
	rec := &Recording{}
	err := d.Record(arena, rec)
	if !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("got %v, want ErrResourceExhausted", err)
	}
	if len(rec.Commands) != 0 {
		t.Fatalf("failed record left %d commands behind", len(rec.Commands))
	}

	// after the frame-level reset the ring can back a chain that fits
	ring.Reset()
	d2 := NewDownsampler(ring, testShader, Rgba8)
	if err := d2.CreateSized(512, 512, testSource(512, 512), 2); err != nil {
		t.Fatal(err)
	}
	if err := d2.Record(arena, rec); err != nil {
		t.Fatal(err)
	}
}

func TestInvalidDimensions(t *testing.T) {
	tests := []struct {
		name          string
		width, height uint32
		mipCount      int
	}{
		{"zero width", 0, 128, 3},
		{"zero height", 128, 0, 3},
		{"zero levels", 128, 128, 0},
		{"too many levels", 128, 128, MaxMipLevels + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDownsampler(mem.NewRing(4096), testShader, Rgba8)
			err := d.CreateSized(tt.width, tt.height, testSource(max(1, tt.width), max(1, tt.height)), tt.mipCount)
			if !errors.Is(err, ErrInvalidDimensions) {
				t.Fatalf("got %v, want ErrInvalidDimensions", err)
			}
			// the failed create must leave the prior state intact
			if err := d.CreateSized(128, 128, testSource(128, 128), 3); err != nil {
				t.Fatalf("valid CreateSized after a rejected one: %v", err)
			}
		})
	}
}

func TestLifecycle(t *testing.T) {
	d := NewDownsampler(mem.NewRing(4096), testShader, Rgba8)
	arena := mem.NewArena()

	if err := d.Record(arena, &Recording{}); !errors.Is(err, ErrPrecondition) {
		t.Errorf("Record before CreateSized: got %v, want ErrPrecondition", err)
	}
	if _, err := d.ResultImage(); !errors.Is(err, ErrPrecondition) {
		t.Errorf("ResultImage before CreateSized: got %v, want ErrPrecondition", err)
	}
	if err := d.DestroySized(); !errors.Is(err, ErrPrecondition) {
		t.Errorf("DestroySized before CreateSized: got %v, want ErrPrecondition", err)
	}

	if err := d.CreateSized(64, 64, testSource(64, 64), 3); err != nil {
		t.Fatal(err)
	}
	if err := d.CreateSized(32, 32, testSource(32, 32), 2); !errors.Is(err, ErrPrecondition) {
		t.Errorf("double CreateSized: got %v, want ErrPrecondition", err)
	}
	if got := d.MipCount(); got != 3 {
		t.Errorf("rejected CreateSized changed the chain: %d levels, want 3", got)
	}
	if err := d.Close(); !errors.Is(err, ErrPrecondition) {
		t.Errorf("Close while sized: got %v, want ErrPrecondition", err)
	}

	if err := d.DestroySized(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); !errors.Is(err, ErrPrecondition) {
		t.Errorf("double Close: got %v, want ErrPrecondition", err)
	}
	if err := d.CreateSized(64, 64, testSource(64, 64), 3); !errors.Is(err, ErrPrecondition) {
		t.Errorf("CreateSized after Close: got %v, want ErrPrecondition", err)
	}
}

func TestLevelViewRange(t *testing.T) {
	d, _ := newTestChain(t, 256, 256, 4)
	chain, _ := d.ResultImage()

	for i := 0; i < 4; i++ {
		view, err := d.LevelView(i)
		if err != nil {
			t.Fatalf("LevelView(%d): %v", i, err)
		}
		if view != chain.Level(uint32(i)) {
			t.Errorf("LevelView(%d) = %v, want chain level %d", i, view, i)
		}
	}
	for _, i := range []int{-1, 4, 100} {
		if _, err := d.LevelView(i); !errors.Is(err, ErrPrecondition) {
			t.Errorf("LevelView(%d): got %v, want ErrPrecondition", i, err)
		}
	}
}

func TestCreateSizedIdempotent(t *testing.T) {
	d := NewDownsampler(mem.NewRing(4096), testShader, Rgba8)
	source := testSource(1025, 77)

	geometry := func() [][2]uint32 {
		var out [][2]uint32
		for k := 0; k < d.MipCount(); k++ {
			w, h, err := d.LevelSize(k)
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, [2]uint32{w, h})
		}
		return out
	}

	if err := d.CreateSized(1025, 77, source, 8); err != nil {
		t.Fatal(err)
	}
	first := geometry()
	if err := d.DestroySized(); err != nil {
		t.Fatal(err)
	}
	if err := d.CreateSized(1025, 77, source, 8); err != nil {
		t.Fatal(err)
	}
	second := geometry()

	if len(first) != len(second) {
		t.Fatalf("level counts differ: %d vs %d", len(first), len(second))
	}
	for k := range first {
		if first[k] != second[k] {
			t.Errorf("level %d geometry differs after rebuild: %v vs %v", k, first[k], second[k])
		}
	}
}

func TestFreshConstantsAcrossFrames(t *testing.T) {
	d, _ := newTestChain(t, 256, 256, 4)
	ring := d.ring
	arena := mem.NewArena()

	frame := func() map[ResourceID]bool {
		arena.Reset()
		ring.Reset()
		rec := &Recording{}
		if err := d.Record(arena, rec); err != nil {
			t.Fatal(err)
		}
		ids := make(map[ResourceID]bool)
		for _, cmd := range rec.Commands {
			if u, ok := cmd.(*UploadUniform); ok {
				ids[u.Buffer.ID] = true
			}
		}
		return ids
	}

	a := frame()
	b := frame()
	for id := range a {
		if b[id] {
			t.Fatalf("uniform buffer %d cached across frames", id)
		}
	}
}

func TestConcurrentInstances(t *testing.T) {
	// two chains sharing only the source proxy, each with its own ring,
	// arena and recording
	source := testSource(2048, 2048)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := NewDownsampler(mem.NewRing(64*1024), testShader, Rgba8)
			if err := d.CreateSized(2048, 2048, source, 10); err != nil {
				t.Error(err)
				return
			}
			arena := mem.NewArena()
			for frame := 0; frame < 100; frame++ {
				arena.Reset()
				d.ring.Reset()
				rec := &Recording{}
				if err := d.Record(arena, rec); err != nil {
					t.Error(err)
					return
				}
				if got := len(drawPasses(rec)); got != 10 {
					t.Errorf("frame %d recorded %d passes, want 10", frame, got)
					return
				}
			}
		}()
	}
	wg.Wait()
}
