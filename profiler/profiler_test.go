package profiler

import "testing"

func TestCPUSpans(t *testing.T) {
	p := NewCPU()

	outer := p.Start("frame")
	inner := outer.Start("record")
	inner.End()
	outer.End()

	spans := p.Take()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Label != "frame/record" {
		t.Errorf("nested label is %q, want %q", spans[0].Label, "frame/record")
	}
	if spans[1].Label != "frame" {
		t.Errorf("outer label is %q, want %q", spans[1].Label, "frame")
	}
	for _, s := range spans {
		if s.Duration < 0 {
			t.Errorf("span %q has negative duration %v", s.Label, s.Duration)
		}
	}

	if got := p.Take(); len(got) != 0 {
		t.Errorf("second Take returned %d spans, want none", len(got))
	}
}

func TestNopGroup(t *testing.T) {
	g := Nop()
	g.Start("a").Start("b").End()
	g.End()
}
