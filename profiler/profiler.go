// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package profiler

import (
	"time"

	"github.com/loov/hrtime"
)

type Group interface {
	Start(label string) Group
	End()
}

// Nop returns a group that records nothing.
func Nop() Group {
	return nopGroup{}
}

type nopGroup struct{}

func (nopGroup) Start(string) Group { return nopGroup{} }
func (nopGroup) End()               {}

// Span is one completed measurement.
type Span struct {
	Label    string
	Duration time.Duration
}

// CPU measures host-side spans with hrtime. It is not safe for concurrent
// use; give each recording goroutine its own profiler.
type CPU struct {
	spans []Span
}

func NewCPU() *CPU {
	return &CPU{}
}

func (p *CPU) Start(label string) Group {
	return &cpuSpan{
		profiler: p,
		label:    label,
		start:    hrtime.Now(),
	}
}

func (p *CPU) End() {}

// Take returns all completed spans and resets the profiler.
func (p *CPU) Take() []Span {
	out := p.spans
	p.spans = nil
	return out
}

type cpuSpan struct {
	profiler *CPU
	label    string
	start    time.Duration
}

func (s *cpuSpan) Start(label string) Group {
	return &cpuSpan{
		profiler: s.profiler,
		label:    s.label + "/" + label,
		start:    hrtime.Now(),
	}
}

func (s *cpuSpan) End() {
	s.profiler.spans = append(s.profiler.spans, Span{
		Label:    s.label,
		Duration: hrtime.Now() - s.start,
	})
}
