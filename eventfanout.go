package kernelx

import (
	"pkt.systems/kernelx/core"
	"pkt.systems/kernelx/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnCell(event schema.CellEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnCell(event)
	}
}

func (f eventFanout) OnKernel(event schema.KernelEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnKernel(event)
	}
}
