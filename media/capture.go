package media

import (
	"context"

	"github.com/sirupsen/logrus"
)

// CapturePipeline fans camera frames out into two latest-wins slots: one for
// the outbound peer connection and one for the local preview. Neither
// consumer can stall the other or the camera.
type CapturePipeline struct {
	Outbound *FrameSlot
	Preview  *FrameSlot

	log *logrus.Entry

	// onDeviceLost fires once if the camera stream closes before ctx ends.
	onDeviceLost func()
}

// NewCapturePipeline builds a pipeline with fresh slots. onDeviceLost may be
// nil.
func NewCapturePipeline(onDeviceLost func()) *CapturePipeline {
	return &CapturePipeline{
		Outbound:     NewFrameSlot(),
		Preview:      NewFrameSlot(),
		log:          logrus.WithField("comp", "capture"),
		onDeviceLost: onDeviceLost,
	}
}

// Run consumes frames until ctx ends or the source channel closes. A closed
// source with a live ctx means the device disappeared.
func (p *CapturePipeline) Run(ctx context.Context, frames <-chan Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				select {
				case <-ctx.Done():
				default:
					p.log.Warn("camera stream closed")
					if p.onDeviceLost != nil {
						p.onDeviceLost()
					}
				}
				return
			}
			if !f.Valid() {
				continue
			}
			fc := f
			p.Outbound.Put(&fc)
			// the preview shares the same backing frame; slots never mutate
			p.Preview.Put(&fc)
		}
	}
}
