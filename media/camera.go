package media

import (
	"context"
	"fmt"
	"time"

	gocam "github.com/svanichkin/gocam"
)

// Capture geometry: frames are normalized to CIF before entering the
// pipeline so the wire format stays small and predictable.
const (
	CaptureWidth  = 352
	CaptureHeight = 288
)

// StartCamera opens the default camera via gocam and returns a stream of
// CIF-normalized frames. Each frame is center-cropped to the target aspect
// and resized with nearest-neighbor sampling. The channel closes when the
// device stops or ctx ends.
func StartCamera(ctx context.Context) (<-chan Frame, error) {
	src, err := gocam.StartStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("camera start: %w", err)
	}

	out := make(chan Frame, 8)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case f, ok := <-src:
				if !ok {
					return
				}
				nf, err := Normalize(Frame{
					Width:      f.Width,
					Height:     f.Height,
					Data:       f.Data,
					CapturedAt: time.Now(),
				})
				if err != nil {
					continue
				}
				select {
				case out <- nf:
				default:
					// consumer lagging: replace the oldest queued frame
					select {
					case <-out:
					default:
					}
					out <- nf
				}
			}
		}
	}()
	return out, nil
}

// Normalize center-crops f to the CIF aspect ratio and resizes it to
// CaptureWidth x CaptureHeight.
func Normalize(f Frame) (Frame, error) {
	if !f.Valid() {
		return Frame{}, fmt.Errorf("bad frame %dx%d", f.Width, f.Height)
	}
	cropped := centerCropToAspect(f, CaptureWidth, CaptureHeight)
	return resizeRGB(cropped, CaptureWidth, CaptureHeight)
}

func centerCropToAspect(f Frame, targetW, targetH int) Frame {
	inW, inH := f.Width, f.Height
	ta := float64(targetW) / float64(targetH)
	ia := float64(inW) / float64(inH)
	cropW, cropH := inW, inH
	if ia > ta {
		cropW = int(float64(inH) * ta)
	} else if ia < ta {
		cropH = int(float64(inW) / ta)
	}
	if cropW == inW && cropH == inH {
		return f
	}
	x0 := (inW - cropW) / 2
	y0 := (inH - cropH) / 2
	out := Frame{Width: cropW, Height: cropH, Data: make([]byte, cropW*cropH*3), CapturedAt: f.CapturedAt}
	for y := 0; y < cropH; y++ {
		srcY := y0 + y
		copy(out.Data[y*cropW*3:(y+1)*cropW*3], f.Data[(srcY*inW+x0)*3:(srcY*inW+x0+cropW)*3])
	}
	return out
}

func resizeRGB(f Frame, outW, outH int) (Frame, error) {
	if outW <= 0 || outH <= 0 {
		return Frame{}, fmt.Errorf("bad out size %dx%d", outW, outH)
	}
	if f.Width == outW && f.Height == outH {
		return f, nil
	}
	out := Frame{Width: outW, Height: outH, Data: make([]byte, outW*outH*3), CapturedAt: f.CapturedAt}
	for y := 0; y < outH; y++ {
		sy := y * f.Height / outH
		if sy >= f.Height {
			sy = f.Height - 1
		}
		for x := 0; x < outW; x++ {
			sx := x * f.Width / outW
			if sx >= f.Width {
				sx = f.Width - 1
			}
			srcIdx := (sy*f.Width + sx) * 3
			dstIdx := (y*outW + x) * 3
			copy(out.Data[dstIdx:dstIdx+3], f.Data[srcIdx:srcIdx+3])
		}
	}
	return out, nil
}
