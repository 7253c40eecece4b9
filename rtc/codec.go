package rtc

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	"termcall/media"
)

// Wire format for video frames on the data channel: a fixed header followed
// by a zstd-compressed RGB24 payload.
//
//	magic   4 bytes "TCV1"
//	width   uint16 BE
//	height  uint16 BE
//	stamp   int64  BE, capture time in unix microseconds
//	payload zstd(raw RGB24)
const frameMagic = "TCV1"

const frameHeaderLen = len(frameMagic) + 2 + 2 + 8

// Peers send capture-sized frames; anything larger is a malformed or hostile
// payload and is rejected before decompression can allocate for it.
const (
	maxFrameWidth  = 4 * media.CaptureWidth
	maxFrameHeight = 4 * media.CaptureHeight
)

var (
	frameEncoder *zstd.Encoder
	frameDecoder *zstd.Decoder
)

func init() {
	frameEncoder, _ = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedFastest),
		zstd.WithEncoderConcurrency(1))
	frameDecoder, _ = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(maxFrameWidth*maxFrameHeight*3))
}

// EncodeFrame serializes a frame for the video data channel.
func EncodeFrame(f *media.Frame) ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("encode frame: invalid raster")
	}
	if f.Width > 0xFFFF || f.Height > 0xFFFF {
		return nil, fmt.Errorf("encode frame: %dx%d exceeds 16-bit dimensions", f.Width, f.Height)
	}
	buf := make([]byte, frameHeaderLen)
	copy(buf, frameMagic)
	offset := len(frameMagic)
	binary.BigEndian.PutUint16(buf[offset:], uint16(f.Width))
	binary.BigEndian.PutUint16(buf[offset+2:], uint16(f.Height))
	binary.BigEndian.PutUint64(buf[offset+4:], uint64(f.CapturedAt.UnixMicro()))
	return frameEncoder.EncodeAll(f.Data[:f.Width*f.Height*3], buf), nil
}

// DecodeFrame parses a video data channel payload back into a frame.
func DecodeFrame(payload []byte) (*media.Frame, error) {
	if len(payload) < frameHeaderLen || string(payload[:len(frameMagic)]) != frameMagic {
		return nil, fmt.Errorf("decode frame: bad header")
	}
	offset := len(frameMagic)
	width := int(binary.BigEndian.Uint16(payload[offset:]))
	height := int(binary.BigEndian.Uint16(payload[offset+2:]))
	stamp := int64(binary.BigEndian.Uint64(payload[offset+4:]))
	if width <= 0 || height <= 0 || width > maxFrameWidth || height > maxFrameHeight {
		return nil, fmt.Errorf("decode frame: bad dimensions %dx%d", width, height)
	}
	pixels, err := frameDecoder.DecodeAll(payload[frameHeaderLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if len(pixels) != width*height*3 {
		return nil, fmt.Errorf("decode frame: payload is %d bytes, want %d", len(pixels), width*height*3)
	}
	return &media.Frame{
		Width:      width,
		Height:     height,
		Data:       pixels,
		CapturedAt: time.UnixMicro(stamp),
	}, nil
}
