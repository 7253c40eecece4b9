package media

import (
	"context"
	"sync"

	malgo "github.com/gen2brain/malgo"
	g722 "github.com/gotranspile/g722"
	"github.com/sirupsen/logrus"
)

const (
	AudioSampleRate = 8000
	AudioChannels   = 1
	AudioFrameMs    = 20

	g722Bitrate       = g722.Rate48000
	g722BitsPerSample = 6
	g722Options       = g722.FlagSampleRate8000 | g722.FlagPacked
)

// AudioFrameSamples is the PCM sample count of one codec frame.
const AudioFrameSamples = AudioSampleRate * AudioFrameMs / 1000

// AudioCodec wraps a G.722 encoder/decoder pair for fixed-size PCM frames.
type AudioCodec struct {
	encMu sync.Mutex
	enc   *g722.Encoder
	decMu sync.Mutex
	dec   *g722.Decoder
}

func NewAudioCodec() *AudioCodec {
	return &AudioCodec{
		enc: g722.NewEncoder(g722Bitrate, g722Options),
		dec: g722.NewDecoder(g722Bitrate, g722Options),
	}
}

// Encode compresses one PCM frame. Returns nil when the frame is empty or
// the encoder produced nothing.
func (c *AudioCodec) Encode(pcm []int16) []byte {
	if len(pcm) == 0 {
		return nil
	}
	encodedLen := (len(pcm)*g722BitsPerSample + 7) / 8
	buf := make([]byte, encodedLen)
	c.encMu.Lock()
	written := c.enc.Encode(buf, pcm)
	c.encMu.Unlock()
	if written <= 0 {
		return nil
	}
	return buf[:written]
}

// Decode expands one compressed frame back into PCM.
func (c *AudioCodec) Decode(data []byte) []int16 {
	if len(data) == 0 {
		return nil
	}
	pcm := make([]int16, AudioFrameSamples)
	c.decMu.Lock()
	written := c.dec.Decode(pcm, data)
	c.decMu.Unlock()
	if written <= 0 {
		return nil
	}
	if written < len(pcm) {
		pcm = pcm[:written]
	}
	return pcm
}

// StartMicrophone starts capturing PCM from the default input device. The
// channel closes when ctx ends. Frames are dropped if the consumer lags.
func StartMicrophone(ctx context.Context) (<-chan []int16, error) {
	log := logrus.WithField("comp", "mic")
	out := make(chan []int16, 16)

	mCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug(message)
	})
	if err != nil {
		close(out)
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = AudioChannels
	cfg.SampleRate = AudioSampleRate

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			if len(pInput) == 0 {
				return
			}
			select {
			case out <- bytesToInt16(pInput):
			default:
			}
		},
	}

	dev, err := malgo.InitDevice(mCtx.Context, cfg, callbacks)
	if err != nil {
		mCtx.Uninit()
		close(out)
		return nil, err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		mCtx.Uninit()
		close(out)
		return nil, err
	}

	go func() {
		<-ctx.Done()
		_ = dev.Stop()
		dev.Uninit()
		mCtx.Uninit()
		close(out)
	}()

	return out, nil
}

// Speaker plays PCM frames pulled from a channel.
type Speaker struct {
	dev  *malgo.Device
	ctx  *malgo.AllocatedContext
	once sync.Once
}

// StartSpeaker opens the default playback device. The data callback drains
// in, padding with silence when no frame is buffered.
func StartSpeaker(in <-chan []int16) (*Speaker, error) {
	log := logrus.WithField("comp", "speaker")
	mCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug(message)
	})
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = AudioChannels
	cfg.SampleRate = AudioSampleRate
	cfg.PeriodSizeInFrames = uint32(AudioFrameSamples * 4)
	if cfg.Periods < 4 {
		cfg.Periods = 4
	}

	var pending []int16

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			if len(pOutput) == 0 {
				return
			}
			needed := int(frameCount) * AudioChannels
			samples := make([]int16, needed)
			filled := 0
			for filled < needed {
				if len(pending) == 0 {
					select {
					case frame := <-in:
						pending = frame
					default:
					}
					if len(pending) == 0 {
						break
					}
				}
				n := copy(samples[filled:], pending)
				filled += n
				pending = pending[n:]
			}
			b := int16ToBytes(samples)
			copy(pOutput, b)
			for i := len(b); i < len(pOutput); i++ {
				pOutput[i] = 0
			}
		},
	}

	dev, err := malgo.InitDevice(mCtx.Context, cfg, callbacks)
	if err != nil {
		mCtx.Uninit()
		mCtx.Free()
		return nil, err
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		mCtx.Uninit()
		mCtx.Free()
		return nil, err
	}
	return &Speaker{dev: dev, ctx: mCtx}, nil
}

// Close stops playback and releases the device.
func (s *Speaker) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.dev != nil {
			_ = s.dev.Stop()
			s.dev.Uninit()
		}
		if s.ctx != nil {
			s.ctx.Uninit()
			s.ctx.Free()
		}
	})
}

func bytesToInt16(b []byte) []int16 {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(b[2*i]) | int16(b[2*i+1])<<8
	}
	return out
}

func int16ToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, v := range samples {
		b[2*i] = byte(v)
		b[2*i+1] = byte(v >> 8)
	}
	return b
}
