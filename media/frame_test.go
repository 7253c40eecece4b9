package media

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(tag byte) *Frame {
	f := &Frame{Width: 2, Height: 2, Data: make([]byte, 12), CapturedAt: time.Now()}
	f.Data[0] = tag
	return f
}

func TestFrameValid(t *testing.T) {
	assert.True(t, testFrame(1).Valid())
	assert.False(t, (&Frame{Width: 2, Height: 2, Data: make([]byte, 3)}).Valid())
	assert.False(t, (&Frame{}).Valid())
	var nilFrame *Frame
	assert.False(t, nilFrame.Valid())
}

func TestFrameSlotLatestWins(t *testing.T) {
	s := NewFrameSlot()

	const burst = 100
	for i := 0; i < burst; i++ {
		s.Put(testFrame(byte(i)))
	}

	got := s.Take()
	require.NotNil(t, got)
	assert.Equal(t, byte(burst-1), got.Data[0], "a burst delivers exactly the newest frame")
	assert.Nil(t, s.Take(), "slot holds at most one frame")
	assert.Equal(t, uint64(burst-1), s.Dropped())
}

func TestFrameSlotReadyCoalesces(t *testing.T) {
	s := NewFrameSlot()
	s.Put(testFrame(1))
	s.Put(testFrame(2))

	select {
	case <-s.Ready():
	default:
		t.Fatal("expected a pending ready signal")
	}
	select {
	case <-s.Ready():
		t.Fatal("ready signal must coalesce to one")
	default:
	}
}

func TestFrameSlotProducerNeverBlocks(t *testing.T) {
	s := NewFrameSlot()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10000; i++ {
			s.Put(testFrame(byte(i)))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked on an unconsumed slot")
	}
}

func TestNormalizeGeometry(t *testing.T) {
	cases := []struct {
		w, h int
	}{
		{640, 480},
		{1920, 1080},
		{352, 288},
		{100, 400},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%dx%d", tc.w, tc.h), func(t *testing.T) {
			in := Frame{Width: tc.w, Height: tc.h, Data: make([]byte, tc.w*tc.h*3)}
			out, err := Normalize(in)
			require.NoError(t, err)
			assert.Equal(t, CaptureWidth, out.Width)
			assert.Equal(t, CaptureHeight, out.Height)
			assert.Len(t, out.Data, CaptureWidth*CaptureHeight*3)
		})
	}

	_, err := Normalize(Frame{Width: 0, Height: 0})
	require.Error(t, err)
}

func TestAudioCodecRoundTrip(t *testing.T) {
	c := NewAudioCodec()

	pcm := make([]int16, AudioFrameSamples)
	for i := range pcm {
		pcm[i] = int16(i * 97 % 2048)
	}

	data := c.Encode(pcm)
	require.NotEmpty(t, data)
	assert.Less(t, len(data), len(pcm)*2, "encoded frame must be smaller than raw PCM")

	out := c.Decode(data)
	require.NotEmpty(t, out)
	assert.Len(t, out, AudioFrameSamples)
}

func TestAudioCodecEmptyInputs(t *testing.T) {
	c := NewAudioCodec()
	assert.Nil(t, c.Encode(nil))
	assert.Nil(t, c.Decode(nil))
}
