package beltpack

import (
	"context"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/doismellburning/lancomm/internal/audio"
)

// InitPortAudio initializes the PortAudio library. Call once at process
// startup before opening any stream, and TerminatePortAudio on shutdown.
func InitPortAudio() error {
	return portaudio.Initialize()
}

// TerminatePortAudio releases PortAudio's global resources.
func TerminatePortAudio() error {
	return portaudio.Terminate()
}

// PortAudioCapture reads microphone frames from a PortAudio input stream.
// It is a thin adapter over a blocking PortAudio stream: a pump goroutine
// calls the stream's blocking Read and feeds a channel, and ReadFrame
// waits on that channel.
type PortAudioCapture struct {
	stream *portaudio.Stream
	frames chan audio.Frame

	once sync.Once
}

// OpenPortAudioCapture opens the default input device at audio.SampleRate,
// mono, 16-bit, delivering one audio.Frame (20 ms) per blocking read.
func OpenPortAudioCapture() (*PortAudioCapture, error) {
	c := &PortAudioCapture{frames: make(chan audio.Frame, 4)}

	in := make([]int16, audio.FrameSamples)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(audio.SampleRate), audio.FrameSamples, in)
	if err != nil {
		return nil, fmt.Errorf("beltpack: open portaudio input stream: %w", err)
	}
	c.stream = stream

	if err := stream.Start(); err != nil {
		return nil, fmt.Errorf("beltpack: start portaudio input stream: %w", err)
	}

	go c.pump(in)
	return c, nil
}

func (c *PortAudioCapture) pump(in []int16) {
	for {
		if err := c.stream.Read(); err != nil {
			close(c.frames)
			return
		}
		var f audio.Frame
		copy(f[:], in)
		c.frames <- f
	}
}

// ReadFrame implements audio.CaptureDevice.
func (c *PortAudioCapture) ReadFrame(ctx context.Context) (audio.Frame, error) {
	select {
	case f, ok := <-c.frames:
		if !ok {
			return audio.Silence(), fmt.Errorf("beltpack: portaudio input stream closed")
		}
		return f, nil
	case <-ctx.Done():
		return audio.Silence(), ctx.Err()
	}
}

// Close stops and closes the underlying stream.
func (c *PortAudioCapture) Close() error {
	var err error
	c.once.Do(func() {
		c.stream.Stop()
		err = c.stream.Close()
	})
	return err
}

// PortAudioPlayback writes playback frames to a PortAudio output stream.
type PortAudioPlayback struct {
	stream *portaudio.Stream
	out    []int16
	once   sync.Once
	mu     sync.Mutex
}

// OpenPortAudioPlayback opens the default output device at audio.SampleRate,
// mono, 16-bit.
func OpenPortAudioPlayback() (*PortAudioPlayback, error) {
	out := make([]int16, audio.FrameSamples)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(audio.SampleRate), audio.FrameSamples, out)
	if err != nil {
		return nil, fmt.Errorf("beltpack: open portaudio output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		return nil, fmt.Errorf("beltpack: start portaudio output stream: %w", err)
	}
	return &PortAudioPlayback{stream: stream, out: out}, nil
}

// WriteFrame implements audio.PlaybackDevice. PortAudio's blocking Write
// call already applies backpressure, so ctx is only checked before the
// call, not during.
func (p *PortAudioPlayback) WriteFrame(ctx context.Context, f audio.Frame) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.out, f[:])
	return p.stream.Write()
}

// Close stops and closes the underlying stream.
func (p *PortAudioPlayback) Close() error {
	var err error
	p.once.Do(func() {
		p.stream.Stop()
		err = p.stream.Close()
	})
	return err
}
