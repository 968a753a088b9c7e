package detection

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultSampleRate is used when a device does not report one.
	DefaultSampleRate = 44100
	readChunk         = 512
	stopGrace         = 10 * time.Second
)

var (
	ErrNoMicrophone     = errors.New("detection: no microphone found")
	ErrPermissionDenied = errors.New("detection: microphone permission denied")
	ErrUnsupported      = errors.New("detection: audio capture not supported")
	ErrNoFrequencies    = errors.New("detection: no target frequencies")
)

// Stream delivers mono samples in [-1, 1].
type Stream interface {
	SampleRate() int
	Read(p []float64) (int, error)
	Close() error
}

// Microphone opens capture streams.
type Microphone interface {
	Open(ctx context.Context) (Stream, error)
}

// Tone is a set of sine frequencies played together.
type Tone struct {
	Frequencies []float64
	Duration    time.Duration
	Gain        float64
}

// Speaker plays tones.
type Speaker interface {
	Play(ctx context.Context, tone Tone) error
}

// Notifier shows a user notification.
type Notifier interface {
	Notify(title, body string) error
}

// pcmStream decodes signed 16-bit little-endian mono PCM.
type pcmStream struct {
	r      io.Reader
	rate   int
	buf    []byte
	closer func() error
}

func newPCMStream(r io.Reader, rate int, closer func() error) *pcmStream {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return &pcmStream{r: r, rate: rate, buf: make([]byte, readChunk*2), closer: closer}
}

func (s *pcmStream) SampleRate() int { return s.rate }

func (s *pcmStream) Read(p []float64) (int, error) {
	n := len(p)
	if n > readChunk {
		n = readChunk
	}
	if n == 0 {
		return 0, nil
	}
	got, err := io.ReadFull(s.r, s.buf[:n*2])
	samples := got / 2
	for i := 0; i < samples; i++ {
		p[i] = float64(int16(binary.LittleEndian.Uint16(s.buf[2*i:]))) / 32768
	}
	if samples > 0 && errors.Is(err, io.ErrUnexpectedEOF) {
		err = nil
	}
	return samples, err
}

func (s *pcmStream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// ReaderMicrophone captures s16le mono PCM from a reader, such as a file or a pipe.
type ReaderMicrophone struct {
	R    io.Reader
	Rate int
}

func (m *ReaderMicrophone) Open(context.Context) (Stream, error) {
	if m.R == nil {
		return nil, ErrNoMicrophone
	}
	var closer func() error
	if c, ok := m.R.(io.Closer); ok {
		closer = c.Close
	}
	return newPCMStream(m.R, m.Rate, closer), nil
}

// CommandMicrophone captures from an external recorder that writes s16le mono PCM to stdout.
type CommandMicrophone struct {
	Path   string
	Args   []string
	Rate   int
	Logger *zap.Logger
}

// NewArecordMicrophone records from the default ALSA device.
func NewArecordMicrophone(rate int, logger *zap.Logger) *CommandMicrophone {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return &CommandMicrophone{
		Path:   "arecord",
		Args:   []string{"-q", "-t", "raw", "-f", "S16_LE", "-c", "1", "-r", strconv.Itoa(rate)},
		Rate:   rate,
		Logger: logger,
	}
}

func (m *CommandMicrophone) Open(ctx context.Context) (Stream, error) {
	path, err := exec.LookPath(m.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	cmd := exec.Command(path, m.Args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", m.Path, err)
	}
	if m.Logger != nil {
		m.Logger.Info("microphone capture started", zap.String("cmd", m.Path), zap.Int("pid", cmd.Process.Pid))
	}
	proc := &process{cmd: cmd}
	r := &classifyingReader{r: stdout, stderr: &stderr, wait: proc.wait}
	return newPCMStream(r, m.Rate, proc.stop), nil
}

// classifyingReader maps a recorder that exits early to a capture error.
type classifyingReader struct {
	r      io.Reader
	stderr *bytes.Buffer
	wait   func() error
}

func (c *classifyingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err == io.EOF {
		_ = c.wait()
		if cerr := classifyCapture(c.stderr.String()); cerr != nil {
			return n, cerr
		}
	}
	return n, err
}

func classifyCapture(stderr string) error {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "permission denied"):
		return ErrPermissionDenied
	case strings.Contains(s, "no such"), strings.Contains(s, "audio open error"), strings.Contains(s, "no soundcards"):
		return ErrNoMicrophone
	}
	return nil
}

// process stops an external audio command the way long-running children are stopped
// elsewhere: interrupt, then kill after a grace period.
type process struct {
	cmd      *exec.Cmd
	waitOnce sync.Once
	waitErr  error
}

func (p *process) wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}

func (p *process) stop() error {
	if p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- p.wait() }()
	select {
	case <-done:
	case <-time.After(stopGrace):
		_ = p.cmd.Process.Kill()
		<-done
	}
	return nil
}

// Synthesize renders tone as s16le mono PCM at rate.
func Synthesize(tone Tone, rate int) []byte {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	n := int(tone.Duration.Seconds() * float64(rate))
	out := make([]byte, n*2)
	if len(tone.Frequencies) == 0 {
		return out
	}
	amp := tone.Gain / float64(len(tone.Frequencies))
	for i := 0; i < n; i++ {
		t := float64(i) / float64(rate)
		var v float64
		for _, f := range tone.Frequencies {
			v += math.Sin(2 * math.Pi * f * t)
		}
		v *= amp
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v*32767)))
	}
	return out
}

// WriterSpeaker writes synthesized PCM to a writer, such as a playback pipe.
type WriterSpeaker struct {
	W    io.Writer
	Rate int
}

func (s *WriterSpeaker) Play(ctx context.Context, tone Tone) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.W.Write(Synthesize(tone, s.Rate))
	return err
}

// CommandSpeaker pipes synthesized PCM into an external player per tone.
type CommandSpeaker struct {
	Path string
	Args []string
	Rate int
}

// NewAplaySpeaker plays through the default ALSA device.
func NewAplaySpeaker(rate int) *CommandSpeaker {
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return &CommandSpeaker{
		Path: "aplay",
		Args: []string{"-q", "-t", "raw", "-f", "S16_LE", "-c", "1", "-r", strconv.Itoa(rate)},
		Rate: rate,
	}
}

func (s *CommandSpeaker) Play(ctx context.Context, tone Tone) error {
	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	cmd.Stdin = bytes.NewReader(Synthesize(tone, s.Rate))
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("play tone: %w", err)
	}
	return nil
}

// LogNotifier records notifications in the log.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Notify(title, body string) error {
	if n.Logger != nil {
		n.Logger.Info("notification", zap.String("title", title), zap.String("body", body))
	}
	return nil
}
