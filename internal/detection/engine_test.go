package detection

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSpeaker struct {
	mu    sync.Mutex
	tones []Tone
}

func (s *fakeSpeaker) Play(ctx context.Context, tone Tone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tones = append(s.tones, tone)
	return ctx.Err()
}

func (s *fakeSpeaker) played() []Tone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Tone(nil), s.tones...)
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *fakeNotifier) Notify(title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

type recorder struct {
	mu       sync.Mutex
	statuses []string
	results  []bool
	done     chan bool
}

func newRecorder() *recorder {
	return &recorder{done: make(chan bool, 4)}
}

func (r *recorder) status(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) complete(ok bool) {
	r.mu.Lock()
	r.results = append(r.results, ok)
	r.mu.Unlock()
	r.done <- ok
}

func (r *recorder) snapshot() ([]string, []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.statuses...), append([]bool(nil), r.results...)
}

func stepSession(t *testing.T, e *Engine, freqs []int, rec *recorder) *Session {
	t.Helper()
	s := e.newSession(context.Background(), freqs, 44100, rec.status, rec.complete)
	t.Cleanup(s.Cancel)
	return s
}

func TestStepConfirmsAfterFiveHits(t *testing.T) {
	speaker := &fakeSpeaker{}
	notifier := &fakeNotifier{}
	e := NewEngine(DefaultConfig(), nil, WithSpeaker(speaker), WithNotifier(notifier))
	rec := newRecorder()
	s := stepSession(t, e, []int{2000}, rec)

	hit := spectrum(50, 200, TargetBin(2000, 44100, 2048))
	t0 := time.Unix(1000, 0)
	for i := 0; i < 4; i++ {
		require.False(t, s.step(hit, t0.Add(time.Duration(i)*16*time.Millisecond)))
	}
	assert.Equal(t, Accumulating, s.Progress()[0].State)
	require.True(t, s.step(hit, t0.Add(64*time.Millisecond)))
	s.finish()

	statuses, results := rec.snapshot()
	assert.Equal(t, []bool{true}, results)
	assert.Contains(t, statuses, StatusDetected)
	assert.Equal(t, []string{NotificationTitle}, notifier.titles)
	require.Eventually(t, func() bool { return len(speaker.played()) == 1 }, time.Second, time.Millisecond)
	beep := speaker.played()[0]
	assert.Equal(t, []float64{1000}, beep.Frequencies)
	assert.Equal(t, 200*time.Millisecond, beep.Duration)
	assert.Equal(t, 0.2, beep.Gain)
	assert.True(t, s.Succeeded())
}

func TestStepRequiresEveryFrequency(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	rec := newRecorder()
	s := stepSession(t, e, []int{2000, 4000}, rec)

	onlyFirst := spectrum(50, 200, TargetBin(2000, 44100, 2048))
	t0 := time.Unix(1000, 0)
	for i := 0; i < 10; i++ {
		require.False(t, s.step(onlyFirst, t0.Add(time.Duration(i)*16*time.Millisecond)))
	}
	p := s.Progress()
	assert.Equal(t, Confirmed, p[0].State)
	assert.Equal(t, Idle, p[1].State)

	both := spectrum(50, 200, TargetBin(2000, 44100, 2048), TargetBin(4000, 44100, 2048))
	done := false
	for i := 0; i < 5 && !done; i++ {
		done = s.step(both, t0.Add(time.Second+time.Duration(i)*16*time.Millisecond))
	}
	assert.True(t, done)
}

func TestStepMissesDecayInsteadOfResetting(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	s := stepSession(t, e, []int{2000}, newRecorder())
	hit := spectrum(50, 200, TargetBin(2000, 44100, 2048))
	miss := spectrum(50, 50)

	t0 := time.Unix(1000, 0)
	for i := 0; i < 4; i++ {
		s.step(hit, t0)
	}
	s.step(miss, t0.Add(time.Second))
	assert.Equal(t, 3.5, s.Progress()[0].Count)
	s.step(hit, t0.Add(2*time.Second))
	assert.Equal(t, 4.5, s.Progress()[0].Count)
	assert.Equal(t, Accumulating, s.Progress()[0].State)
}

func TestStepTimeoutClearsTrackers(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	rec := newRecorder()
	s := stepSession(t, e, []int{2000}, rec)
	hit := spectrum(50, 200, TargetBin(2000, 44100, 2048))
	miss := spectrum(50, 50)

	t0 := time.Unix(1000, 0)
	for i := 0; i < 4; i++ {
		s.step(hit, t0)
	}
	s.step(miss, t0.Add(4*time.Second))
	assert.Equal(t, 3.5, s.Progress()[0].Count)

	s.step(miss, t0.Add(5*time.Second+time.Millisecond))
	assert.Equal(t, 0.0, s.Progress()[0].Count)
	assert.Equal(t, Idle, s.Progress()[0].State)

	// listening continues
	for i := 0; i < 5; i++ {
		s.step(hit, t0.Add(6*time.Second))
	}
	s.finish()
	_, results := rec.snapshot()
	assert.Equal(t, []bool{true}, results)
}

func TestNoDoubleFireWithinCooldown(t *testing.T) {
	e := NewEngine(DefaultConfig(), nil)
	rec := newRecorder()
	hit := spectrum(50, 200, TargetBin(2000, 44100, 2048))
	t0 := time.Unix(1000, 0)

	first := stepSession(t, e, []int{2000}, rec)
	done := false
	for i := 0; i < 5; i++ {
		done = first.step(hit, t0)
	}
	require.True(t, done)
	first.finish()

	second := stepSession(t, e, []int{2000}, rec)
	for i := 0; i < 50; i++ {
		at := t0.Add(time.Duration(i) * 100 * time.Millisecond)
		require.False(t, second.step(hit, at), "fired again %v after the first success", at.Sub(t0))
	}
	_, results := rec.snapshot()
	assert.Equal(t, []bool{true}, results)

	assert.True(t, second.step(hit, t0.Add(5*time.Second+time.Millisecond)))
	second.finish()
	_, results = rec.snapshot()
	assert.Equal(t, []bool{true, true}, results)
}

type errMicrophone struct{ err error }

func (m errMicrophone) Open(context.Context) (Stream, error) { return nil, m.err }

func TestStartReportsMicrophoneErrors(t *testing.T) {
	for _, err := range []error{ErrNoMicrophone, ErrPermissionDenied, ErrUnsupported} {
		e := NewEngine(DefaultConfig(), errMicrophone{err: err})
		rec := newRecorder()
		s, startErr := e.Start(context.Background(), []int{2000}, rec.status, rec.complete)
		assert.Nil(t, s)
		assert.ErrorIs(t, startErr, err)
		statuses, results := rec.snapshot()
		assert.Equal(t, []bool{false}, results)
		assert.Equal(t, []string{"Error: " + err.Error()}, statuses)
	}
}

func TestStartWithoutFrequencies(t *testing.T) {
	e := NewEngine(DefaultConfig(), &ReaderMicrophone{R: bytes.NewReader(nil)})
	rec := newRecorder()
	_, err := e.Start(context.Background(), nil, rec.status, rec.complete)
	assert.ErrorIs(t, err, ErrNoFrequencies)
	assert.False(t, <-rec.done)
}

func TestCaptureEndReportsFailure(t *testing.T) {
	e := NewEngine(DefaultConfig(), &ReaderMicrophone{R: bytes.NewReader(make([]byte, 100)), Rate: 44100})
	rec := newRecorder()
	s, err := e.Start(context.Background(), []int{2000}, rec.status, rec.complete)
	require.NoError(t, err)

	select {
	case ok := <-rec.done:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("capture end not reported")
	}
	<-s.Done()
	statuses, _ := rec.snapshot()
	assert.Equal(t, StatusPermissionsGranted, statuses[0])
	assert.Equal(t, StatusListening, statuses[1])
}

// toneReader produces endless s16le PCM of the sum of freqs.
type toneReader struct {
	freqs []float64
	amp   float64
	rate  int
	n     int
}

func (r *toneReader) Read(p []byte) (int, error) {
	samples := len(p) / 2
	for i := 0; i < samples; i++ {
		var v float64
		for _, f := range r.freqs {
			v += r.amp * math.Sin(2*math.Pi*f*float64(r.n)/float64(r.rate))
		}
		binary.LittleEndian.PutUint16(p[2*i:], uint16(int16(v*32767)))
		r.n++
	}
	return samples * 2, nil
}

func TestEngineDetectsLiveTone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameInterval = time.Millisecond
	mic := &ReaderMicrophone{R: &toneReader{freqs: []float64{2000}, amp: 0.5, rate: 44100}, Rate: 44100}
	speaker := &fakeSpeaker{}
	e := NewEngine(cfg, mic, WithSpeaker(speaker))
	rec := newRecorder()

	s, err := e.Start(context.Background(), []int{2000}, rec.status, rec.complete)
	require.NoError(t, err)
	select {
	case ok := <-rec.done:
		assert.True(t, ok)
	case <-time.After(10 * time.Second):
		t.Fatal("tone not detected")
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop after success")
	}
	assert.Eventually(t, func() bool { return len(speaker.played()) == 1 }, time.Second, time.Millisecond)
}

func TestRestartFromCompletionCallback(t *testing.T) {
	mic := &ReaderMicrophone{R: bytes.NewReader(make([]byte, 100)), Rate: 44100}
	e := NewEngine(DefaultConfig(), mic)
	restarted := make(chan bool, 1)

	_, err := e.Start(context.Background(), []int{2000}, nil, func(ok bool) {
		assert.False(t, ok)
		_, err := e.Start(context.Background(), []int{2000}, nil, func(ok bool) { restarted <- ok })
		assert.NoError(t, err)
	})
	require.NoError(t, err)

	select {
	case ok := <-restarted:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("Start from the completion callback never returned")
	}

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop hung after a restart from the callback")
	}
}

type blockingSpeaker struct {
	release chan struct{}
}

func (s blockingSpeaker) Play(ctx context.Context, _ Tone) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestConfirmationToneDoesNotDelayCompletion(t *testing.T) {
	speaker := blockingSpeaker{release: make(chan struct{})}
	defer close(speaker.release)
	e := NewEngine(DefaultConfig(), nil, WithSpeaker(speaker))
	rec := newRecorder()
	s := stepSession(t, e, []int{2000}, rec)

	hit := spectrum(50, 200, TargetBin(2000, 44100, 2048))
	t0 := time.Unix(1000, 0)
	done := false
	for i := 0; i < 5; i++ {
		done = s.step(hit, t0)
	}
	require.True(t, done)
	s.finish()

	_, results := rec.snapshot()
	assert.Equal(t, []bool{true}, results)
}

func TestStartCancelsPriorSession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FrameInterval = time.Millisecond
	e := NewEngine(cfg, &ReaderMicrophone{R: &toneReader{rate: 44100}, Rate: 44100})

	first, err := e.Start(context.Background(), []int{2000}, nil, nil)
	require.NoError(t, err)
	second, err := e.Start(context.Background(), []int{3000}, nil, nil)
	require.NoError(t, err)

	select {
	case <-first.Done():
	default:
		t.Fatal("prior session still running after a new start")
	}
	e.Stop()
	<-second.Done()
}

func TestBroadcasterPattern(t *testing.T) {
	speaker := &fakeSpeaker{}
	b := NewBroadcaster(speaker, DefaultBroadcastConfig(), nil)
	var gaps []time.Duration
	b.sleep = func(_ context.Context, d time.Duration) error {
		gaps = append(gaps, d)
		return nil
	}

	require.NoError(t, b.Play(context.Background(), []int{2000, 3500}))
	tones := speaker.played()
	require.Len(t, tones, 3)
	for _, tone := range tones {
		assert.Equal(t, []float64{2000, 3500}, tone.Frequencies)
		assert.Equal(t, 3*time.Second, tone.Duration)
		assert.Equal(t, 0.2, tone.Gain)
	}
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, gaps)
}

func TestBroadcasterCancelled(t *testing.T) {
	b := NewBroadcaster(&fakeSpeaker{}, DefaultBroadcastConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Play(ctx, []int{2000}), context.Canceled)
	assert.ErrorIs(t, b.Play(context.Background(), nil), ErrNoFrequencies)
}

func TestGenerateTargets(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	freqs := GenerateTargets(rng, 3)
	require.Len(t, freqs, 3)
	seen := map[int]bool{}
	for _, f := range freqs {
		assert.GreaterOrEqual(t, f, MinTargetFrequency)
		assert.LessOrEqual(t, f, MaxTargetFrequency)
		assert.False(t, seen[f])
		seen[f] = true
	}
	assert.Nil(t, GenerateTargets(rng, 0))
}

func TestSynthesizeLength(t *testing.T) {
	pcm := Synthesize(Tone{Frequencies: []float64{1000}, Duration: 200 * time.Millisecond, Gain: 0.2}, 44100)
	assert.Len(t, pcm, 8820*2)
	var peak int16
	for i := 0; i < len(pcm); i += 2 {
		v := int16(binary.LittleEndian.Uint16(pcm[i:]))
		if v > peak {
			peak = v
		}
	}
	assert.InDelta(t, 0.2*32767, float64(peak), 50)
}
