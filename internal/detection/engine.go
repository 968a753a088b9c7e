package detection

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status texts reported through StatusFunc.
const (
	StatusPermissionsGranted = "Permissions granted! Starting audio analysis..."
	StatusListening          = "Listening for signals..."
	StatusDetected           = "All Frequencies Detected! Attendance Marked!"

	NotificationTitle = "Attendance Marked!"
	NotificationBody  = "All frequencies detected. Your attendance has been recorded."
)

// Config holds the detection constants.
type Config struct {
	FFTSize          int
	Threshold        float64
	BinRange         int
	NoiseRange       int
	NoiseFactor      float64
	RequiredHits     float64
	MissDecay        float64
	DetectionTimeout time.Duration
	Cooldown         time.Duration
	FrameInterval    time.Duration
	ConfirmTone      Tone
}

// DefaultConfig returns the tuned detection constants.
func DefaultConfig() Config {
	return Config{
		FFTSize:          2048,
		Threshold:        120,
		BinRange:         4,
		NoiseRange:       10,
		NoiseFactor:      1.5,
		RequiredHits:     5,
		MissDecay:        0.5,
		DetectionTimeout: 5 * time.Second,
		Cooldown:         5 * time.Second,
		FrameInterval:    time.Second / 60,
		ConfirmTone:      Tone{Frequencies: []float64{1000}, Duration: 200 * time.Millisecond, Gain: 0.2},
	}
}

// StatusFunc receives human readable progress.
type StatusFunc func(status string)

// CompleteFunc receives the outcome of a session: true once every frequency was confirmed,
// false when capture failed. It is not called for cancelled sessions. It runs after the
// session's loop has exited, so it may call Start or Stop on the same engine.
type CompleteFunc func(ok bool)

// Engine runs at most one detection session at a time.
type Engine struct {
	cfg      Config
	mic      Microphone
	speaker  Speaker
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time

	mu          sync.Mutex
	current     *Session
	lastSuccess time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSpeaker sets the speaker that plays the confirmation tone.
func WithSpeaker(s Speaker) EngineOption { return func(e *Engine) { e.speaker = s } }

// WithNotifier sets where success notifications go.
func WithNotifier(n Notifier) EngineOption { return func(e *Engine) { e.notifier = n } }

// WithLogger sets the engine logger; nil keeps the no-op logger.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the time source used for hits, timeouts and the cooldown.
func WithClock(now func() time.Time) EngineOption { return func(e *Engine) { e.now = now } }

// NewEngine creates an engine capturing from mic.
func NewEngine(cfg Config, mic Microphone, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:    cfg,
		mic:    mic,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start cancels any running session, waits for its loop to exit, then opens the microphone
// and starts listening for freqs. Capture errors are reported through status and onComplete(false).
func (e *Engine) Start(ctx context.Context, freqs []int, status StatusFunc, onComplete CompleteFunc) (*Session, error) {
	if status == nil {
		status = func(string) {}
	}
	if onComplete == nil {
		onComplete = func(bool) {}
	}

	e.mu.Lock()
	prev := e.current
	e.current = nil
	e.mu.Unlock()
	if prev != nil {
		prev.Cancel()
		<-prev.Done()
	}

	if len(freqs) == 0 {
		status("Error: " + ErrNoFrequencies.Error())
		onComplete(false)
		return nil, ErrNoFrequencies
	}
	if e.mic == nil {
		status("Error: " + ErrNoMicrophone.Error())
		onComplete(false)
		return nil, ErrNoMicrophone
	}

	stream, err := e.mic.Open(ctx)
	if err != nil {
		e.logger.Warn("microphone unavailable", zap.Error(err))
		status("Error: " + err.Error())
		onComplete(false)
		return nil, err
	}
	status(StatusPermissionsGranted)

	s := e.newSession(ctx, freqs, stream.SampleRate(), status, onComplete)
	e.mu.Lock()
	e.current = s
	e.mu.Unlock()

	status(StatusListening)
	go s.run(stream)
	return s, nil
}

// Stop cancels the running session, if any, and waits for it.
func (e *Engine) Stop() {
	e.mu.Lock()
	s := e.current
	e.current = nil
	e.mu.Unlock()
	if s != nil {
		s.Cancel()
		<-s.Done()
	}
}

// claimSuccess records a success at now unless one happened within the cooldown.
func (e *Engine) claimSuccess(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.lastSuccess.IsZero() && now.Sub(e.lastSuccess) <= e.cfg.Cooldown {
		return false
	}
	e.lastSuccess = now
	return true
}

// FrequencyProgress is the live state of one target.
type FrequencyProgress struct {
	Frequency int
	Count     float64
	State     TrackerState
}

// Session is one detection run. It ends on success, capture error or Cancel.
type Session struct {
	engine     *Engine
	freqs      []int
	bins       []int
	analyzer   *Analyzer
	status     StatusFunc
	onComplete CompleteFunc

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	trackers  []*Tracker
	lastHit   time.Time
	succeeded bool
	outcome   *bool
	reported  sync.Once
}

func (e *Engine) newSession(parent context.Context, freqs []int, sampleRate int, status StatusFunc, onComplete CompleteFunc) *Session {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		engine:     e,
		freqs:      append([]int(nil), freqs...),
		bins:       make([]int, len(freqs)),
		analyzer:   NewAnalyzer(e.cfg.FFTSize),
		status:     status,
		onComplete: onComplete,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		trackers:   make([]*Tracker, len(freqs)),
	}
	for i, f := range freqs {
		s.bins[i] = TargetBin(float64(f), sampleRate, e.cfg.FFTSize)
		s.trackers[i] = NewTracker(e.cfg.RequiredHits, e.cfg.MissDecay)
	}
	return s
}

// Cancel stops the session's loop. It is safe to call more than once.
func (s *Session) Cancel() {
	s.cancel()
}

// Done is closed once the loop has exited and the stream is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Succeeded reports whether the session confirmed every frequency.
func (s *Session) Succeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.succeeded
}

// Progress returns the tracker state of every target frequency.
func (s *Session) Progress() []FrequencyProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FrequencyProgress, len(s.freqs))
	for i, f := range s.freqs {
		out[i] = FrequencyProgress{Frequency: f, Count: s.trackers[i].Count(), State: s.trackers[i].State()}
	}
	return out
}

func (s *Session) run(stream Stream) {
	var wg sync.WaitGroup
	defer s.finish()
	defer close(s.done)
	defer wg.Wait()
	defer stream.Close()
	defer s.cancel()

	buf := newRing(s.analyzer.Size())
	captureErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		captureErr <- capture(s.ctx, stream, buf)
	}()

	ticker := time.NewTicker(s.engine.cfg.FrameInterval)
	defer ticker.Stop()
	frame := make([]float64, s.analyzer.Size())
	data := make([]uint8, s.analyzer.BinCount())
	for {
		select {
		case <-s.ctx.Done():
			return
		case err := <-captureErr:
			if s.ctx.Err() != nil {
				return
			}
			s.engine.logger.Warn("microphone capture failed", zap.Error(err))
			s.status("Error: " + err.Error())
			s.settle(false)
			return
		case <-ticker.C:
			if !buf.Latest(frame) {
				continue
			}
			data = s.analyzer.ByteFrequencyData(frame, data)
			if s.step(data, s.engine.now()) {
				return
			}
		}
	}
}

// step evaluates one frame of byte frequency data and reports whether the session finished.
func (s *Session) step(data []uint8, now time.Time) bool {
	cfg := s.engine.cfg

	s.mu.Lock()
	all := true
	for i := range s.freqs {
		m := Measure(data, s.bins[i], cfg.BinRange, cfg.NoiseRange)
		if m.Detected(cfg.Threshold, cfg.NoiseFactor) {
			s.trackers[i].Hit()
			s.lastHit = now
		} else {
			s.trackers[i].Miss()
		}
		if s.trackers[i].State() != Confirmed {
			all = false
		}
	}
	s.mu.Unlock()

	if all && s.engine.claimSuccess(now) {
		s.succeed()
		return true
	}

	s.mu.Lock()
	if now.Sub(s.lastHit) > cfg.DetectionTimeout {
		for _, t := range s.trackers {
			t.Reset()
		}
	}
	s.mu.Unlock()
	return false
}

func (s *Session) succeed() {
	cfg := s.engine.cfg
	s.status(StatusDetected)
	if s.engine.notifier != nil {
		if err := s.engine.notifier.Notify(NotificationTitle, NotificationBody); err != nil {
			s.engine.logger.Debug("notification failed", zap.Error(err))
		}
	}
	if speaker := s.engine.speaker; speaker != nil {
		go func() {
			if err := speaker.Play(context.Background(), cfg.ConfirmTone); err != nil && !errors.Is(err, context.Canceled) {
				s.engine.logger.Debug("confirmation tone failed", zap.Error(err))
			}
		}()
	}

	s.mu.Lock()
	s.succeeded = true
	if s.outcome == nil {
		ok := true
		s.outcome = &ok
	}
	time.AfterFunc(cfg.Cooldown, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, t := range s.trackers {
			t.Reset()
		}
	})
	s.mu.Unlock()

	s.cancel()
}

// settle records the outcome reported once the loop exits. The first outcome wins.
func (s *Session) settle(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome == nil {
		s.outcome = &ok
	}
}

// finish hands the recorded outcome to onComplete, at most once. Cancelled sessions
// have no outcome and report nothing.
func (s *Session) finish() {
	s.mu.Lock()
	out := s.outcome
	s.mu.Unlock()
	if out == nil {
		return
	}
	s.reported.Do(func() { s.onComplete(*out) })
}
