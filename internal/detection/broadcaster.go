package detection

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Frequency range used for generated targets.
const (
	MinTargetFrequency = 1000
	MaxTargetFrequency = 8000
)

// GenerateTargets draws n distinct frequencies uniformly from [MinTargetFrequency, MaxTargetFrequency].
func GenerateTargets(rng *rand.Rand, n int) []int {
	if n <= 0 {
		return nil
	}
	span := MaxTargetFrequency - MinTargetFrequency + 1
	if n > span {
		n = span
	}
	seen := make(map[int]struct{}, n)
	out := make([]int, 0, n)
	for len(out) < n {
		f := MinTargetFrequency + rng.Intn(span)
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// BroadcastConfig is the teacher-side playback pattern.
type BroadcastConfig struct {
	Intervals int
	Duration  time.Duration
	Gap       time.Duration
	Gain      float64
}

// DefaultBroadcastConfig plays three 3 s intervals separated by 500 ms at gain 0.2.
func DefaultBroadcastConfig() BroadcastConfig {
	return BroadcastConfig{Intervals: 3, Duration: 3 * time.Second, Gap: 500 * time.Millisecond, Gain: 0.2}
}

// Broadcaster plays target frequencies for nearby students to detect.
type Broadcaster struct {
	speaker Speaker
	cfg     BroadcastConfig
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewBroadcaster creates a broadcaster on speaker.
func NewBroadcaster(speaker Speaker, cfg BroadcastConfig, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{speaker: speaker, cfg: cfg, logger: logger, sleep: sleepCtx}
}

// Play blocks until every interval has played or ctx is cancelled.
func (b *Broadcaster) Play(ctx context.Context, freqs []int) error {
	if len(freqs) == 0 {
		return ErrNoFrequencies
	}
	tone := Tone{Duration: b.cfg.Duration, Gain: b.cfg.Gain}
	for _, f := range freqs {
		tone.Frequencies = append(tone.Frequencies, float64(f))
	}
	for i := 0; i < b.cfg.Intervals; i++ {
		if i > 0 {
			if err := b.sleep(ctx, b.cfg.Gap); err != nil {
				return err
			}
		}
		b.logger.Debug("playing frequencies", zap.Ints("frequencies", freqs), zap.Int("interval", i+1))
		if err := b.speaker.Play(ctx, tone); err != nil {
			return err
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
