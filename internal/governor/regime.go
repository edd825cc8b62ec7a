// Package governor implements the meta-agent governance loop of spec.md
// 4.J: regime detection, per-agent performance scoring, and the
// reallocation policy the queue and risk gate consult. The RegimeDetector
// struct shape (config + confidence scoring + transition history) is
// adapted from the teacher's internal/regime/detector.go; the
// classification and transition logic is replaced wholesale with the
// four-state vol-ratio/trend-strength model and consecutive-confirmation
// flap suppression from original_source/src/agents/openclaw/regime.rs.
package governor

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
	"github.com/atlas-desktop/trading-backend/internal/quotes"
)

// RegimeConfig configures the classifier and its flap suppression.
type RegimeConfig struct {
	Symbol            string
	VolShortWindow    time.Duration
	VolLongWindow     time.Duration
	HighVolRatio      float64
	LowVolRatio       float64
	TrendThreshold    float64
	ConfirmationCount int
	TickInterval      time.Duration
}

// DefaultRegimeConfig mirrors original_source/src/agents/openclaw/regime.rs.
func DefaultRegimeConfig() RegimeConfig {
	return RegimeConfig{
		VolShortWindow:    5 * time.Minute,
		VolLongWindow:     60 * time.Minute,
		HighVolRatio:      1.5,
		LowVolRatio:       0.6,
		TrendThreshold:    0.02,
		ConfirmationCount: 3,
		TickInterval:      10 * time.Second,
	}
}

// RegimeDetector samples the quote cache's volatility/momentum and
// classifies the current market regime, only publishing a change after
// ConfirmationCount consecutive identical raw reads (spec.md 8 scenario 5).
type RegimeDetector struct {
	logger *zap.Logger
	cfg    RegimeConfig
	quotes *quotes.Cache

	mu              sync.RWMutex
	published       domain.MarketRegime
	candidate       domain.MarketRegime
	candidateStreak int
	history         []domain.RegimeSnapshot
}

// NewRegimeDetector builds a detector seeded at Ranging, matching
// original_source's initial_regime default.
func NewRegimeDetector(logger *zap.Logger, cfg RegimeConfig, quoteCache *quotes.Cache) *RegimeDetector {
	return &RegimeDetector{
		logger:    logger.Named("governor.regime"),
		cfg:       cfg,
		quotes:    quoteCache,
		published: domain.RegimeRanging,
		candidate: domain.RegimeRanging,
	}
}

// classify applies the priority order HighVol > Trending > LowVol > Ranging
// (default), exactly as original_source/regime.rs's classify function: the
// vol-ratio-keyed branches only evaluate when volRatio is actually
// available (volRatioOK) -- with no vol data at all the original always
// falls through to Ranging rather than spuriously reading an unset ratio
// as "low volatility."
func classify(cfg RegimeConfig, volRatio float64, volRatioOK bool, trendStrength float64, trendOK bool) domain.MarketRegime {
	if volRatioOK {
		if volRatio > cfg.HighVolRatio {
			return domain.RegimeHighVol
		}
		if trendOK && trendStrength > cfg.TrendThreshold {
			return domain.RegimeTrending
		}
		if volRatio < cfg.LowVolRatio {
			return domain.RegimeLowVol
		}
	}
	return domain.RegimeRanging
}

// Tick samples short/long volatility and momentum for the configured
// symbol, classifies a raw regime, and only changes the published regime
// once ConfirmationCount consecutive raw reads agree.
func (d *RegimeDetector) Tick() domain.RegimeSnapshot {
	now := time.Now()
	volShort, okShort := d.quotes.Volatility(d.cfg.Symbol, d.cfg.VolShortWindow)
	volLong, okLong := d.quotes.Volatility(d.cfg.Symbol, d.cfg.VolLongWindow)
	momentum, okMomentum := d.quotes.Momentum(d.cfg.Symbol, d.cfg.VolShortWindow)

	var volRatio float64
	volRatioOK := okShort && okLong && !volLong.IsZero()
	if volRatioOK {
		volRatio, _ = volShort.Div(volLong).Float64()
	}

	// trendStrength normalizes momentum by short-window vol and caps at
	// 1.0, matching original_source's trend_strength computation; it is
	// only available when both momentum and vol_short are present.
	var trendStrength float64
	trendOK := okMomentum && okShort && !volShort.IsZero()
	if trendOK {
		ts, _ := momentum.Abs().Div(volShort).Float64()
		if ts > 1.0 {
			ts = 1.0
		}
		trendStrength = ts
	}

	raw := classify(d.cfg, volRatio, volRatioOK, trendStrength, trendOK)

	d.mu.Lock()
	defer d.mu.Unlock()

	if raw == d.candidate {
		d.candidateStreak++
	} else {
		d.candidate = raw
		d.candidateStreak = 1
	}

	if d.candidateStreak >= d.cfg.ConfirmationCount && d.published != d.candidate {
		d.logger.Info("regime transition confirmed",
			zap.String("from", string(d.published)), zap.String("to", string(d.candidate)))
		d.published = d.candidate
	}

	confidence := float64(d.candidateStreak) / float64(d.cfg.ConfirmationCount)
	if confidence > 1 {
		confidence = 1
	}

	snap := domain.RegimeSnapshot{
		Regime:     d.published,
		Confidence: confidence,
		ComputedAt: now,
	}
	if okShort {
		snap.VolShort = &volShort
	}
	if okLong {
		snap.VolLong = &volLong
	}
	if volRatioOK {
		snap.VolRatio = &volRatio
	}
	if trendOK {
		snap.TrendStrength = &trendStrength
	}
	d.history = append(d.history, snap)
	if len(d.history) > 256 {
		d.history = d.history[len(d.history)-256:]
	}
	return snap
}

// Current returns the last published regime snapshot without sampling.
func (d *RegimeDetector) Current() domain.MarketRegime {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.published
}

// History returns recent regime snapshots, most recent last.
func (d *RegimeDetector) History() []domain.RegimeSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.RegimeSnapshot, len(d.history))
	copy(out, d.history)
	return out
}
