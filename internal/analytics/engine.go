// Package analytics turns a short run of daily mood logs into derived
// wellness indicators. Everything here is pure: no I/O, no shared state.
package analytics

import (
	"fmt"
	"math"
	"strconv"
)

// MinLogs is the smallest batch Compute accepts.
const MinLogs = 2

// Tuning constants. Their exact values are part of the observable output.
const (
	volatilityStdDevWeight = 15.0
	volatilityJumpWeight   = 10.0

	stressDecay = 0.8

	sleepTargetHours      = 8.0
	burnoutStressWeight   = 4.0
	burnoutSleepWeight    = 20.0
	burnoutEnergyWeight   = 20.0
	burnoutMoodWeight     = 20.0
	burnoutScale          = 2.0
	metricScale           = 10.0
	batteryEnergyWeight   = 5.0
	batterySleepWeight    = 5.0
	batteryLastMoodWeight = 2.0
	balanceBase           = 100.0
	balanceStressWeight   = 7.0
	balanceMoodWeight     = 3.0

	highRiskBurnout       = 70.0
	highRiskVolatility    = 80.0
	cautionBurnout        = 40.0
	cautionVolatility     = 50.0
	scoreFloor, scoreCeil = 0.0, 100.0
)

// InsufficientDataError reports a batch shorter than MinLogs.
type InsufficientDataError struct {
	Got int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: need at least %d logs, got %d", MinLogs, e.Got)
}

// Is makes every InsufficientDataError match ErrInsufficientData.
func (e *InsufficientDataError) Is(target error) bool {
	_, ok := target.(*InsufficientDataError)
	return ok
}

// ErrInsufficientData matches any InsufficientDataError via errors.Is.
var ErrInsufficientData error = &InsufficientDataError{}

// Compute derives the wellness indicators for logs, which must already be in
// chronological order.
func Compute(logs []DailyLog) (Results, error) {
	if len(logs) < MinLogs {
		return Results{}, &InsufficientDataError{Got: len(logs)}
	}

	s := summarize(logs)
	volatility := clamp(s.stdDev*volatilityStdDevWeight+s.avgJump*volatilityJumpWeight, scoreFloor, scoreCeil)
	burnout := clamp(burnoutRaw(s)*burnoutScale, scoreFloor, scoreCeil)

	battery := s.avgEnergy*batteryEnergyWeight + s.avgSleep*batterySleepWeight + float64(s.lastMood)*batteryLastMoodWeight
	balance := balanceBase - s.avgStress*balanceStressWeight + s.meanMood*balanceMoodWeight

	return Results{
		VolatilityScore:    volatility,
		StressAccumulation: accumulateStress(logs),
		BurnoutLikelihood:  burnout,
		RiskLevel:          ClassifyRisk(volatility, burnout),
		EmotionalBattery:   clamp(battery, scoreFloor, scoreCeil),
		LoveStressBalance:  clamp(balance, scoreFloor, scoreCeil),
	}, nil
}

// ClassifyRisk maps volatility and burnout scores to a risk level. The first
// matching rule wins.
func ClassifyRisk(volatility, burnout float64) RiskLevel {
	switch {
	case burnout > highRiskBurnout || (volatility > highRiskVolatility && burnout > cautionBurnout):
		return RiskHighRisk
	case burnout > cautionBurnout || volatility > cautionVolatility:
		return RiskCaution
	default:
		return RiskStable
	}
}

type summary struct {
	meanMood  float64
	stdDev    float64
	avgJump   float64
	avgStress float64
	avgSleep  float64
	avgEnergy float64

	sleepDeficit    float64
	energyDepletion float64
	moodTrend       float64

	firstMood int
	lastMood  int
}

func summarize(logs []DailyLog) summary {
	n := float64(len(logs))

	var moodSum, stressSum, sleepSum, energySum, jumpSum float64
	for i, l := range logs {
		moodSum += float64(l.Mood)
		stressSum += float64(l.Stress)
		sleepSum += l.Sleep
		energySum += float64(l.Energy)
		if i > 0 {
			jumpSum += math.Abs(float64(l.Mood - logs[i-1].Mood))
		}
	}

	s := summary{
		meanMood:  moodSum / n,
		avgJump:   jumpSum / (n - 1),
		avgStress: stressSum / n,
		avgSleep:  sleepSum / n,
		avgEnergy: energySum / n,
		firstMood: logs[0].Mood,
		lastMood:  logs[len(logs)-1].Mood,
	}

	var sq float64
	for _, l := range logs {
		d := float64(l.Mood) - s.meanMood
		sq += d * d
	}
	s.stdDev = math.Sqrt(sq / n)

	s.sleepDeficit = math.Max(0, sleepTargetHours-s.avgSleep) / sleepTargetHours
	s.energyDepletion = (metricScale - s.avgEnergy) / metricScale
	s.moodTrend = float64(s.firstMood-s.lastMood) / metricScale
	return s
}

func burnoutRaw(s summary) float64 {
	return s.avgStress*burnoutStressWeight +
		s.sleepDeficit*burnoutSleepWeight +
		s.energyDepletion*burnoutEnergyWeight +
		math.Max(0, s.moodTrend)*burnoutMoodWeight
}

// accumulateStress rounds each step before it feeds the next one.
func accumulateStress(logs []DailyLog) []float64 {
	curve := make([]float64, len(logs))
	prev := 0.0
	for i, l := range logs {
		prev = round2(stressDecay*prev + float64(l.Stress))
		curve[i] = prev
	}
	return curve
}

// round2 rounds to two decimals using the shortest correctly rounded decimal
// form, so 16.808 becomes 16.81 and exact halves go to even.
func round2(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	v, err := strconv.ParseFloat(strconv.FormatFloat(x, 'f', 2, 64), 64)
	if err != nil {
		return math.Round(x*100) / 100
	}
	return v
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
