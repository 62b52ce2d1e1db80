package analytics

import (
	"math"
	"sort"
)

// Disclaimer accompanies every explanation shown to users.
const Disclaimer = "Wellness insights only. Not medical diagnosis."

const (
	maxReasons   = 3
	stableReason = "Overall indicators look stable this week."
)

// Contributions are the burnout terms before the final scaling.
type Contributions struct {
	Stress float64 `json:"stress"`
	Sleep  float64 `json:"sleep"`
	Energy float64 `json:"energy"`
	Mood   float64 `json:"mood"`
}

// Breakdown exposes the intermediate values behind Results together with
// short human-readable reasons.
type Breakdown struct {
	MeanMood        float64       `json:"meanMood"`
	MoodStdDev      float64       `json:"moodStdDev"`
	AvgMoodJump     float64       `json:"avgMoodJump"`
	MoodSlope       float64       `json:"moodSlope"`
	AvgStress       float64       `json:"avgStress"`
	AvgSleep        float64       `json:"avgSleep"`
	AvgEnergy       float64       `json:"avgEnergy"`
	SleepDeficit    float64       `json:"sleepDeficit"`
	EnergyDepletion float64       `json:"energyDepletion"`
	MoodTrend       float64       `json:"moodTrend"`
	BurnoutRaw      float64       `json:"burnoutRaw"`
	Contributions   Contributions `json:"contributions"`

	LatestAccumulation float64 `json:"latestAccumulation"`
	AccumulationSlope  float64 `json:"accumulationSlope"`

	Reasons    []string `json:"reasons"`
	Disclaimer string   `json:"disclaimer"`
}

// Explain returns the breakdown for logs. It applies the same length guard
// as Compute.
func Explain(logs []DailyLog) (Breakdown, error) {
	if len(logs) < MinLogs {
		return Breakdown{}, &InsufficientDataError{Got: len(logs)}
	}

	s := summarize(logs)
	curve := accumulateStress(logs)

	moods := make([]float64, len(logs))
	for i, l := range logs {
		moods[i] = float64(l.Mood)
	}

	c := Contributions{
		Stress: s.avgStress * burnoutStressWeight,
		Sleep:  s.sleepDeficit * burnoutSleepWeight,
		Energy: s.energyDepletion * burnoutEnergyWeight,
		Mood:   math.Max(0, s.moodTrend) * burnoutMoodWeight,
	}

	b := Breakdown{
		MeanMood:           s.meanMood,
		MoodStdDev:         s.stdDev,
		AvgMoodJump:        s.avgJump,
		MoodSlope:          trendSlope(moods),
		AvgStress:          s.avgStress,
		AvgSleep:           s.avgSleep,
		AvgEnergy:          s.avgEnergy,
		SleepDeficit:       s.sleepDeficit,
		EnergyDepletion:    s.energyDepletion,
		MoodTrend:          s.moodTrend,
		BurnoutRaw:         burnoutRaw(s),
		Contributions:      c,
		LatestAccumulation: curve[len(curve)-1],
		AccumulationSlope:  trendSlope(curve),
		Disclaimer:         Disclaimer,
	}
	b.Reasons = reasons(b)
	return b, nil
}

type reason struct {
	weight float64
	text   string
}

func reasons(b Breakdown) []string {
	var candidates []reason

	switch {
	case b.AvgStress >= 7:
		candidates = append(candidates, reason{b.Contributions.Stress, "High average stress over the past week."})
	case b.AvgStress >= 5.5:
		candidates = append(candidates, reason{b.Contributions.Stress, "Moderate stress levels have been persistent."})
	}

	shortfall := math.Max(0, sleepTargetHours-b.AvgSleep)
	switch {
	case shortfall >= 2:
		candidates = append(candidates, reason{b.Contributions.Sleep, "Significant sleep deficit compared to the 8-hour target."})
	case shortfall >= 1:
		candidates = append(candidates, reason{b.Contributions.Sleep, "Not consistently meeting the 8-hour sleep target."})
	}

	switch {
	case b.EnergyDepletion >= 0.4:
		candidates = append(candidates, reason{b.Contributions.Energy, "Low energy levels on average."})
	case b.EnergyDepletion >= 0.2:
		candidates = append(candidates, reason{b.Contributions.Energy, "Energy levels have been slightly below ideal."})
	}

	// Slope-based so a single bad last day does not dominate.
	downtrend := math.Max(0, -b.MoodSlope)
	switch {
	case downtrend >= 0.35:
		candidates = append(candidates, reason{b.Contributions.Mood, "Mood has been trending downward across the week."})
	case downtrend >= 0.2:
		candidates = append(candidates, reason{b.Contributions.Mood, "Slight downward mood trend detected."})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].weight > candidates[j].weight
	})
	if len(candidates) > maxReasons {
		candidates = candidates[:maxReasons]
	}
	if len(candidates) == 0 {
		return []string{stableReason}
	}

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.text
	}
	return out
}

// trendSlope is the least-squares slope of xs against t = 0..n-1.
func trendSlope(xs []float64) float64 {
	n := len(xs)
	if n < 2 {
		return 0
	}
	tMean := float64(n-1) / 2
	var xSum float64
	for _, x := range xs {
		xSum += x
	}
	xMean := xSum / float64(n)

	var num, den float64
	for t, x := range xs {
		dt := float64(t) - tMean
		num += dt * (x - xMean)
		den += dt * dt
	}
	if den == 0 {
		return 0
	}
	return num / den
}
