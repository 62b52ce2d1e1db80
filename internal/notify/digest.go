package notify

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/stellarlinkco/lovecare/internal/analytics"
)

// ReminderText is the daily nudge sent to subscribers.
const ReminderText = "Evening check-in: how did today feel? Log your mood, stress, energy and sleep in LoveCare."

var riskHeadline = map[analytics.RiskLevel]string{
	analytics.RiskStable:   "Steady week. Keep doing what works.",
	analytics.RiskCaution:  "Some strain is building. Worth slowing down a little.",
	analytics.RiskHighRisk: "This week looks heavy. Please be gentle with yourself and reach out for support.",
}

// FormatDigest renders the weekly digest for one user.
func FormatDigest(r analytics.Results, b analytics.Breakdown) string {
	var sb strings.Builder
	sb.WriteString("**Your LoveCare weekly digest**\n\n")
	fmt.Fprintf(&sb, "Risk level: **%s**\n", r.RiskLevel)
	if h, ok := riskHeadline[r.RiskLevel]; ok {
		sb.WriteString(h + "\n")
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Burnout likelihood: %s/100\n", score(r.BurnoutLikelihood))
	fmt.Fprintf(&sb, "Emotional battery: %s/100\n", score(r.EmotionalBattery))
	fmt.Fprintf(&sb, "Love/stress balance: %s/100\n", score(r.LoveStressBalance))
	fmt.Fprintf(&sb, "Mood volatility: %s/100\n", score(r.VolatilityScore))
	if n := len(r.StressAccumulation); n > 0 {
		fmt.Fprintf(&sb, "Accumulated stress: %s\n", score(r.StressAccumulation[n-1]))
	}

	if len(b.Reasons) > 0 {
		sb.WriteString("\nWhat stands out:\n")
		for _, reason := range b.Reasons {
			sb.WriteString("- " + reason + "\n")
		}
	}

	disclaimer := b.Disclaimer
	if disclaimer == "" {
		disclaimer = analytics.Disclaimer
	}
	sb.WriteString("\n*" + disclaimer + "*")
	return sb.String()
}

func score(x float64) string {
	return strconv.FormatFloat(x, 'f', -1, 64)
}
