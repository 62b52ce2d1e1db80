package analytics

// DailyLog is one day of self-reported metrics.
type DailyLog struct {
	Day        int     `json:"day"`
	Mood       int     `json:"mood"`
	Stress     int     `json:"stress"`
	Energy     int     `json:"energy"`
	Sleep      float64 `json:"sleep"`
	Reflection string  `json:"reflection"`
}

// Neutral defaults for a fresh log entry.
const (
	DefaultMood   = 5
	DefaultStress = 5
	DefaultEnergy = 5
	DefaultSleep  = 7.0
)

// NewWeek returns n logs numbered 1..n with neutral default values.
func NewWeek(n int) []DailyLog {
	if n < 0 {
		n = 0
	}
	logs := make([]DailyLog, n)
	for i := range logs {
		logs[i] = DailyLog{
			Day:    i + 1,
			Mood:   DefaultMood,
			Stress: DefaultStress,
			Energy: DefaultEnergy,
			Sleep:  DefaultSleep,
		}
	}
	return logs
}

// RiskLevel is the coarse classification derived from volatility and burnout.
type RiskLevel string

const (
	RiskStable   RiskLevel = "STABLE"
	RiskCaution  RiskLevel = "CAUTION"
	RiskHighRisk RiskLevel = "HIGH_RISK"
)

// Results holds the six derived wellness indicators for one batch.
type Results struct {
	VolatilityScore    float64   `json:"volatilityScore"`
	StressAccumulation []float64 `json:"stressAccumulation"`
	BurnoutLikelihood  float64   `json:"burnoutLikelihood"`
	RiskLevel          RiskLevel `json:"riskLevel"`
	EmotionalBattery   float64   `json:"emotionalBattery"`
	LoveStressBalance  float64   `json:"loveStressBalance"`
}
