package models

import "time"

// ChurnSignals are the raw per-subject inputs of the churn model, gathered over
// the 30 days before the evaluation time and the 30 days before that.
type ChurnSignals struct {
	SubjectID      string
	RecentActivity float64
	PriorActivity  float64
	RecentEvents   int
	// SentimentAvg is nil when the subject produced no scored content.
	SentimentAvg  *float64
	SupportErrors int
	Plan          string
	PaidPlan      bool
}

// ChurnFactors are the five capped risk contributions.
type ChurnFactors struct {
	ActivityDrop   float64 `json:"activity_drop"`
	PaymentIssues  float64 `json:"payment_issues"`
	FeatureUsage   float64 `json:"feature_usage"`
	SentimentTrend float64 `json:"sentiment_trend"`
	ErrorFrequency float64 `json:"error_frequency"`
}

// Sum adds the factors.
func (f ChurnFactors) Sum() float64 {
	return f.ActivityDrop + f.PaymentIssues + f.FeatureUsage + f.SentimentTrend + f.ErrorFrequency
}

// ChurnPrediction is the risk assessment for one subject.
type ChurnPrediction struct {
	SubjectID          string       `json:"subject_id"`
	RiskScore          float64      `json:"risk_score"`
	RiskLevel          string       `json:"risk_level"`
	Factors            ChurnFactors `json:"factors"`
	PredictedChurnDate *time.Time   `json:"predicted_churn_date,omitempty"`
	Recommendations    []string     `json:"recommendations"`
	GeneratedAt        time.Time    `json:"generated_at"`
}
