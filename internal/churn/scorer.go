// Package churn scores how likely a subject is to disengage.
package churn

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"metricwatch/internal/datasource"
	"metricwatch/internal/models"
)

// Factor caps.
const (
	MaxActivityDrop   = 30.0
	MaxPaymentIssues  = 25.0
	MaxFeatureUsage   = 20.0
	MaxSentimentTrend = 15.0
	MaxErrorFrequency = 10.0
)

const (
	// paidPlanPenalty stands in for real billing health until payment failures are tracked.
	paidPlanPenalty = 10.0
	// featureEventWeight is the score removed per product event in the recent window.
	featureEventWeight = 0.2
	pointsPerError     = 2.0
	churnDateThreshold = 70.0
)

// Scorer computes ChurnPredictions from a ChurnSignalSource.
type Scorer struct {
	signals datasource.ChurnSignalSource
	clock   clock.Clock
	logger  zerolog.Logger
}

// NewScorer constructs a Scorer.
func NewScorer(signals datasource.ChurnSignalSource, clk clock.Clock, logger zerolog.Logger) *Scorer {
	if clk == nil {
		clk = clock.New()
	}
	return &Scorer{
		signals: signals,
		clock:   clk,
		logger:  logger.With().Str("component", "churn").Logger(),
	}
}

// Predict gathers signals for subjectID and scores them.
func (s *Scorer) Predict(ctx context.Context, subjectID string) (models.ChurnPrediction, error) {
	if subjectID == "" {
		return models.ChurnPrediction{}, fmt.Errorf("subject id is required")
	}
	now := s.clock.Now().UTC()
	sig, err := s.signals.ChurnSignals(ctx, subjectID, now)
	if err != nil {
		return models.ChurnPrediction{}, fmt.Errorf("load churn signals: %w", err)
	}
	pred := Score(sig, now)
	s.logger.Debug().
		Str("subject_id", subjectID).
		Float64("risk", pred.RiskScore).
		Str("level", pred.RiskLevel).
		Msg("churn risk scored")
	return pred, nil
}

// Score turns signals into a prediction as of now.
func Score(sig models.ChurnSignals, now time.Time) models.ChurnPrediction {
	f := models.ChurnFactors{
		ActivityDrop:   activityDrop(sig.RecentActivity, sig.PriorActivity),
		PaymentIssues:  paymentIssues(sig.PaidPlan),
		FeatureUsage:   featureUsage(sig.RecentEvents),
		SentimentTrend: sentimentTrend(sig.SentimentAvg),
		ErrorFrequency: errorFrequency(sig.SupportErrors),
	}
	risk := math.Min(100, f.Sum())

	pred := models.ChurnPrediction{
		SubjectID:       sig.SubjectID,
		RiskScore:       risk,
		RiskLevel:       riskLevel(risk),
		Factors:         f,
		Recommendations: recommendations(f, risk),
		GeneratedAt:     now,
	}
	if risk > churnDateThreshold {
		days := int(math.Round(100 - risk))
		at := now.AddDate(0, 0, days)
		pred.PredictedChurnDate = &at
	}
	return pred
}

func activityDrop(recent, prior float64) float64 {
	if prior <= 0 {
		return 0
	}
	if recent <= 0 {
		return MaxActivityDrop
	}
	dropPct := (prior - recent) / prior * 100
	return clamp(dropPct*MaxActivityDrop/100, MaxActivityDrop)
}

func paymentIssues(paid bool) float64 {
	if !paid {
		return 0
	}
	return clamp(paidPlanPenalty, MaxPaymentIssues)
}

func featureUsage(events int) float64 {
	return clamp(MaxFeatureUsage-float64(events)*featureEventWeight, MaxFeatureUsage)
}

// sentimentTrend maps an average sentiment in [-1, 1] onto [0, 15], negative sentiment scoring higher.
func sentimentTrend(avg *float64) float64 {
	if avg == nil {
		return MaxSentimentTrend / 2
	}
	return clamp((1-*avg)/2*MaxSentimentTrend, MaxSentimentTrend)
}

func errorFrequency(distinct int) float64 {
	return clamp(float64(distinct)*pointsPerError, MaxErrorFrequency)
}

func clamp(v, max float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

func riskLevel(risk float64) string {
	switch {
	case risk > churnDateThreshold:
		return "high"
	case risk >= 40:
		return "medium"
	default:
		return "low"
	}
}

func recommendations(f models.ChurnFactors, risk float64) []string {
	recs := make([]string, 0, 6)
	if f.ActivityDrop > 15 {
		recs = append(recs, "Send re-engagement outreach highlighting recent product updates")
	}
	if f.PaymentIssues >= paidPlanPenalty {
		recs = append(recs, "Verify billing details and payment method status")
	}
	if f.FeatureUsage > 10 {
		recs = append(recs, "Offer a guided walkthrough of core features")
	}
	if f.SentimentTrend > 10 {
		recs = append(recs, "Schedule a customer success check-in")
	}
	if f.ErrorFrequency > 5 {
		recs = append(recs, "Prioritise resolution of the subject's open support issues")
	}
	if risk > churnDateThreshold {
		recs = append(recs, "Consider a retention offer before the predicted churn date")
	}
	return recs
}
