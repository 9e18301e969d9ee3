package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"metricwatch/internal/service"
	"metricwatch/internal/storage"
)

// Churn prints the churn risk assessment for each subject.
func (a *App) Churn(ctx context.Context, subjects []string) error {
	return a.withService(ctx, func(svc *service.Service, _ storage.Backend) error {
		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Subject\tRisk\tLevel\tActivity\tPayment\tUsage\tSentiment\tErrors\tPredicted churn\tRecommendations")
		for _, subject := range subjects {
			pred, err := svc.PredictChurn(ctx, subject)
			if err != nil {
				return fmt.Errorf("predict churn for %s: %w", subject, err)
			}
			predicted := "-"
			if pred.PredictedChurnDate != nil {
				predicted = pred.PredictedChurnDate.UTC().Format(time.DateOnly)
			}
			f := pred.Factors
			fmt.Fprintf(writer, "%s\t%.0f\t%s\t%.0f\t%.0f\t%.0f\t%.0f\t%.0f\t%s\t%s\n",
				pred.SubjectID, pred.RiskScore, pred.RiskLevel,
				f.ActivityDrop, f.PaymentIssues, f.FeatureUsage, f.SentimentTrend, f.ErrorFrequency,
				predicted, strings.Join(pred.Recommendations, "; "))
		}
		return writer.Flush()
	})
}
