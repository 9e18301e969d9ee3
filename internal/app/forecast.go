package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"metricwatch/internal/datasource"
	"metricwatch/internal/models"
	"metricwatch/internal/service"
	"metricwatch/internal/storage"
)

// Forecast prints a usage or revenue projection and optionally exports it as CSV and/or PNG.
func (a *App) Forecast(ctx context.Context, opts ForecastOptions) error {
	return a.withService(ctx, func(svc *service.Service, _ storage.Backend) error {
		var (
			result models.ForecastResult
			err    error
		)
		if opts.Revenue {
			result, err = svc.ForecastRevenue(ctx, opts.Period)
		} else {
			result, err = svc.ForecastUsage(ctx, opts.Metric, opts.Period)
		}
		if err != nil {
			return err
		}

		writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Metric\tPeriod\tForecast\tLower\tUpper\tTrend\tGrowth%")
		fmt.Fprintf(writer, "%s\t%s\t%.2f\t%.2f\t%.2f\t%s\t%.2f\n",
			result.Metric, result.Period, result.Forecast,
			result.Confidence.Lower, result.Confidence.Upper,
			result.Trend, result.GrowthRate)
		if err := writer.Flush(); err != nil {
			return err
		}

		points := forecastPoints(result)
		if opts.CSVPath != "" {
			if err := writeForecastCSV(opts.CSVPath, points); err != nil {
				return err
			}
			a.Logger.Info().Str("path", opts.CSVPath).Msg("forecast csv written")
		}
		if opts.PNGPath != "" {
			if err := a.writeForecastPNG(opts.PNGPath, result, points); err != nil {
				return err
			}
			a.Logger.Info().Str("path", opts.PNGPath).Msg("forecast chart written")
		}
		return nil
	})
}

type forecastPoint struct {
	At        time.Time
	Value     float64
	Lower     float64
	Upper     float64
	Projected bool
}

// forecastPoints lays the history out on weekly steps ending today and appends the projection
// at the horizon. A single history value is the current reading.
func forecastPoints(result models.ForecastResult) []forecastPoint {
	today, _ := datasource.DayBounds(result.GeneratedAt)
	n := len(result.History)
	points := make([]forecastPoint, 0, n+1)
	for i, v := range result.History {
		at := today.AddDate(0, 0, -7*(n-1-i))
		points = append(points, forecastPoint{At: at, Value: v, Lower: v, Upper: v})
	}
	points = append(points, forecastPoint{
		At:        today.AddDate(0, 0, result.Period.Days()),
		Value:     result.Forecast,
		Lower:     result.Confidence.Lower,
		Upper:     result.Confidence.Upper,
		Projected: true,
	})
	return points
}

func writeForecastCSV(path string, points []forecastPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write([]string{"date", "value", "lower", "upper", "projected"}); err != nil {
		return err
	}
	for _, p := range points {
		record := []string{
			p.At.Format(time.DateOnly),
			strconv.FormatFloat(p.Value, 'f', 2, 64),
			strconv.FormatFloat(p.Lower, 'f', 2, 64),
			strconv.FormatFloat(p.Upper, 'f', 2, 64),
			strconv.FormatBool(p.Projected),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func (a *App) writeForecastPNG(path string, result models.ForecastResult, points []forecastPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	history := points[:len(points)-1]
	anchor := history[len(history)-1]
	horizon := points[len(points)-1]

	series := make([]chart.Series, 0, 4)
	if len(history) > 1 {
		x := make([]time.Time, len(history))
		y := make([]float64, len(history))
		for i, p := range history {
			x[i] = p.At
			y[i] = p.Value
		}
		series = append(series, chart.TimeSeries{Name: "History", XValues: x, YValues: y})
	}
	span := []time.Time{anchor.At, horizon.At}
	dashed := chart.Style{StrokeDashArray: []float64{5, 5}}
	series = append(series,
		chart.TimeSeries{Name: "Forecast", XValues: span, YValues: []float64{anchor.Value, horizon.Value}},
		chart.TimeSeries{Name: "Lower", XValues: span, YValues: []float64{anchor.Value, horizon.Lower}, Style: dashed},
		chart.TimeSeries{Name: "Upper", XValues: span, YValues: []float64{anchor.Value, horizon.Upper}, Style: dashed},
	)

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  fmt.Sprintf("%s forecast (%s)", result.Metric, result.Period),
		Width:  a.Config.Export.ChartWidth,
		Height: a.Config.Export.ChartHeight,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           result.Metric,
			ValueFormatter: valueFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
