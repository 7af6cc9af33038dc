// Package report renders forecasts as standalone HTML charts.
package report

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/couchcryptid/crime-grid-engine/internal/domain"
	"github.com/couchcryptid/crime-grid-engine/internal/forecast"
)

// AssetsHost serves the echarts JavaScript referenced by rendered pages.
const AssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// RenderForecast writes an HTML page with the hourly forecast series. When
// profile is non-nil a second chart shows the hour-of-day means it was
// built from.
func RenderForecast(w io.Writer, cellID string, points []domain.ForecastPoint, profile *forecast.Profile) error {
	if len(points) == 0 {
		return errors.New("no forecast points to render")
	}

	page := components.NewPage()
	page.SetAssetsHost(AssetsHost)
	page.SetPageTitle("Forecast " + cellID)
	page.AddCharts(forecastLine(cellID, points))
	if profile != nil {
		page.AddCharts(profileBar(*profile))
	}
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render forecast page: %w", err)
	}
	return nil
}

func forecastLine(cellID string, points []domain.ForecastPoint) *charts.Line {
	x := make([]string, len(points))
	predicted := make([]opts.LineData, len(points))
	confidence := make([]opts.LineData, len(points))
	for i, p := range points {
		x[i] = fmt.Sprintf("%s %02d:00", domain.DateKey(p.Date), p.Hour)
		predicted[i] = opts.LineData{Value: p.PredictedCount}
		confidence[i] = opts.LineData{Value: p.Confidence}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Hourly forecast",
			Subtitle: fmt.Sprintf("cell=%s from=%s hours=%d", cellID, domain.DateKey(points[0].Date), len(points)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "events", Min: 0}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", Start: 0, End: 100}),
	)
	line.SetXAxis(x).
		AddSeries("predicted_count", predicted, charts.WithLineChartOpts(opts.LineChart{Smooth: opts.Bool(true)})).
		AddSeries("confidence", confidence, charts.WithLineChartOpts(opts.LineChart{Step: "middle"}))
	return line
}

func profileBar(p forecast.Profile) *charts.Bar {
	x := make([]string, len(p.Hours))
	y := make([]opts.BarData, len(p.Hours))
	for i, h := range p.Hours {
		x[i] = fmt.Sprintf("%02d", h.Hour)
		y[i] = opts.BarData{Value: h.Mean}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Hour-of-day profile",
			Subtitle: fmt.Sprintf("%s to %s, %d events", domain.DateKey(p.From), domain.DateKey(p.To), p.Total),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).AddSeries("mean", y)
	return bar
}
