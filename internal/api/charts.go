package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"slices"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/dust.report/internal/db"
)

var (
	pm25Color = color.RGBA{R: 0xd9, G: 0x53, B: 0x4f, A: 0xff}
	pm10Color = color.RGBA{R: 0x33, G: 0x7a, B: 0xb7, A: 0xff}
)

// chartSeries loads up to limit windows, oldest first.
func (s *Server) chartSeries(w http.ResponseWriter, r *http.Request) ([]db.SummaryRecord, bool) {
	if !s.historyRequest(w, r) {
		return nil, false
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		badRequest(w, err.Error())
		return nil, false
	}
	recs, err := s.history.RecentSummaries(limit)
	if err != nil {
		internalServerError(w, fmt.Sprintf("failed to load summaries: %v", err))
		return nil, false
	}
	if len(recs) == 0 {
		notFound(w, "no summaries recorded yet")
		return nil, false
	}
	slices.Reverse(recs)
	return recs, true
}

// showChart renders an interactive line chart of the window averages.
func (s *Server) showChart(w http.ResponseWriter, r *http.Request) {
	recs, ok := s.chartSeries(w, r)
	if !ok {
		return
	}

	x := make([]string, len(recs))
	pm25 := make([]opts.LineData, len(recs))
	pm10 := make([]opts.LineData, len(recs))
	for i, rec := range recs {
		x[i] = rec.WindowEnd.Local().Format("01-02 15:04")
		pm25[i] = opts.LineData{Value: rec.AvgPM25}
		pm10[i] = opts.LineData{Value: rec.AvgPM10}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Air quality", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Particulate matter",
			Subtitle: fmt.Sprintf("%d windows, %s to %s", len(recs), x[0], x[len(x)-1]),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "µg/m³"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider"}),
	)
	line.SetXAxis(x).
		AddSeries("PM2.5", pm25).
		AddSeries("PM10", pm10)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

// showChartPNG renders the same series as a static image.
func (s *Server) showChartPNG(w http.ResponseWriter, r *http.Request) {
	recs, ok := s.chartSeries(w, r)
	if !ok {
		return
	}

	p := plot.New()
	p.Title.Text = "Particulate matter"
	p.X.Label.Text = "Time"
	p.Y.Label.Text = "µg/m³"
	p.X.Tick.Marker = plot.TimeTicks{Format: "01-02\n15:04"}
	p.Add(plotter.NewGrid())

	pm25 := make(plotter.XYs, len(recs))
	pm10 := make(plotter.XYs, len(recs))
	for i, rec := range recs {
		t := float64(rec.WindowEnd.Unix())
		pm25[i] = plotter.XY{X: t, Y: rec.AvgPM25}
		pm10[i] = plotter.XY{X: t, Y: rec.AvgPM10}
	}

	for _, series := range []struct {
		name  string
		pts   plotter.XYs
		color color.Color
	}{
		{"PM2.5", pm25, pm25Color},
		{"PM10", pm10, pm10Color},
	} {
		l, err := plotter.NewLine(series.pts)
		if err != nil {
			internalServerError(w, fmt.Sprintf("failed to build plot: %v", err))
			return
		}
		l.Color = series.color
		l.Width = vg.Points(1.5)
		p.Add(l)
		p.Legend.Add(series.name, l)
	}
	p.Legend.Top = true

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		internalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		internalServerError(w, fmt.Sprintf("failed to encode plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(buf.Bytes())
}
