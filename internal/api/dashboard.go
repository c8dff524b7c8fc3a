package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// getDashboard renders an HTML page with the scan's status history and
// pressure zone distribution as ECharts visualisations.
func (s *Server) getDashboard(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.authorize(w, r, id) {
		return
	}
	rec, err := s.store.Get(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	changes, err := s.store.History(id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	// Status timeline as a bar chart of time spent in each state.
	var stateNames []string
	var stateDurations []opts.BarData
	for i, c := range changes {
		end := rec.UpdatedAt
		if i+1 < len(changes) {
			end = changes[i+1].ChangedAt
		}
		stateNames = append(stateNames, string(c.ToStatus))
		stateDurations = append(stateDurations, opts.BarData{Value: end.Sub(c.ChangedAt).Seconds()})
	}

	timeline := charts.NewBar()
	timeline.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Scan %s", rec.ID),
			Subtitle: fmt.Sprintf("status=%s retries=%d", rec.Status, rec.RetryCount),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	timeline.SetXAxis(stateNames).
		AddSeries("seconds in state", stateDurations,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	// Pressure zones per side.
	left, right := zoneSummaries(rec)
	zones := charts.NewBar()
	zones.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Pressure by zone", Subtitle: "% of total pressure"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	zones.SetXAxis([]string{"forefoot", "midfoot", "heel"}).
		AddSeries("left", []opts.BarData{{Value: left.Forefoot}, {Value: left.Midfoot}, {Value: left.Heel}}).
		AddSeries("right", []opts.BarData{{Value: right.Forefoot}, {Value: right.Midfoot}, {Value: right.Heel}})

	page := components.NewPage()
	page.AddCharts(timeline, zones)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
