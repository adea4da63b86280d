// pair-report renders an HTML report of the distance history for one
// pair from the hub's sqlite database: a time series of measurements
// and a bar of the distribution percentiles. Useful when checking a
// calibration pass or chasing a drifting antenna delay.
//
// Usage:
//
//	pair-report -db proximity.db -a A -b B -out report.html
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/proximity.report/internal/hub/store"
)

var (
	dbPath  = flag.String("db", "proximity.db", "Path to the hub sqlite database")
	nodeA   = flag.String("a", "", "First identity of the pair")
	nodeB   = flag.String("b", "", "Second identity of the pair")
	limit   = flag.Int("limit", 2000, "Maximum measurements to chart")
	outPath = flag.String("out", "pair-report.html", "Output HTML file")
)

func main() {
	flag.Parse()
	if len(*nodeA) != 1 || len(*nodeB) != 1 {
		log.Fatal("-a and -b must be single-character identities")
	}

	db, err := store.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	rows, err := db.PairHistory(*nodeA, *nodeB, *limit)
	if err != nil {
		log.Fatalf("failed to query history: %v", err)
	}
	if len(rows) == 0 {
		log.Fatalf("no measurements recorded for %s-%s", *nodeA, *nodeB)
	}
	stats, err := db.PairDistanceStats(*nodeA, *nodeB, *limit)
	if err != nil {
		log.Fatalf("failed to compute stats: %v", err)
	}

	page := components.NewPage()
	page.AddCharts(historyChart(rows, stats), percentileChart(stats))

	f, err := os.Create(*outPath)
	if err != nil {
		log.Fatalf("failed to create output: %v", err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		log.Fatalf("failed to render report: %v", err)
	}
	log.Printf("wrote %s (%d measurements for %s-%s)", *outPath, len(rows), stats.NodeA, stats.NodeB)
}

// historyChart plots distance over receipt time, rejected measurements
// in a separate greyed series so calibration outliers stay visible.
func historyChart(rows []store.Measurement, stats store.PairStats) *charts.Line {
	// PairHistory returns newest first; the chart wants time ascending.
	x := make([]string, 0, len(rows))
	accepted := make([]opts.LineData, 0, len(rows))
	rejected := make([]opts.LineData, 0)
	for i := len(rows) - 1; i >= 0; i-- {
		m := rows[i]
		x = append(x, m.ReceivedAt.Format(time.TimeOnly))
		if m.Accepted {
			accepted = append(accepted, opts.LineData{Value: m.DistanceM})
			rejected = append(rejected, opts.LineData{Value: nil})
		} else {
			accepted = append(accepted, opts.LineData{Value: nil})
			rejected = append(rejected, opts.LineData{Value: m.DistanceM})
		}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Pair Report", Theme: "dark", Width: "1200px", Height: "500px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    fmt.Sprintf("Distance %s-%s", stats.NodeA, stats.NodeB),
			Subtitle: fmt.Sprintf("n=%d mean=%.2fm stddev=%.2fm", stats.Samples, stats.Mean, stats.StdDev),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "distance (m)"}),
	)
	line.SetXAxis(x).
		AddSeries("accepted", accepted, charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)})).
		AddSeries("rejected", rejected,
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}),
			charts.WithItemStyleOpts(opts.ItemStyle{Color: "#9e9e9e"}))
	return line
}

// percentileChart summarises the accepted distance distribution.
func percentileChart(stats store.PairStats) *charts.Bar {
	x := []string{"p50", "p85", "p98", "mean"}
	y := []opts.BarData{
		{Value: stats.P50},
		{Value: stats.P85},
		{Value: stats.P98},
		{Value: stats.Mean},
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Theme: "dark", Width: "600px", Height: "400px"}),
		charts.WithTitleOpts(opts.Title{Title: "Distribution (accepted only)"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: "distance (m)"}),
	)
	bar.SetXAxis(x).
		AddSeries("percentiles", y,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)
	return bar
}
