package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/TylerBrock/colorjson"
	"github.com/logrusorgru/aurora"
	"github.com/rcrowley/go-metrics"

	"github.com/helix-data/helix-connect-go"
)

var (
	titleColor = aurora.Cyan
	labelColor = aurora.White

	formatter = colorjson.NewFormatter()

	w = tabwriter.NewWriter(os.Stderr, 0, 2, 2, ' ', 0)
)

func init() {
	formatter.Indent = 4
}

func marshalToMap(obj interface{}) interface{} {
	var b []byte

	switch v := obj.(type) {
	case []byte:
		b = v
	default:
		bytes, err := json.Marshal(obj)
		if err != nil {
			panic(err)
		}
		b = bytes
	}

	var ret interface{}

	if err := json.Unmarshal(b, &ret); err != nil {
		panic(err)
	}

	return ret
}

// PrintColoredJSON pretty-prints obj as colorized JSON under a title.
func PrintColoredJSON(msg string, obj interface{}) {
	PrintTitle(msg)

	b, err := formatter.Marshal(marshalToMap(obj))
	if err != nil {
		panic(err)
	}

	fmt.Println()
	fmt.Println(string(b))
	fmt.Println()
}

func PrintTitle(name string) {
	fmt.Fprintln(w, aurora.Bold(titleColor(name)))
}

func row(label string, v interface{}) {
	_, _ = fmt.Fprintf(w, "\t%s\t%v\t\n", labelColor(label), v)
}

func subRow(label string, v interface{}) {
	_, _ = fmt.Fprintf(w, "\t  %s\t%v\t\n", labelColor(label), v)
}

// PrintMetrics renders one timer as a table: totals, the latency
// distribution, and throughput rates.
func PrintMetrics(action string, timer metrics.Timer) {
	if timer.Count() == 0 {
		if opts.ShowAll {
			fmt.Println()
			fmt.Println(aurora.Bold(titleColor(action)), aurora.Red("  Not run."))
		}

		return
	}

	PrintTitle(action)
	row("Count:", timer.Count())
	row("Mean:", time.Duration(timer.Mean()))
	row("Min:", time.Duration(timer.Min()))
	row("Max:", time.Duration(timer.Max()))
	row("StdDev:", time.Duration(timer.StdDev()))

	row("Percentiles:", "")

	for _, p := range []float64{0.5, 0.75, 0.9, 0.95, 0.99, 0.999} {
		subRow(strconv.FormatFloat(p*100, 'f', 2, 64)+"% :", time.Duration(timer.Percentile(p)))
	}

	row("Rate:", "")
	subRow("1 Minute:", timer.Rate1())
	subRow("5 Minute:", timer.Rate5())
	subRow("15 Minute:", timer.Rate15())
	subRow("Mean:", timer.RateMean())

	w.Flush()

	fmt.Println()
}

// PrintSDKCounters lists the library's own counters and meters so chunk
// refetches, transfer resumes, and poison messages show up beside the
// app-level timers.
func PrintSDKCounters() {
	type entry struct {
		name  string
		value string
	}

	prefix := helixconnect.MetricsPrefix + "."

	var entries []entry

	metrics.DefaultRegistry.Each(func(name string, m interface{}) {
		if !strings.HasPrefix(name, prefix) {
			return
		}

		switch v := m.(type) {
		case metrics.Counter:
			entries = append(entries, entry{name, strconv.FormatInt(v.Count(), 10)})
		case metrics.Meter:
			entries = append(entries, entry{name, fmt.Sprintf("%d (%.2f/s mean)", v.Count(), v.RateMean())})
		}
	})

	if len(entries) == 0 {
		return
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	PrintTitle("SDK counters")

	for _, e := range entries {
		row(e.name+":", e.value)
	}

	w.Flush()

	fmt.Println()
}
