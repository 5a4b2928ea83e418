// Package metrics keeps pinmirror's operational counters and renders them in
// the Prometheus text exposition format.
//
// Every method is safe on a nil *Registry so components can be constructed
// without metrics in tests.
package metrics

import (
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Metric names exposed on /metrics.
const (
	CyclesTotal      = "pinmirror_cycles_total"
	NewScoresTotal   = "pinmirror_new_scores_total"
	Machines         = "pinmirror_machines"
	LastCycleSeconds = "pinmirror_last_cycle_seconds"
	LastCycleUnix    = "pinmirror_last_cycle_timestamp_seconds"
	LoginsTotal      = "pinmirror_logins_total"
	RequestsTotal    = "pinmirror_upstream_requests_total"
	ReauthTotal      = "pinmirror_upstream_reauth_total"
	BusSubscribers   = "pinmirror_bus_subscribers"
	BusDroppedTotal  = "pinmirror_bus_dropped_subscribers_total"
)

var help = map[string]string{
	CyclesTotal:      "Refresh cycles by outcome (ok, skipped).",
	NewScoresTotal:   "Score entries detected as new across all machines.",
	Machines:         "Non-archived machines in the current snapshot.",
	LastCycleSeconds: "Wall time of the last completed refresh cycle.",
	LastCycleUnix:    "Unix time the last refresh cycle completed.",
	LoginsTotal:      "Upstream login attempts by result.",
	RequestsTotal:    "Upstream GET requests by HTTP status class.",
	ReauthTotal:      "Forced re-logins triggered by 401/403 responses.",
	BusSubscribers:   "Current change-bus subscribers.",
	BusDroppedTotal:  "Subscribers removed after a failed delivery.",
}

type series struct {
	labelName  string
	labelValue string
}

// Registry holds counter and gauge values keyed by metric name and an
// optional single label.
type Registry struct {
	mu       sync.Mutex
	counters map[string]map[series]float64
	gauges   map[string]float64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		counters: make(map[string]map[series]float64),
		gauges:   make(map[string]float64),
	}
}

// Inc adds 1 to the counter name. labelPair, when given, is (label, value).
func (r *Registry) Inc(name string, labelPair ...string) {
	r.Add(name, 1, labelPair...)
}

// Add adds v to the counter name.
func (r *Registry) Add(name string, v float64, labelPair ...string) {
	if r == nil {
		return
	}
	var s series
	if len(labelPair) == 2 {
		s = series{labelName: labelPair[0], labelValue: labelPair[1]}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.counters[name]
	if !ok {
		m = make(map[series]float64)
		r.counters[name] = m
	}
	m[s] += v
}

// Set sets the gauge name to v.
func (r *Registry) Set(name string, v float64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.gauges[name] = v
	r.mu.Unlock()
}

// ObserveCycle records the duration and completion time of a refresh cycle.
func (r *Registry) ObserveCycle(d time.Duration, at time.Time) {
	r.Set(LastCycleSeconds, d.Seconds())
	r.Set(LastCycleUnix, float64(at.Unix()))
}

// Counter returns the current value of a counter series. Used by tests and
// the health endpoint.
func (r *Registry) Counter(name string, labelPair ...string) float64 {
	if r == nil {
		return 0
	}
	var s series
	if len(labelPair) == 2 {
		s = series{labelName: labelPair[0], labelValue: labelPair[1]}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name][s]
}

// Gauge returns the current value of a gauge.
func (r *Registry) Gauge(name string) float64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gauges[name]
}

// Families snapshots the registry as Prometheus metric families sorted by name.
func (r *Registry) Families() []*dto.MetricFamily {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*dto.MetricFamily, 0, len(r.counters)+len(r.gauges))
	for name, byLabel := range r.counters {
		mf := &dto.MetricFamily{
			Name: proto.String(name),
			Help: proto.String(help[name]),
			Type: dto.MetricType_COUNTER.Enum(),
		}
		keys := make([]series, 0, len(byLabel))
		for s := range byLabel {
			keys = append(keys, s)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].labelValue < keys[j].labelValue })
		for _, s := range keys {
			m := &dto.Metric{Counter: &dto.Counter{Value: proto.Float64(byLabel[s])}}
			if s.labelName != "" {
				m.Label = []*dto.LabelPair{{Name: proto.String(s.labelName), Value: proto.String(s.labelValue)}}
			}
			mf.Metric = append(mf.Metric, m)
		}
		out = append(out, mf)
	}
	for name, v := range r.gauges {
		out = append(out, &dto.MetricFamily{
			Name:   proto.String(name),
			Help:   proto.String(help[name]),
			Type:   dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: proto.Float64(v)}}},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GetName() < out[j].GetName() })
	return out
}

// WriteText writes every family in the text exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	for _, mf := range r.Families() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// ServeHTTP serves the registry at /metrics.
func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", string(expfmt.NewFormat(expfmt.TypeTextPlain)))
	if err := r.WriteText(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
