package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry counts gateway activity: per-endpoint latency, resolution
// tiers, guard and rate limit decisions, delivery outcomes.
type Registry struct {
	mu        sync.RWMutex
	endpoint  map[string]*EndpointStat
	tier      map[string]int64
	guard     map[string]int64
	ratelimit map[string]int64
	delivery  map[string]int64
	gauges    map[string]float64
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt string                  `json:"generated_at"`
	Endpoints   map[string]EndpointStat `json:"endpoints"`
	Tiers       map[string]int64        `json:"resolution_tiers"`
	Guard       map[string]int64        `json:"guard_decisions"`
	RateLimit   map[string]int64        `json:"rate_limit_decisions"`
	Deliveries  map[string]int64        `json:"delivery_outcomes"`
	Gauges      map[string]float64      `json:"gauges"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:  map[string]*EndpointStat{},
		tier:      map[string]int64{},
		guard:     map[string]int64{},
		ratelimit: map[string]int64{},
		delivery:  map[string]int64{},
		gauges:    map[string]float64{},
	}
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncTier(tier int) {
	r.mu.Lock()
	r.tier[fmt.Sprintf("tier_%d", tier)]++
	r.mu.Unlock()
}

// IncGuard records a guard outcome: "approved" or the denial cause.
func (r *Registry) IncGuard(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.guard[outcome]++
	r.mu.Unlock()
}

func (r *Registry) IncRateLimit(allowed bool) {
	key := "allowed"
	if !allowed {
		key = "denied"
	}
	r.mu.Lock()
	r.ratelimit[key]++
	r.mu.Unlock()
}

func (r *Registry) IncDelivery(status string) {
	status = strings.TrimSpace(status)
	if status == "" {
		return
	}
	r.mu.Lock()
	r.delivery[status]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Tiers:       make(map[string]int64, len(r.tier)),
		Guard:       make(map[string]int64, len(r.guard)),
		RateLimit:   make(map[string]int64, len(r.ratelimit)),
		Deliveries:  make(map[string]int64, len(r.delivery)),
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.tier {
		out.Tiers[k] = v
	}
	for k, v := range r.guard {
		out.Guard[k] = v
	}
	for k, v := range r.ratelimit {
		out.RateLimit[k] = v
	}
	for k, v := range r.delivery {
		out.Deliveries[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP glpigw_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE glpigw_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "glpigw_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		b.WriteString("# HELP glpigw_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE glpigw_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "glpigw_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		b.WriteString("# HELP glpigw_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE glpigw_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			fmt.Fprintf(b, "glpigw_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}
		b.WriteString("# HELP glpigw_resolution_tier_total resolutions answered per tier\n")
		b.WriteString("# TYPE glpigw_resolution_tier_total counter\n")
		for _, tier := range SortedKeys(snap.Tiers) {
			fmt.Fprintf(b, "glpigw_resolution_tier_total{tier=%q} %d\n", tier, snap.Tiers[tier])
		}
		b.WriteString("# HELP glpigw_guard_total guard decisions by outcome\n")
		b.WriteString("# TYPE glpigw_guard_total counter\n")
		for _, outcome := range SortedKeys(snap.Guard) {
			fmt.Fprintf(b, "glpigw_guard_total{outcome=%q} %d\n", outcome, snap.Guard[outcome])
		}
		b.WriteString("# HELP glpigw_ratelimit_total rate limit decisions\n")
		b.WriteString("# TYPE glpigw_ratelimit_total counter\n")
		for _, key := range SortedKeys(snap.RateLimit) {
			fmt.Fprintf(b, "glpigw_ratelimit_total{decision=%q} %d\n", key, snap.RateLimit[key])
		}
		b.WriteString("# HELP glpigw_delivery_total webhook delivery attempts by outcome\n")
		b.WriteString("# TYPE glpigw_delivery_total counter\n")
		for _, status := range SortedKeys(snap.Deliveries) {
			fmt.Fprintf(b, "glpigw_delivery_total{status=%q} %d\n", status, snap.Deliveries[status])
		}
		b.WriteString("# HELP glpigw_gauge operational gauge metrics\n")
		b.WriteString("# TYPE glpigw_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "glpigw_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
