package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Registry collects in-process counters for the governance service and
// serves them as a JSON snapshot.
type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	queryClass  map[string]int64
	rejection   map[string]int64
	suppressed  int64
	refreshOK   int64
	refreshFail int64
	gauges      map[string]float64
	evalLatency LatencyStat
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type LatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt         string                  `json:"generated_at"`
	Endpoints           map[string]EndpointStat `json:"endpoints"`
	QueriesByClass      map[string]int64        `json:"queries_by_class"`
	Rejections          map[string]int64        `json:"rejections"`
	GroupsSuppressed    int64                   `json:"groups_suppressed_total"`
	RefreshSuccessTotal int64                   `json:"refresh_success_total"`
	RefreshFailureTotal int64                   `json:"refresh_failure_total"`
	Gauges              map[string]float64      `json:"gauges"`
	PolicyEvalLatencyMS LatencyStat             `json:"policy_eval_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		queryClass: map[string]int64{},
		rejection:  map[string]int64{},
		gauges:     map[string]float64{},
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

// IncQuery counts one governed evaluation by identity class.
func (r *Registry) IncQuery(class string) {
	if class == "" {
		return
	}
	r.mu.Lock()
	r.queryClass[class]++
	r.mu.Unlock()
}

// IncRejection counts a caller-visible rejection by reason.
func (r *Registry) IncRejection(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.rejection[reason]++
	r.mu.Unlock()
}

// AddSuppressedGroups accumulates cardinality-floor suppressions.
func (r *Registry) AddSuppressedGroups(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.suppressed += int64(n)
	r.mu.Unlock()
}

func (r *Registry) IncRefreshSuccess() {
	r.mu.Lock()
	r.refreshOK++
	r.mu.Unlock()
}

func (r *Registry) IncRefreshFailure() {
	r.mu.Lock()
	r.refreshFail++
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

func (r *Registry) ObserveEvalLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evalLatency.Count++
	r.evalLatency.TotalMS += ms
	r.evalLatency.LastMS = ms
	if ms > r.evalLatency.MaxMS {
		r.evalLatency.MaxMS = ms
	}
	r.evalLatency.AvgMS = float64(r.evalLatency.TotalMS) / float64(r.evalLatency.Count)
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt:         time.Now().UTC().Format(time.RFC3339Nano),
		Endpoints:           make(map[string]EndpointStat, len(r.endpoint)),
		QueriesByClass:      make(map[string]int64, len(r.queryClass)),
		Rejections:          make(map[string]int64, len(r.rejection)),
		GroupsSuppressed:    r.suppressed,
		RefreshSuccessTotal: r.refreshOK,
		RefreshFailureTotal: r.refreshFail,
		Gauges:              make(map[string]float64, len(r.gauges)),
		PolicyEvalLatencyMS: r.evalLatency,
	}
	for k, v := range r.endpoint {
		snap.Endpoints[k] = *v
	}
	for k, v := range r.queryClass {
		snap.QueriesByClass[k] = v
	}
	for k, v := range r.rejection {
		snap.Rejections[k] = v
	}
	for k, v := range r.gauges {
		snap.Gauges[k] = v
	}
	return snap
}

// Handler serves the JSON snapshot.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Snapshot())
	}
}

// Middleware records per-endpoint latency and status.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		r.Observe(req.Method+" "+req.URL.Path, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
