package swproxy

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// statsCollector tracks sizes of responses delivered to clients.
type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	bySource sync.Map // Source -> *atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(src Source, respBytes int) {
	n := uint64(max(respBytes, 0))
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}

	c, _ := s.bySource.LoadOrStore(src, new(atomic.Uint64))
	c.(*atomic.Uint64).Add(1)
}

type statsSnapshot struct {
	TotalResponses uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	BySource       map[Source]uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	if count == 0 {
		return statsSnapshot{BySource: map[Source]uint64{}}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out := statsSnapshot{
		TotalResponses: count,
		MinRespBytes:   minv,
		MaxRespBytes:   s.maxRespBytes.Load(),
		AvgRespBytes:   s.totalRespBytes.Load() / count,
		BySource:       map[Source]uint64{},
	}
	s.bySource.Range(func(k, v any) bool {
		out.BySource[k.(Source)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

// latencyTracker keeps a DDSketch of durations per operation.
type latencyTracker struct {
	mu       sync.Mutex
	sketches map[string]*ddsketch.DDSketch
	accuracy float64
}

func newLatencyTracker(relativeAccuracy float64) *latencyTracker {
	return &latencyTracker{sketches: map[string]*ddsketch.DDSketch{}, accuracy: relativeAccuracy}
}

func (lt *latencyTracker) Record(op string, d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	sk, ok := lt.sketches[op]
	if !ok {
		var err error
		sk, err = ddsketch.LogUnboundedDenseDDSketch(lt.accuracy)
		if err != nil {
			sk, _ = ddsketch.NewDefaultDDSketch(lt.accuracy)
		}
		lt.sketches[op] = sk
	}
	_ = sk.Add(float64(d.Microseconds()) / 1000.0)
}

// Quantiles returns p50 and p99 in milliseconds.
func (lt *latencyTracker) Quantiles(op string) (p50, p99 float64, err error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	sk, ok := lt.sketches[op]
	if !ok || sk.IsEmpty() {
		return 0, 0, fmt.Errorf("no samples for %s", op)
	}
	qs, err := sk.GetValuesAtQuantiles([]float64{0.5, 0.99})
	if err != nil {
		return 0, 0, err
	}
	return qs[0], qs[1], nil
}
