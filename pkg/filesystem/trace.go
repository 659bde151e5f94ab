package filesystem

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	fuseOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchfs_fuse_ops_total",
			Help: "Total number of FUSE operations by result",
		},
		[]string{"op", "result"},
	)

	fuseOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchfs_fuse_op_duration_seconds",
			Help:    "FUSE operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

// fuseTrace is an opt-in interval reporter for the FUSE layer.
//
// Enable with:
//
//	ORCHFS_FUSE_TRACE=1
//
// Optional:
//
//	ORCHFS_FUSE_TRACE_INTERVAL=2s   (default: 2s)
//	ORCHFS_FUSE_TRACE_SLOW_MS=200   (default: 200ms; 0 disables slow-op logging)
type fuseTrace struct {
	interval      time.Duration
	slowThreshold time.Duration

	mu  sync.Mutex
	ops map[string]*opStats
}

type opStats struct {
	count uint64
	errs  uint64
	total time.Duration
}

func newFuseTraceFromEnv() *fuseTrace {
	if !envBool("ORCHFS_FUSE_TRACE") {
		return nil
	}

	interval := envDuration("ORCHFS_FUSE_TRACE_INTERVAL", 2*time.Second)
	if interval <= 0 {
		interval = 2 * time.Second
	}

	slowMs := envInt("ORCHFS_FUSE_TRACE_SLOW_MS", 200)
	slowThreshold := time.Duration(slowMs) * time.Millisecond
	if slowMs <= 0 {
		slowThreshold = 0
	}

	return &fuseTrace{
		interval:      interval,
		slowThreshold: slowThreshold,
		ops:           make(map[string]*opStats),
	}
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func envInt(key string, def int) int {
	i, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return i
}

func envDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return def
	}
	return d
}

// observe records one finished operation and is meant to be deferred with the
// address of the named error result. It is safe on a nil trace; the prometheus
// metrics are always updated.
func (t *fuseTrace) observe(op, path string, start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	dur := time.Since(start)
	result := "ok"
	if err != nil {
		result = "error"
	}
	fuseOpsTotal.WithLabelValues(op, result).Inc()
	fuseOpDuration.WithLabelValues(op).Observe(dur.Seconds())

	if t == nil {
		return
	}
	t.mu.Lock()
	s, ok := t.ops[op]
	if !ok {
		s = &opStats{}
		t.ops[op] = s
	}
	s.count++
	s.total += dur
	if err != nil {
		s.errs++
	}
	t.mu.Unlock()

	if t.slowThreshold > 0 && dur >= t.slowThreshold {
		log.Info().Str("op", op).Str("path", path).Dur("dur", dur).Err(err).Msg("fuse slow op")
	}
}

// drain returns the stats gathered since the previous call.
func (t *fuseTrace) drain() map[string]opStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]opStats, len(t.ops))
	for op, s := range t.ops {
		out[op] = *s
	}
	t.ops = make(map[string]*opStats)
	return out
}

func (t *fuseTrace) reportLoop(stop <-chan struct{}, mountPoint string) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			stats := t.drain()
			// Only log if something happened during the interval.
			if len(stats) == 0 {
				continue
			}

			ops := make([]string, 0, len(stats))
			for op := range stats {
				ops = append(ops, op)
			}
			sort.Strings(ops)

			ev := log.Info().Str("mount", mountPoint)
			for _, op := range ops {
				s := stats[op]
				ev = ev.Dict(op, zerolog.Dict().
					Uint64("count", s.count).
					Uint64("err", s.errs).
					Dur("avg", s.total/time.Duration(s.count)))
			}
			ev.Msg("fuse trace (interval)")
		}
	}
}
