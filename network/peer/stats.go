package peer

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"jokenpo/configs"
)

// Stat accumulates transaction statistics on one peer.
type Stat struct {
	mu        *sync.Mutex
	nodeID    string
	started   map[string]int
	committed int
	aborted   int
	recovered int
	latencies []time.Duration
	beginTime time.Time
}

func NewStat(nodeID string) *Stat {
	return &Stat{
		mu:        &sync.Mutex{},
		nodeID:    nodeID,
		started:   make(map[string]int),
		beginTime: time.Now(),
	}
}

func (st *Stat) MarkStart(kind string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.started[kind]++
}

func (st *Stat) MarkFinish(committed bool, latency time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if committed {
		st.committed++
	} else {
		st.aborted++
	}
	st.latencies = append(st.latencies, latency)
}

func (st *Stat) MarkRecovered() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.recovered++
}

func (st *Stat) Committed() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.committed
}

func (st *Stat) Aborted() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.aborted
}

func (st *Stat) Recovered() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.recovered
}

func (st *Stat) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.started = make(map[string]int)
	st.committed, st.aborted, st.recovered = 0, 0, 0
	st.latencies = nil
	st.beginTime = time.Now()
}

func pick(sorted []time.Duration, pct int) time.Duration {
	i := (len(sorted)*pct + pct) / 100
	if i > len(sorted)-1 {
		i = len(sorted) - 1
	}
	return sorted[i]
}

// Log prints one summary line per measurement window.
func (st *Stat) Log() {
	st.mu.Lock()
	defer st.mu.Unlock()
	elapsed := time.Since(st.beginTime).Seconds()
	total := 0
	for _, n := range st.started {
		total += n
	}
	msg := "node:" + st.nodeID + ";"
	msg += "txn_cnt:" + strconv.Itoa(total) + ";"
	for kind, n := range st.started {
		msg += kind + ":" + strconv.Itoa(n) + ";"
	}
	msg += "committed:" + strconv.Itoa(st.committed) + ";"
	msg += "aborted:" + strconv.Itoa(st.aborted) + ";"
	msg += "recovered:" + strconv.Itoa(st.recovered) + ";"
	if elapsed > 0 {
		msg += fmt.Sprintf("tps:%.1f;", float64(st.committed)/elapsed)
	}
	sorted := make([]time.Duration, len(st.latencies))
	copy(sorted, st.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if len(sorted) > 0 {
		msg += "p99_latency:" + pick(sorted, 99).String() + ";"
		msg += "p50_latency:" + pick(sorted, 50).String() + ";"
	} else {
		msg += "p99_latency:nil;p50_latency:nil;"
	}
	fmt.Println(msg)
	configs.DPrintf("stat window closed on %s", st.nodeID)
}
