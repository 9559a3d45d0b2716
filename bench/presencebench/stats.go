package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"
)

// Stats 运行期计数，计数字段用 atomic，切片和 map 由 mu 保护
type Stats struct {
	mu sync.Mutex

	TotalAttempts int64
	SuccessConns  int64
	FailedConns   int64
	CurrentConns  int64
	Disconnects   int64

	MessagesReceived int64
	PresenceUpdates  int64

	PingsSent     int64
	PongsReceived int64
	StatusSent    int64
	AcksReceived  int64

	// 延迟（纳秒）
	connLatencies   []int64
	syncLatencies   []int64
	pingLatencies   []int64
	statusLatencies []int64

	Errors map[string]int64

	StartTime time.Time
	EndTime   time.Time
}

func newStats() *Stats {
	return &Stats{Errors: make(map[string]int64), StartTime: time.Now()}
}

func (s *Stats) recordError(kind string) {
	s.mu.Lock()
	s.Errors[kind]++
	s.mu.Unlock()
}

func (s *Stats) record(dst *[]int64, d time.Duration) {
	s.mu.Lock()
	*dst = append(*dst, d.Nanoseconds())
	s.mu.Unlock()
}

func (s *Stats) recordConn(d time.Duration)   { s.record(&s.connLatencies, d) }
func (s *Stats) recordSync(d time.Duration)   { s.record(&s.syncLatencies, d) }
func (s *Stats) recordPing(d time.Duration)   { s.record(&s.pingLatencies, d) }
func (s *Stats) recordStatus(d time.Duration) { s.record(&s.statusLatencies, d) }

// Result 压测结果
type Result struct {
	Target     string  `json:"target"`
	Conns      int     `json:"target_conns"`
	StatusRate int     `json:"status_rate"`
	ActualTime float64 `json:"actual_time_seconds"`

	TotalAttempts int64   `json:"total_attempts"`
	SuccessConns  int64   `json:"success_conns"`
	FailedConns   int64   `json:"failed_conns"`
	SuccessRate   float64 `json:"success_rate_percent"`
	Disconnects   int64   `json:"disconnects"`

	ConnLatency   LatencyStats `json:"conn_latency_ms"`
	SyncLatency   LatencyStats `json:"initial_sync_latency_ms"`
	PingLatency   LatencyStats `json:"ping_rtt_ms"`
	StatusLatency LatencyStats `json:"status_ack_ms"`

	MessagesReceived int64   `json:"messages_received"`
	PresenceUpdates  int64   `json:"presence_updates"`
	PingsSent        int64   `json:"pings_sent"`
	PongsReceived    int64   `json:"pongs_received"`
	PongRate         float64 `json:"pong_rate_percent"`
	StatusSent       int64   `json:"status_sent"`
	AcksReceived     int64   `json:"acks_received"`

	Errors map[string]int64 `json:"errors"`
}

// LatencyStats 延迟分布，单位毫秒
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	P50    float64 `json:"p50"`
	P90    float64 `json:"p90"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	StdDev float64 `json:"std_dev"`
}

func generateResult(cfg Config, s *Stats) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Result{
		Target:           cfg.Target,
		Conns:            cfg.Conns,
		StatusRate:       cfg.StatusRate,
		ActualTime:       s.EndTime.Sub(s.StartTime).Seconds(),
		TotalAttempts:    s.TotalAttempts,
		SuccessConns:     s.SuccessConns,
		FailedConns:      s.FailedConns,
		Disconnects:      s.Disconnects,
		ConnLatency:      calculateLatencyStats(s.connLatencies),
		SyncLatency:      calculateLatencyStats(s.syncLatencies),
		PingLatency:      calculateLatencyStats(s.pingLatencies),
		StatusLatency:    calculateLatencyStats(s.statusLatencies),
		MessagesReceived: s.MessagesReceived,
		PresenceUpdates:  s.PresenceUpdates,
		PingsSent:        s.PingsSent,
		PongsReceived:    s.PongsReceived,
		StatusSent:       s.StatusSent,
		AcksReceived:     s.AcksReceived,
		Errors:           s.Errors,
	}
	if s.TotalAttempts > 0 {
		r.SuccessRate = float64(s.SuccessConns) / float64(s.TotalAttempts) * 100
	}
	if s.PingsSent > 0 {
		r.PongRate = float64(s.PongsReceived) / float64(s.PingsSent) * 100
	}
	return r
}

func calculateLatencyStats(latencies []int64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}

	sorted := make([]int64, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	toMs := func(ns float64) float64 { return ns / 1e6 }
	at := func(p int) float64 { return toMs(float64(sorted[len(sorted)*p/100])) }

	var sum float64
	for _, v := range sorted {
		sum += float64(v)
	}
	avg := sum / float64(len(sorted))

	var variance float64
	for _, v := range sorted {
		diff := float64(v) - avg
		variance += diff * diff
	}
	variance /= float64(len(sorted))

	return LatencyStats{
		Count:  len(sorted),
		Min:    toMs(float64(sorted[0])),
		Max:    toMs(float64(sorted[len(sorted)-1])),
		Avg:    toMs(avg),
		P50:    at(50),
		P90:    at(90),
		P95:    at(95),
		P99:    at(99),
		StdDev: toMs(math.Sqrt(variance)),
	}
}

func outputJSON(r Result) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "JSON 编码错误: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func printLatency(title string, l LatencyStats) {
	fmt.Printf("--- %s (ms, n=%d) ---\n", title, l.Count)
	fmt.Printf("Min/Avg/Max:  %.2f / %.2f / %.2f\n", l.Min, l.Avg, l.Max)
	fmt.Printf("P50/P90:      %.2f / %.2f\n", l.P50, l.P90)
	fmt.Printf("P95/P99:      %.2f / %.2f\n", l.P95, l.P99)
	fmt.Printf("StdDev:       %.2f\n", l.StdDev)
	fmt.Println()
}

func outputText(r Result) {
	fmt.Println()
	fmt.Println("==================== 压测结果 ====================")
	fmt.Println()
	fmt.Println("--- 连接统计 ---")
	fmt.Printf("尝试连接数:     %d\n", r.TotalAttempts)
	fmt.Printf("成功连接数:     %d\n", r.SuccessConns)
	fmt.Printf("失败连接数:     %d\n", r.FailedConns)
	fmt.Printf("连接成功率:     %.2f%%\n", r.SuccessRate)
	fmt.Printf("断开连接数:     %d\n", r.Disconnects)
	fmt.Println()

	printLatency("握手延迟", r.ConnLatency)
	printLatency("初始同步延迟", r.SyncLatency)
	printLatency("Ping RTT", r.PingLatency)
	if r.StatusRate > 0 {
		printLatency("状态切换确认", r.StatusLatency)
	}

	fmt.Println("--- 消息统计 ---")
	fmt.Printf("接收帧数:       %d\n", r.MessagesReceived)
	fmt.Printf("PRESENCE_UPDATE: %d\n", r.PresenceUpdates)
	fmt.Printf("Ping/Pong:      %d/%d (%.2f%%)\n", r.PingsSent, r.PongsReceived, r.PongRate)
	fmt.Printf("状态切换/确认:  %d/%d\n", r.StatusSent, r.AcksReceived)
	fmt.Println()

	if len(r.Errors) > 0 {
		fmt.Println("--- 错误统计 ---")
		for kind, count := range r.Errors {
			fmt.Printf("%s: %d\n", kind, count)
		}
		fmt.Println()
	}

	fmt.Printf("--- 运行时间: %.2f 秒 ---\n", r.ActualTime)
	fmt.Println("=================================================")
}

func outputCSV(r Result) {
	fmt.Println("metric,value")
	fmt.Printf("target,%s\n", r.Target)
	fmt.Printf("target_conns,%d\n", r.Conns)
	fmt.Printf("duration_seconds,%.2f\n", r.ActualTime)
	fmt.Printf("total_attempts,%d\n", r.TotalAttempts)
	fmt.Printf("success_conns,%d\n", r.SuccessConns)
	fmt.Printf("failed_conns,%d\n", r.FailedConns)
	fmt.Printf("success_rate_percent,%.2f\n", r.SuccessRate)
	fmt.Printf("disconnects,%d\n", r.Disconnects)

	for _, row := range []struct {
		name string
		l    LatencyStats
	}{
		{"conn_latency", r.ConnLatency},
		{"initial_sync_latency", r.SyncLatency},
		{"ping_rtt", r.PingLatency},
		{"status_ack", r.StatusLatency},
	} {
		fmt.Printf("%s_p50_ms,%.2f\n", row.name, row.l.P50)
		fmt.Printf("%s_p95_ms,%.2f\n", row.name, row.l.P95)
		fmt.Printf("%s_p99_ms,%.2f\n", row.name, row.l.P99)
	}

	fmt.Printf("presence_updates,%d\n", r.PresenceUpdates)
	fmt.Printf("pings_sent,%d\n", r.PingsSent)
	fmt.Printf("pongs_received,%d\n", r.PongsReceived)
	fmt.Printf("pong_rate_percent,%.2f\n", r.PongRate)
	fmt.Printf("status_sent,%d\n", r.StatusSent)
	fmt.Printf("acks_received,%d\n", r.AcksReceived)
}
