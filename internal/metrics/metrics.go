// Package metrics samples process-level resource usage (CPU, memory,
// goroutines, network I/O) on a timer and publishes it as prometheus
// gauges, alongside the cache-level counters cachestats owns.
package metrics

import (
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
)

var (
	promCPUUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dns_resolver_process_cpu_usage_percent",
		Help: "Current CPU usage percentage",
	})
	promMemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dns_resolver_process_memory_usage_percent",
		Help: "Current memory usage percentage",
	})
	promGoroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dns_resolver_process_goroutine_count",
		Help: "Current number of goroutines",
	})
	promNetworkSent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dns_resolver_process_network_sent_bytes",
		Help: "Total network bytes sent",
	})
	promNetworkRecv = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dns_resolver_process_network_recv_bytes",
		Help: "Total network bytes received",
	})
)

// DefaultSampleInterval is how often a ProcessSampler refreshes its gauges
// when started with a zero interval.
const DefaultSampleInterval = 2 * time.Second

// ProcessSampler periodically refreshes the process-level gauges. The cache
// handle starts one at Open and stops it at Close, so the gauges track the
// lifetime of the open cache rather than the whole process.
type ProcessSampler struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// NewProcessSampler returns a sampler that has not yet been started.
func NewProcessSampler() *ProcessSampler {
	return &ProcessSampler{stop: make(chan struct{}), done: make(chan struct{})}
}

// Start begins sampling on a ticker of the given interval (DefaultSampleInterval
// if zero). It returns immediately; sampling runs on its own goroutine until
// Stop is called.
func (p *ProcessSampler) Start(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	go p.run(interval)
}

func (p *ProcessSampler) run(interval time.Duration) {
	defer close(p.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.sample()
		}
	}
}

func (p *ProcessSampler) sample() {
	cpuPercentages, err := cpu.Percent(0, false)
	if err == nil && len(cpuPercentages) > 0 {
		promCPUUsage.Set(cpuPercentages[0])
	} else if err != nil {
		log.Printf("metrics: cpu sample failed: %v", err)
	}

	memInfo, err := mem.VirtualMemory()
	if err == nil {
		promMemoryUsage.Set(memInfo.UsedPercent)
	} else {
		log.Printf("metrics: memory sample failed: %v", err)
	}

	promGoroutineCount.Set(float64(runtime.NumGoroutine()))

	netIO, err := net.IOCounters(false)
	if err == nil && len(netIO) > 0 {
		promNetworkSent.Set(float64(netIO[0].BytesSent))
		promNetworkRecv.Set(float64(netIO[0].BytesRecv))
	} else if err != nil {
		log.Printf("metrics: network sample failed: %v", err)
	}
}

// Stop halts sampling and waits for the sampling goroutine to exit. It is
// safe to call more than once.
func (p *ProcessSampler) Stop() {
	p.once.Do(func() { close(p.stop) })
	<-p.done
}
