package dpe

import (
	"runtime"
	"sort"
	"sync/atomic"
	"time"
)

// ServiceStats are the counters a service contributes to the node report.
type ServiceStats struct {
	requests      atomic.Int64
	failures      atomic.Int64
	executions    atomic.Int64
	execTimeNs    atomic.Int64
	bytesReceived atomic.Int64
	bytesSent     atomic.Int64
	shmReads      atomic.Int64
	shmWrites     atomic.Int64
}

func (s *ServiceStats) addExecution(d time.Duration) {
	s.executions.Add(1)
	s.execTimeNs.Add(d.Nanoseconds())
}

// ServiceReport is the JSON report of one service.
type ServiceReport struct {
	Name               string    `json:"name"`
	EngineName         string    `json:"engineName"`
	EngineClass        string    `json:"engineClass"`
	Author             string    `json:"author"`
	Version            string    `json:"version"`
	Description        string    `json:"description"`
	PoolSize           int       `json:"poolSize"`
	BusyWorkers        int64     `json:"busyWorkers"`
	StartTime          time.Time `json:"startTime"`
	RequestCount       int64     `json:"requestCount"`
	FailureCount       int64     `json:"failureCount"`
	ShmReads           int64     `json:"shmReads"`
	ShmWrites          int64     `json:"shmWrites"`
	BytesReceived      int64     `json:"bytesReceived"`
	BytesSent          int64     `json:"bytesSent"`
	AverageExecutionUs int64     `json:"averageExecutionTime"`
}

// ContainerReport is the JSON report of one container.
type ContainerReport struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	StartTime   time.Time       `json:"startTime"`
	Services    []ServiceReport `json:"services"`
}

// NodeReport is the structured report a node broadcasts periodically.
type NodeReport struct {
	Name         string            `json:"name"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	Lang         string            `json:"lang"`
	Session      string            `json:"session"`
	FrontEnd     string            `json:"frontEnd"`
	StartTime    time.Time         `json:"startTime"`
	SnapshotTime time.Time         `json:"snapshotTime"`
	CPUCount     int               `json:"cpuCount"`
	Goroutines   int               `json:"goroutines"`
	MemoryBytes  uint64            `json:"memoryBytes"`
	Containers   []ContainerReport `json:"containers"`
}

// AliveReport is the minimal liveness record.
type AliveReport struct {
	Name       string    `json:"name"`
	Session    string    `json:"session"`
	FrontEnd   string    `json:"frontEnd"`
	Containers int       `json:"containers"`
	Services   int       `json:"services"`
	Time       time.Time `json:"time"`
}

// RuntimeReport describes the hosting process.
type RuntimeReport struct {
	Name        string    `json:"name"`
	Uptime      string    `json:"uptime"`
	GoVersion   string    `json:"goVersion"`
	CPUCount    int       `json:"cpuCount"`
	GOMAXPROCS  int       `json:"gomaxprocs"`
	Goroutines  int       `json:"goroutines"`
	HeapBytes   uint64    `json:"heapBytes"`
	TotalAlloc  uint64    `json:"totalAllocBytes"`
	NumGC       uint32    `json:"numGC"`
	SnapshotUTC time.Time `json:"snapshotTime"`
}

func (s *Service) report() ServiceReport {
	r := ServiceReport{
		Name:          s.name,
		EngineName:    s.id.EngineName,
		EngineClass:   s.id.EngineClass,
		PoolSize:      s.poolSize,
		RequestCount:  s.stats.requests.Load(),
		FailureCount:  s.stats.failures.Load(),
		ShmReads:      s.stats.shmReads.Load(),
		ShmWrites:     s.stats.shmWrites.Load(),
		BytesReceived: s.stats.bytesReceived.Load(),
		BytesSent:     s.stats.bytesSent.Load(),
		Description:   s.id.Description,
	}
	// engine and pool are only safe to read once the service is running
	if s.Running() {
		r.StartTime = s.startedAt
		r.Author = s.eng.Author()
		r.Version = s.eng.Version()
		if r.Description == "" {
			r.Description = s.eng.Description()
		}
		r.BusyWorkers = s.pool.CurrentActive()
	}
	if n := s.stats.executions.Load(); n > 0 {
		r.AverageExecutionUs = s.stats.execTimeNs.Load() / n / int64(time.Microsecond)
	}
	return r
}

func (c *Container) report() ContainerReport {
	services := c.Services()
	r := ContainerReport{
		Name:        c.name,
		Description: c.description,
		StartTime:   c.startedAt,
		Services:    make([]ServiceReport, 0, len(services)),
	}
	for _, s := range services {
		r.Services = append(r.Services, s.report())
	}
	return r
}

// Report builds the structured node report.
func (n *Node) Report() NodeReport {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	containers := n.Containers()
	r := NodeReport{
		Name:         n.name,
		Host:         n.opts.Host,
		Port:         n.opts.Port,
		Lang:         n.opts.Lang,
		Session:      n.Session(),
		FrontEnd:     n.FrontEnd(),
		StartTime:    n.startedAt,
		SnapshotTime: time.Now(),
		CPUCount:     runtime.NumCPU(),
		Goroutines:   runtime.NumGoroutine(),
		MemoryBytes:  mem.Alloc,
		Containers:   make([]ContainerReport, 0, len(containers)),
	}
	for _, c := range containers {
		r.Containers = append(r.Containers, c.report())
	}
	sort.Slice(r.Containers, func(i, j int) bool { return r.Containers[i].Name < r.Containers[j].Name })
	return r
}

// Alive builds the liveness record.
func (n *Node) Alive() AliveReport {
	r := AliveReport{
		Name:     n.name,
		Session:  n.Session(),
		FrontEnd: n.FrontEnd(),
		Time:     time.Now(),
	}
	for _, c := range n.Containers() {
		r.Containers++
		r.Services += len(c.Services())
	}
	return r
}

// Runtime describes the hosting process.
func (n *Node) Runtime() RuntimeReport {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeReport{
		Name:        n.name,
		Uptime:      time.Since(n.startedAt).Round(time.Second).String(),
		GoVersion:   runtime.Version(),
		CPUCount:    runtime.NumCPU(),
		GOMAXPROCS:  runtime.GOMAXPROCS(0),
		Goroutines:  runtime.NumGoroutine(),
		HeapBytes:   mem.HeapAlloc,
		TotalAlloc:  mem.TotalAlloc,
		NumGC:       mem.NumGC,
		SnapshotUTC: time.Now().UTC(),
	}
}
