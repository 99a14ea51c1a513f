package mcp

import (
	"context"
	"log"
	"sync"
	"time"
)

// HealthStatus tracks ping results for one upstream server.
type HealthStatus struct {
	Name                string
	LastPing            time.Time
	LastSuccessfulPing  time.Time
	ConsecutiveFailures int
	ResponseTime        time.Duration
	IsHealthy           bool
	LastError           error
}

// HealthMonitorConfig configures the health monitor.
type HealthMonitorConfig struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	MaxFailures  int
}

// DefaultHealthMonitorConfig provides sensible defaults.
var DefaultHealthMonitorConfig = HealthMonitorConfig{
	PingInterval: 10 * time.Second,
	PingTimeout:  5 * time.Second,
	MaxFailures:  3,
}

// HealthMonitor periodically pings every active upstream connection. A server
// that misses MaxFailures pings in a row is reported dead and handed back to
// the connection manager for a reconnect cycle.
//
// These are application-level pings: the transport's ping filter only answers
// the server's keep-alives, it does not verify the server is alive from our
// side.
type HealthMonitor struct {
	connMgr  *ConnectionManager
	statuses map[string]*HealthStatus
	mu       sync.RWMutex

	pingInterval time.Duration
	pingTimeout  time.Duration
	maxFailures  int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onUnhealthy func(name string, status *HealthStatus)
	onRecovered func(name string, status *HealthStatus)
	onDead      func(name string, status *HealthStatus)
}

// NewHealthMonitor creates a monitor for the given connection manager.
func NewHealthMonitor(connMgr *ConnectionManager, config *HealthMonitorConfig) *HealthMonitor {
	if config == nil {
		config = &DefaultHealthMonitorConfig
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		connMgr:      connMgr,
		statuses:     make(map[string]*HealthStatus),
		pingInterval: config.PingInterval,
		pingTimeout:  config.PingTimeout,
		maxFailures:  config.MaxFailures,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetCallbacks registers the state-transition callbacks. Any of them may be
// nil.
func (hm *HealthMonitor) SetCallbacks(onUnhealthy, onRecovered, onDead func(string, *HealthStatus)) {
	hm.onUnhealthy = onUnhealthy
	hm.onRecovered = onRecovered
	hm.onDead = onDead
}

// Start begins the monitoring loop.
func (hm *HealthMonitor) Start() {
	hm.wg.Add(1)
	go hm.monitorLoop()
}

// Stop gracefully stops monitoring.
func (hm *HealthMonitor) Stop() {
	hm.cancel()
	hm.wg.Wait()
}

func (hm *HealthMonitor) monitorLoop() {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.pingInterval)
	defer ticker.Stop()

	hm.checkAll()
	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.checkAll()
		}
	}
}

// checkAll pings every active connection concurrently.
func (hm *HealthMonitor) checkAll() {
	for _, info := range hm.connMgr.List() {
		if info.State != StateActive {
			continue
		}
		hm.wg.Add(1)
		go func(name string) {
			defer hm.wg.Done()
			hm.checkOne(name)
		}(info.Name)
	}
}

// checkOne pings a single server and updates its status.
func (hm *HealthMonitor) checkOne(name string) {
	client, err := hm.connMgr.ActiveClient(name)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(hm.ctx, hm.pingTimeout)
	defer cancel()

	start := time.Now()
	pingErr := client.Ping(ctx)
	elapsed := time.Since(start)

	hm.mu.Lock()
	status, ok := hm.statuses[name]
	if !ok {
		status = &HealthStatus{Name: name, IsHealthy: true}
		hm.statuses[name] = status
	}
	status.LastPing = time.Now()
	status.ResponseTime = elapsed

	var becameUnhealthy, becameDead, recovered bool
	if pingErr != nil {
		status.ConsecutiveFailures++
		status.LastError = pingErr
		if status.IsHealthy && status.ConsecutiveFailures >= 1 {
			status.IsHealthy = false
			becameUnhealthy = true
		}
		if status.ConsecutiveFailures >= hm.maxFailures {
			becameDead = true
		}
	} else {
		status.LastSuccessfulPing = time.Now()
		status.LastError = nil
		if !status.IsHealthy {
			recovered = true
		}
		status.ConsecutiveFailures = 0
		status.IsHealthy = true
	}
	snapshot := *status
	hm.mu.Unlock()

	switch {
	case becameDead:
		log.Printf("health: server %s failed %d consecutive pings, reconnecting", name, snapshot.ConsecutiveFailures)
		if hm.onDead != nil {
			hm.onDead(name, &snapshot)
		}
		hm.connMgr.Reconnect(name)
	case becameUnhealthy:
		log.Printf("health: server %s missed a ping: %v", name, pingErr)
		if hm.onUnhealthy != nil {
			hm.onUnhealthy(name, &snapshot)
		}
	case recovered:
		log.Printf("health: server %s recovered", name)
		if hm.onRecovered != nil {
			hm.onRecovered(name, &snapshot)
		}
	}
}

// Status returns a snapshot of one server's health, if it has been checked.
func (hm *HealthMonitor) Status(name string) (HealthStatus, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	status, ok := hm.statuses[name]
	if !ok {
		return HealthStatus{}, false
	}
	return *status, true
}
