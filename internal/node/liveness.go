package node

import (
	"context"
	"net"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// LivenessResult is one advisory ICMP probe outcome.
type LivenessResult struct {
	Addr      net.IP
	Reachable bool
	RTT       time.Duration
	Err       error
}

// Prober sends a bounded ICMP echo probe to addr and reports whether any
// reply was seen. It exists so tests can substitute a fake without raw
// socket privilege.
type Prober interface {
	Probe(ctx context.Context, addr net.IP, count int, timeout time.Duration) (reachable bool, rtt time.Duration, err error)
}

// ICMPProber is the real Prober, backed by pro-bing.
type ICMPProber struct{}

// Probe implements Prober using an unprivileged (datagram-socket) ICMP
// pinger, matching the approach used for path latency sampling.
func (ICMPProber) Probe(ctx context.Context, addr net.IP, count int, timeout time.Duration) (bool, time.Duration, error) {
	p, err := probing.NewPinger(addr.String())
	if err != nil {
		return false, 0, err
	}
	p.Count = count
	p.Interval = 100 * time.Millisecond
	p.Timeout = timeout

	done := make(chan struct{})
	go func() {
		_ = p.Run()
		close(done)
	}()
	select {
	case <-ctx.Done():
		p.Stop()
		<-done
	case <-done:
	}

	stats := p.Statistics()
	return stats.PacketsRecv > 0, stats.AvgRtt, nil
}

// LivenessChecker is an advisory corroboration signal for path decisions:
// it never overrides the engine core's own path-liveness judgment, it only
// offers a second, independent opinion that callers may log or weigh.
type LivenessChecker struct {
	Prober  Prober
	Count   int
	Timeout time.Duration
}

// NewLivenessChecker returns a LivenessChecker backed by real ICMP probes.
func NewLivenessChecker() *LivenessChecker {
	return &LivenessChecker{Prober: ICMPProber{}, Count: 2, Timeout: 2 * time.Second}
}

// Check probes addr and returns the result. A nil Prober (zero value
// LivenessChecker) is treated as "unreachable, no opinion" rather than a
// panic, so callers can wire a LivenessChecker optionally.
func (c *LivenessChecker) Check(ctx context.Context, addr net.IP) LivenessResult {
	if c == nil || c.Prober == nil {
		return LivenessResult{Addr: addr}
	}
	count := c.Count
	if count <= 0 {
		count = 1
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	reachable, rtt, err := c.Prober.Probe(ctx, addr, count, timeout)
	return LivenessResult{Addr: addr, Reachable: reachable, RTT: rtt, Err: err}
}
