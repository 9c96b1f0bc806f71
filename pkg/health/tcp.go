package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker probes plain TCP reachability, used for remote hosts
// before the engine client is built.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a TCP probe for address ("host:port")
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// Check attempts a TCP connection to the address
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close()

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("tcp connect to %s ok", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}
