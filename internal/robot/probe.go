package robot

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// TCPProbe reports the controller as connected when its command port
// accepts a TCP connection.
type TCPProbe struct {
	address string
	timeout time.Duration
	logger  *zap.Logger
}

func NewTCPProbe(address string, timeout time.Duration, logger *zap.Logger) *TCPProbe {
	return &TCPProbe{
		address: address,
		timeout: timeout,
		logger:  logger,
	}
}

func (p *TCPProbe) Connected(ctx context.Context) bool {
	d := net.Dialer{Timeout: p.timeout}
	conn, err := d.DialContext(ctx, "tcp", p.address)
	if err != nil {
		p.logger.Warn("Robot controller not reachable",
			zap.String("address", p.address),
			zap.Error(err))
		return false
	}
	conn.Close()
	return true
}
