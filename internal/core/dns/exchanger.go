package dns

import (
	"context"
	"time"

	mdns "github.com/miekg/dns"
)

// clientExchanger 先走 UDP，应答被截断时改用 TCP 重试。
type clientExchanger struct {
	udp *mdns.Client
	tcp *mdns.Client
}

func newClientExchanger(timeout time.Duration) *clientExchanger {
	return &clientExchanger{
		udp: &mdns.Client{Net: "udp", Timeout: timeout},
		tcp: &mdns.Client{Net: "tcp", Timeout: timeout},
	}
}

func (c *clientExchanger) Exchange(ctx context.Context, m *mdns.Msg, server string) (*mdns.Msg, error) {
	in, _, err := c.udp.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, err
	}
	if in.Truncated {
		in, _, err = c.tcp.ExchangeContext(ctx, m, server)
	}
	return in, err
}
