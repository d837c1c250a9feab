// Package reject 拒绝所有连接的出站
package reject

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"liuproxy_tunnel/internal/core/session"
	"liuproxy_tunnel/internal/shared/errorx"
	"liuproxy_tunnel/internal/shared/types"
)

var ErrRejected = errors.New("rejected by rule")

type Outbound struct {
	tag string
}

var _ types.Outbound = (*Outbound)(nil)

func New(tag string) *Outbound { return &Outbound{tag: tag} }

func (o *Outbound) Tag() string                      { return o.tag }
func (o *Outbound) Type() string                     { return "reject" }
func (o *Outbound) TrafficStats() types.TrafficStats { return types.TrafficStats{} }

func (o *Outbound) DialTCP(_ context.Context, dst session.Destination) (net.Conn, error) {
	return nil, errorx.Dial(dst.String(), ErrRejected)
}

func (o *Outbound) DialPacket(_ context.Context, dst session.Destination) (types.PacketConn, error) {
	return nil, errorx.Dial(dst.String(), ErrRejected)
}
