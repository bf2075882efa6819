package pingpong

import (
	"context"

	"go.uber.org/zap"

	"mini-packet/message"
)

// Responder is the server side: it answers every Ping with a Pong carrying the
// same nonce and hands Chat to Relay.
type Responder struct {
	message.HandlerAdapter

	Logger *zap.Logger
	// Relay fans a chat line out, typically server.Broadcast. Nil drops chat.
	Relay func(ctx context.Context, m *Chat) error
}

func (r *Responder) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Responder) OnConnected(c message.Conn) error {
	r.logger().Info("peer connected", zap.String("conn_id", c.ID()), zap.Stringer("remote_addr", c.RemoteAddr()))
	return nil
}

func (r *Responder) OnDisconnected(c message.Conn) {
	r.logger().Info("peer disconnected", zap.String("conn_id", c.ID()))
}

func (r *Responder) OnError(c message.Conn, err error) {
	r.logger().Warn("peer failed", zap.String("conn_id", c.ID()), zap.Error(err))
}

func (r *Responder) OnPing(ctx context.Context, c message.Conn, p *Ping) error {
	return c.Send(ctx, &Pong{Nonce: p.Nonce})
}

func (r *Responder) OnChat(ctx context.Context, c message.Conn, m *Chat) error {
	if r.Relay == nil {
		return nil
	}
	if m.From == "" {
		m = &Chat{Room: m.Room, From: c.ID(), Text: m.Text}
	}
	return r.Relay(ctx, m)
}
