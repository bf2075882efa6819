// Package pingpong holds the message variants spoken by pingd and pingctl:
// a liveness check (Ping/Pong) and room chat relayed by the server.
package pingpong

import (
	"context"

	"mini-packet/message"
)

type Ping struct {
	Nonce int64 `json:"nonce" codec:"nonce"`
}

type Pong struct {
	Nonce int64 `json:"nonce" codec:"nonce"`
}

type Chat struct {
	Room string `json:"room" codec:"room"`
	From string `json:"from,omitempty" codec:"from,omitempty"`
	Text string `json:"text" codec:"text"`
}

type PingHandler interface {
	OnPing(ctx context.Context, c message.Conn, p *Ping) error
}

type PongHandler interface {
	OnPong(ctx context.Context, c message.Conn, p *Pong) error
}

type ChatHandler interface {
	OnChat(ctx context.Context, c message.Conn, m *Chat) error
}

func (p *Ping) Tag() string { return "Ping" }

func (p *Ping) Handle(ctx context.Context, c message.Conn, h message.Handler) error {
	ph, err := message.As[PingHandler](h, p.Tag())
	if err != nil {
		return err
	}
	return ph.OnPing(ctx, c, p)
}

func (p *Pong) Tag() string { return "Pong" }

func (p *Pong) Handle(ctx context.Context, c message.Conn, h message.Handler) error {
	ph, err := message.As[PongHandler](h, p.Tag())
	if err != nil {
		return err
	}
	return ph.OnPong(ctx, c, p)
}

func (m *Chat) Tag() string { return "Chat" }

func (m *Chat) Handle(ctx context.Context, c message.Conn, h message.Handler) error {
	ch, err := message.As[ChatHandler](h, m.Tag())
	if err != nil {
		return err
	}
	return ch.OnChat(ctx, c, m)
}

// RegisterAll adds every variant to r. Call it at startup, before any traffic.
func RegisterAll(r *message.Registry) error {
	if err := message.Register[Ping](r); err != nil {
		return err
	}
	if err := message.Register[Pong](r); err != nil {
		return err
	}
	return message.Register[Chat](r)
}
