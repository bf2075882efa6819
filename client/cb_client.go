package client

import (
	"context"

	"github.com/sony/gobreaker"

	"mini-packet/message"
)

// CircuitBreakerClient fails fast with gobreaker.ErrOpenState once Connect or
// Send have failed often enough to trip the breaker.
type CircuitBreakerClient struct {
	breaker *gobreaker.CircuitBreaker
	*Client
}

func NewCircuitBreakerClient(client *Client, breaker *gobreaker.CircuitBreaker) *CircuitBreakerClient {
	return &CircuitBreakerClient{
		Client:  client,
		breaker: breaker,
	}
}

func (c *CircuitBreakerClient) Connect(ctx context.Context, addr string) (err error) {
	_, err = c.breaker.Execute(func() (interface{}, error) { return nil, c.Client.Connect(ctx, addr) })
	return
}

func (c *CircuitBreakerClient) ConnectService(ctx context.Context, service string) (err error) {
	_, err = c.breaker.Execute(func() (interface{}, error) { return nil, c.Client.ConnectService(ctx, service) })
	return
}

func (c *CircuitBreakerClient) Send(ctx context.Context, m message.Message) (err error) {
	_, err = c.breaker.Execute(func() (interface{}, error) { return nil, c.Client.Send(ctx, m) })
	return
}

func (c *CircuitBreakerClient) BreakerState() gobreaker.State {
	return c.breaker.State()
}
