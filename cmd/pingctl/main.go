// Command pingctl pings a pingd server, or joins a chat room with -room and
// sends each stdin line.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"mini-packet/client"
	"mini-packet/config"
	"mini-packet/discovery"
	"mini-packet/loadbalance"
	"mini-packet/logging"
	"mini-packet/message"
	"mini-packet/pingpong"
)

type printer struct {
	message.HandlerAdapter

	sent sync.Map // nonce → time.Time
	done chan struct{}
}

func (p *printer) OnConnected(c message.Conn) error {
	fmt.Printf("----connected to %v----\n", c.RemoteAddr())
	return nil
}

func (p *printer) OnDisconnected(message.Conn) {
	fmt.Println("----server connection lost----")
	close(p.done)
}

func (p *printer) OnError(_ message.Conn, err error) {
	fmt.Fprintln(os.Stderr, "connection error:", err)
}

func (p *printer) OnPong(_ context.Context, _ message.Conn, m *pingpong.Pong) error {
	if at, ok := p.sent.LoadAndDelete(m.Nonce); ok {
		fmt.Printf("pong nonce=%d rtt=%v\n", m.Nonce, time.Since(at.(time.Time)))
	}
	return nil
}

func (p *printer) OnChat(_ context.Context, _ message.Conn, m *pingpong.Chat) error {
	fmt.Printf("[%s] %s: %s\n", m.Room, m.From, m.Text)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pingctl:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "path to a TOML config file")
		count      = flag.Int("count", 4, "pings to send")
		interval   = flag.Duration("interval", time.Second, "delay between pings")
		room       = flag.String("room", "", "chat room to join instead of pinging")
	)
	flag.Parse()

	f, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(f.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := pingpong.RegisterAll(message.Default); err != nil {
		return err
	}
	conf, err := f.ClientConfig(logger)
	if err != nil {
		return err
	}

	h := &printer{done: make(chan struct{})}
	c := client.NewCircuitBreakerClient(
		client.NewClient(message.Default, h, conf),
		gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "pingd"}),
	)
	defer func() {
		// Lines piped on stdin may still be queued when chat returns on EOF.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Shutdown(ctx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if f.Client.Service != "" && len(f.Discovery.Etcd) > 0 {
		etcd, err := discovery.NewEtcdRegistry(f.Discovery.Etcd, logger)
		if err != nil {
			return err
		}
		defer etcd.Close()

		bal, err := loadbalance.New(f.Client.Balancer)
		if err != nil {
			return err
		}
		if *room != "" {
			bal = loadbalance.KeyedBalancer{Key: *room}
		}
		c.UseDiscovery(etcd, bal)
		err = c.ConnectService(ctx, f.Client.Service)
		if err != nil {
			return err
		}
	} else if err := c.Connect(ctx, f.Client.Addr); err != nil {
		return err
	}

	if *room != "" {
		return chat(ctx, c, h, *room)
	}

	for i := 1; i <= *count; i++ {
		nonce := time.Now().UnixNano()
		h.sent.Store(nonce, time.Now())
		if err := c.Send(ctx, &pingpong.Ping{Nonce: nonce}); err != nil {
			return err
		}
		if i == *count {
			break
		}
		select {
		case <-time.After(*interval):
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		}
	}

	// Give the last pong a moment.
	select {
	case <-time.After(*interval):
	case <-ctx.Done():
	case <-h.done:
	}
	return nil
}

func chat(ctx context.Context, c *client.CircuitBreakerClient, h *printer, room string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		console := bufio.NewScanner(os.Stdin)
		for console.Scan() {
			lines <- console.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			if err := c.Send(ctx, &pingpong.Chat{Room: room, Text: line}); err != nil {
				return err
			}
		}
	}
}
