package wsbus

import (
	"context"
	"sync"

	"github.com/ValentinKolb/dSync/lib/crosstab"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Client is a crosstab.Bus connected to a Hub.
type Client struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]func(crosstab.Envelope)
	once   sync.Once
}

var _ crosstab.Bus = (*Client)(nil)

// Dial connects to the hub at url (ws:// or wss://).
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		ctx:    cctx,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[uint64]func(crosstab.Envelope)),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Publish(ctx context.Context, env crosstab.Envelope) error {
	select {
	case <-c.done:
		return crosstab.ErrBusClosed
	default:
	}
	return wsjson.Write(ctx, c.conn, env)
}

func (c *Client) Subscribe(fn func(crosstab.Envelope)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "")
		c.cancel()
	})
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var env crosstab.Envelope
		if err := wsjson.Read(c.ctx, c.conn, &env); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && c.ctx.Err() == nil {
				log.Warningf("cross-tab connection lost: %v", err)
			}
			return
		}
		c.mu.RLock()
		subs := make([]func(crosstab.Envelope), 0, len(c.subs))
		for _, fn := range c.subs {
			subs = append(subs, fn)
		}
		c.mu.RUnlock()
		for _, fn := range subs {
			fn(env)
		}
	}
}
