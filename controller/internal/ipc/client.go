package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = errors.New("ipc connection closed")

// Client talks to a running controller's status socket.
type Client struct {
	conn   net.Conn
	nextID atomic.Int64

	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[string]chan Response

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to the socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial status socket: %w", err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan Response),
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Call sends a request and decodes its result into out, which may be nil.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	ch := make(chan Response, 1)
	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	if err := c.send(id, method, params); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Type == TypeError {
			var e struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(resp.Data, &e)
			return fmt.Errorf("%s: %s", method, e.Error)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(resp.Data, out)
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status fetches the controller status.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	var st StatusResult
	if err := c.Call(ctx, MethodStatus, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Actions lists in-flight actions.
func (c *Client) Actions(ctx context.Context) ([]ActionInfo, error) {
	var res ActionsResult
	if err := c.Call(ctx, MethodActions, nil, &res); err != nil {
		return nil, err
	}
	return res.Actions, nil
}

// Subscribe turns this connection into an event stream delivered on
// Events. No further calls can be made on it.
func (c *Client) Subscribe(ctx context.Context, events ...string) error {
	var params any
	if len(events) > 0 {
		params = SubscribeParams{Events: events}
	}
	return c.Call(ctx, MethodSubscribe, params, nil)
}

// Events returns the subscribed event stream. It is closed when the
// connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close closes the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *Client) send(id, method string, params any) error {
	req := Request{ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return err
		}
		req.Params = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(append(data, '\n'))
	return err
}

func (c *Client) readLoop() {
	defer func() {
		c.closeOnce.Do(func() { close(c.done) })
		close(c.events)
	}()

	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			continue
		}
		if resp.Type == TypeEvent {
			var e Event
			if json.Unmarshal(resp.Data, &e) == nil {
				select {
				case c.events <- e:
				default:
				}
			}
			continue
		}
		c.pendMu.Lock()
		ch, ok := c.pending[resp.ID]
		c.pendMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}
