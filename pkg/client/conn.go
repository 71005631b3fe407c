// Package client is the learner-side half of the gateway protocol: a
// pipelined connection and an orchestrator that keeps many sessions busy.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"

	"github.com/boristopalov/gladiator/pkg/core"
	"github.com/boristopalov/gladiator/pkg/protocol"
	"github.com/google/uuid"
)

// Conn is one gateway connection. Requests are pipelined: each carries a
// fresh token and a reader goroutine routes responses back by token, so
// calls for different sessions may be in flight at the same time.
type Conn struct {
	conn net.Conn

	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	pending map[string]chan protocol.Response
	err     error
	done    chan struct{}
}

func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, core.Errorf(core.CodeTimeout, "dial %s: %v", addr, err)
	}
	return NewConn(nc), nil
}

// NewConn takes ownership of an established connection.
func NewConn(nc net.Conn) *Conn {
	c := &Conn{
		conn:    nc,
		enc:     json.NewEncoder(nc),
		pending: make(map[string]chan protocol.Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	r := bufio.NewReader(c.conn)
	var err error
	for {
		var line []byte
		line, err = r.ReadBytes('\n')
		if len(line) > 0 {
			var resp protocol.Response
			if jsonErr := json.Unmarshal(line, &resp); jsonErr != nil {
				err = fmt.Errorf("malformed response: %w", jsonErr)
				break
			}
			c.mu.Lock()
			ch, ok := c.pending[resp.Meta.Token]
			delete(c.pending, resp.Meta.Token)
			c.mu.Unlock()
			// Responses to calls that already gave up are dropped.
			if ok {
				ch <- resp
			}
		}
		if err != nil {
			break
		}
	}
	if errors.Is(err, io.EOF) {
		err = errors.New("connection closed by gateway")
	}
	c.shutdown(err)
}

func (c *Conn) shutdown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	close(c.done)
	c.conn.Close()
}

// Close tears the connection down. Calls in flight fail with Timeout.
func (c *Conn) Close() error {
	c.shutdown(errors.New("connection closed"))
	return nil
}

// Closed reports whether the connection is unusable.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// call sends one request and waits for its response. Deadlines and
// connection loss surface as Timeout so callers can retry.
func (c *Conn) call(ctx context.Context, a protocol.Action, id core.SessionID, body, out any) (protocol.Meta, error) {
	meta := protocol.Meta{ID: string(id), Token: uuid.NewString()}
	req, err := protocol.NewRequest(a, meta, body)
	if err != nil {
		return meta, core.Errorf(core.CodeProtocol, "%v", err)
	}

	ch := make(chan protocol.Response, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return meta, core.Errorf(core.CodeTimeout, "%s %s: %v", a, id, c.err)
	}
	c.pending[meta.Token] = ch
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.pending, meta.Token)
		c.mu.Unlock()
	}

	c.writeMu.Lock()
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)
	err = c.enc.Encode(req)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		c.shutdown(err)
		return meta, core.Errorf(core.CodeTimeout, "send %s %s: %v", a, id, err)
	}

	select {
	case resp := <-ch:
		return resp.Meta, resp.Decode(out)
	case <-ctx.Done():
		forget()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return meta, core.Errorf(core.CodeTimeout, "%s %s: no response before deadline", a, id)
		}
		return meta, core.Errorf(core.CodeCancelled, "%s %s: %v", a, id, ctx.Err())
	case <-c.done:
		forget()
		c.mu.Lock()
		cause := c.err
		c.mu.Unlock()
		return meta, core.Errorf(core.CodeTimeout, "%s %s: %v", a, id, cause)
	}
}

// Login opens a session. An empty id asks the gateway to allocate one.
func (c *Conn) Login(ctx context.Context, id core.SessionID, body protocol.LoginBody) (protocol.LoginResult, error) {
	var res protocol.LoginResult
	_, err := c.call(ctx, protocol.ActionLogin, id, body, &res)
	if err == nil {
		log.Printf("[client] logged in as %s", res.ID)
	}
	return res, err
}

func (c *Conn) Logout(ctx context.Context, id core.SessionID) (bool, error) {
	var res protocol.LogoutResult
	_, err := c.call(ctx, protocol.ActionLogout, id, nil, &res)
	return res.Released, err
}

func (c *Conn) Reset(ctx context.Context, id core.SessionID) (core.ResetResult, error) {
	var res core.ResetResult
	_, err := c.call(ctx, protocol.ActionReset, id, nil, &res)
	return res, err
}

func (c *Conn) Step(ctx context.Context, id core.SessionID, act []int) (core.StepResult, error) {
	var res core.StepResult
	_, err := c.call(ctx, protocol.ActionStep, id, protocol.StepBody{Action: act}, &res)
	return res, err
}

func (c *Conn) Debug(ctx context.Context, id core.SessionID) (protocol.DebugResult, error) {
	var res protocol.DebugResult
	_, err := c.call(ctx, protocol.ActionDebug, id, nil, &res)
	return res, err
}
