package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/boristopalov/gladiator/pkg/core"
	"github.com/boristopalov/gladiator/pkg/protocol"
)

// sessionQueueSize bounds the requests buffered per session on one
// connection before the reader blocks.
const sessionQueueSize = 64

// Server accepts TCP connections speaking newline-delimited JSON. A
// connection may carry requests for many sessions; requests for the same
// session are handled in arrival order, different sessions concurrently.
type Server struct {
	gw *Gateway

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func NewServer(gw *Gateway) *Server {
	return &Server{
		gw:    gw,
		conns: make(map[net.Conn]struct{}),
	}
}

// Listen binds addr. Use the returned address when addr asks for port 0.
func (s *Server) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	log.Printf("[gateway] listening on %s", ln.Addr())
	return ln.Addr(), nil
}

// Serve accepts connections until ctx is done, then closes every
// connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	go func() {
		<-ctx.Done()
		ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if _, err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// connection is the per-connection dispatch state.
type connection struct {
	gw  *Gateway
	ctx context.Context

	writeMu sync.Mutex
	enc     *json.Encoder

	mu     sync.Mutex
	queues map[string]*sessionQueue
	wg     sync.WaitGroup
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	c := &connection{
		gw:     s.gw,
		ctx:    ctx,
		enc:    json.NewEncoder(conn),
		queues: make(map[string]*sessionQueue),
	}
	defer func() {
		cancel()
		c.closeQueues()
		c.wg.Wait()
	}()

	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			var req protocol.Request
			if jsonErr := json.Unmarshal(line, &req); jsonErr != nil {
				log.Printf("[gateway] Warning: closing %s: malformed request: %v", conn.RemoteAddr(), jsonErr)
				return
			}
			if !req.Action.Valid() {
				log.Printf("[gateway] Warning: closing %s: unknown action %q", conn.RemoteAddr(), req.Action)
				return
			}
			c.dispatch(req)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Printf("[gateway] Warning: read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
	}
}

// sessionQueue serializes one session's requests on a connection.
type sessionQueue struct {
	requests chan protocol.Request
	stepping atomic.Bool
}

// dispatch routes a request to its session's queue. A login without an id
// has no queue yet, and logout and debug must not wait behind a suspended
// step; those run on their own. A reset arriving while the session is
// suspended in a step preempts it: the step completes with Cancelled.
func (c *connection) dispatch(req protocol.Request) {
	c.mu.Lock()
	q, ok := c.queues[req.Meta.ID]
	bypass := req.Meta.ID == "" ||
		req.Action == protocol.ActionLogout ||
		req.Action == protocol.ActionDebug ||
		(req.Action == protocol.ActionReset && ok && q.stepping.Load())
	if !bypass && !ok {
		q = &sessionQueue{requests: make(chan protocol.Request, sessionQueueSize)}
		c.queues[req.Meta.ID] = q
		c.wg.Add(1)
		go c.worker(q)
	}
	c.mu.Unlock()

	if bypass {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.write(c.serve(req))
		}()
		return
	}

	select {
	case q.requests <- req:
	case <-c.ctx.Done():
	}
}

func (c *connection) worker(q *sessionQueue) {
	defer c.wg.Done()
	for req := range q.requests {
		if req.Action == protocol.ActionStep {
			q.stepping.Store(true)
		}
		resp := c.serve(req)
		q.stepping.Store(false)
		c.write(resp)
	}
}

func (c *connection) closeQueues() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, q := range c.queues {
		close(q.requests)
		delete(c.queues, id)
	}
}

func (c *connection) write(resp protocol.Response) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.enc.Encode(resp); err != nil && c.ctx.Err() == nil {
		log.Printf("[gateway] Warning: write response: %v", err)
	}
}

// serve executes one request against the gateway.
func (c *connection) serve(req protocol.Request) protocol.Response {
	id := core.SessionID(req.Meta.ID)
	meta := req.Meta

	switch req.Action {
	case protocol.ActionLogin:
		var body protocol.LoginBody
		if err := decodeBody(req.Body, &body); err != nil {
			return protocol.ErrorResponse(meta, err)
		}
		res, err := c.gw.Login(c.ctx, id, body)
		if err != nil {
			return protocol.ErrorResponse(meta, err)
		}
		meta.ID = res.ID
		return protocol.NewResponse(meta, res)

	case protocol.ActionLogout:
		return protocol.NewResponse(meta, protocol.LogoutResult{Released: c.gw.Logout(id)})

	case protocol.ActionReset:
		res, err := c.gw.Reset(c.ctx, id)
		if err != nil {
			return protocol.ErrorResponse(meta, err)
		}
		return protocol.NewResponse(meta, res)

	case protocol.ActionStep:
		var body protocol.StepBody
		if err := decodeBody(req.Body, &body); err != nil {
			return protocol.ErrorResponse(meta, err)
		}
		res, err := c.gw.Step(c.ctx, id, body.Action)
		if err != nil {
			return protocol.ErrorResponse(meta, err)
		}
		return protocol.NewResponse(meta, res)

	case protocol.ActionDebug:
		return protocol.NewResponse(meta, c.gw.Debug(id))
	}
	return protocol.ErrorResponse(meta, core.Errorf(core.CodeProtocol, "unknown action %q", req.Action))
}

func decodeBody(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return core.Errorf(core.CodeProtocol, "malformed body: %v", err)
	}
	return nil
}
