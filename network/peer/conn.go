package peer

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"jokenpo/configs"
	"jokenpo/network"
)

var (
	ErrPeerUnavailable = errors.New("peer: transport failure")
	ErrPeerTimeout     = errors.New("peer: call deadline exceeded")
	ErrUnknownPeer     = errors.New("peer: id not in the registry")
)

// Comm handles the stream transport between peers: one TCP listener, cached
// outgoing connections, and correlation of responses to pending calls by
// sequence number. Requests and responses travel as newline-delimited JSON
// envelopes; a response goes back over a connection to the requester's
// listen address rather than the request's own socket.
type Comm struct {
	done     chan bool
	listener net.Listener
	stmt     *Context
	connMap  *sync.Map
	pending  *sync.Map
	seq      uint64
	sem      chan struct{}
}

func NewConns(stmt *Context, address string) *Comm {
	res := &Comm{stmt: stmt}
	res.connMap = &sync.Map{}
	res.pending = &sync.Map{}
	res.done = make(chan bool, 1)
	tcpAddr, err := net.ResolveTCPAddr("tcp4", address)
	configs.CheckError(err)
	res.listener, err = net.ListenTCP("tcp", tcpAddr)
	configs.CheckError(err)
	return res
}

func (c *Comm) Run() {
	c.sem = make(chan struct{}, configs.MaxConnectionHandler)
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
				configs.TPrintf("accept failed: %s", err.Error())
				continue
			}
		}
		c.sem <- struct{}{}
		go func() {
			defer func() {
				<-c.sem
			}()
			c.handleConn(conn)
		}()
	}
}

func (c *Comm) Close() {
	c.done <- true
	c.connMap.Range(func(key, value interface{}) bool {
		_ = value.(net.Conn).Close()
		return true
	})
	_ = c.listener.Close()
}

func (c *Comm) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		data, err := reader.ReadString('\n')
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}
		go c.dispatch([]byte(data))
	}
}

func (c *Comm) dispatch(raw []byte) {
	var env network.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		configs.TPrintf("dropping undecodable frame: %s", err.Error())
		return
	}
	switch {
	case env.Req != nil:
		if c.stmt.Manager.isBroken() {
			c.stmt.Manager.enqueue(raw)
			return
		}
		if c.stmt.Manager.isDisrupted() {
			return
		}
		rsp := c.stmt.Manager.Handle(env.Req)
		c.reply(env.Req.From, rsp)
	case env.Rsp != nil:
		if c.stmt.Manager.isDisrupted() {
			return
		}
		if ch, ok := c.pending.Load(env.Rsp.Seq); ok {
			select {
			case ch.(chan *network.PeerResponse) <- env.Rsp:
			default:
			}
		} else {
			configs.TxnPrint(env.Rsp.TxnID, "response without a pending call, mark %s", env.Rsp.Mark)
		}
	}
}

func (c *Comm) reply(toID string, rsp *network.PeerResponse) {
	addr, ok := c.stmt.registry.AddressOf(toID)
	if !ok {
		configs.Warn(false, "response for a peer outside the registry")
		return
	}
	raw, err := json.Marshal(network.Envelope{Rsp: rsp})
	configs.CheckError(err)
	_ = c.sendMsg(addr, raw)
}

// Call performs one synchronous request/response exchange with deadline.
func (c *Comm) Call(toID string, req *network.PeerRequest, deadline time.Duration) (*network.PeerResponse, error) {
	addr, ok := c.stmt.registry.AddressOf(toID)
	if !ok {
		return nil, ErrUnknownPeer
	}
	req.Seq = atomic.AddUint64(&c.seq, 1)
	req.From = c.stmt.registry.Self
	ch := make(chan *network.PeerResponse, 1)
	c.pending.Store(req.Seq, ch)
	defer c.pending.Delete(req.Seq)

	raw, err := json.Marshal(network.Envelope{Req: req})
	configs.CheckError(err)
	if c.stmt.Manager.isDisrupted() {
		return nil, ErrPeerUnavailable
	}
	if err := c.sendMsg(addr, raw); err != nil {
		return nil, ErrPeerUnavailable
	}
	select {
	case rsp := <-ch:
		return rsp, nil
	case <-time.After(deadline):
		return nil, ErrPeerTimeout
	case <-c.stmt.ctx.Done():
		return nil, c.stmt.ctx.Err()
	}
}

func (c *Comm) sendMsg(to string, msg []byte) error {
	var conn net.Conn
	if cur, ok := c.connMap.Load(to); !ok {
		tcpAddr, err := net.ResolveTCPAddr("tcp4", to)
		if err != nil {
			return err
		}
		newConn, err := net.DialTCP("tcp", nil, tcpAddr)
		if err != nil {
			return err
		}
		fin, loaded := c.connMap.LoadOrStore(to, newConn)
		if loaded {
			_ = newConn.Close()
		}
		conn = fin.(net.Conn)
	} else {
		conn = cur.(net.Conn)
	}
	msg = append(msg, "\n"...)
	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		configs.Warn(false, err.Error())
	}
	if _, err := conn.Write(msg); err != nil {
		// the cached connection went stale; the next send redials.
		c.connMap.Delete(to)
		_ = conn.Close()
		return err
	}
	return nil
}
