// Package peer implements one regional game server: the 2PC transaction
// engine (coordinator and participant roles), the peer transport, the
// recovery sweeper and the event fan-out.
package peer

import (
	"context"
	"sync"
	"time"

	"jokenpo/configs"
	"jokenpo/coordination"
	"jokenpo/storage"
)

// Context records the statement context for one peer node.
type Context struct {
	registry *configs.Registry
	svc      *coordination.Service

	Engine  *Engine
	Manager *Manager

	conn    *Comm
	events  *Bus
	stats   *Stat
	sweeper *Sweeper

	ctx    context.Context
	cancel context.CancelFunc
	// in-flight background DECIDE deliveries drained on shutdown.
	drain sync.WaitGroup
}

func initData(stmt *Context, reg *configs.Registry, store storage.Store) {
	stmt.registry = reg
	stmt.svc = coordination.NewService(store)
	stmt.events = NewBus(configs.EventBufferSize)
	stmt.stats = NewStat(reg.Self)
	stmt.Manager = NewManager(stmt)
	stmt.Engine = NewEngine(stmt)
	stmt.sweeper = NewSweeper(stmt)
}

func begin(stmt *Context, reg *configs.Registry, store storage.Store, ch chan bool) {
	initData(stmt, reg, store)
	stmt.ctx, stmt.cancel = context.WithCancel(context.Background())
	configs.CheckError(stmt.svc.Bootstrap(stmt.ctx))
	stmt.conn = NewConns(stmt, reg.SelfAddress())
	stmt.sweeper.Start()
	ch <- true
	stmt.conn.Run()
}

// Start boots a peer from a loaded registry and an open store, returning
// once the node accepts traffic.
func Start(reg *configs.Registry, store storage.Store) *Context {
	stmt := &Context{}
	ch := make(chan bool)
	go begin(stmt, reg, store, ch)
	<-ch
	return stmt
}

// Main runs a peer from the configured registry file until the process dies.
func Main() {
	reg, err := configs.LoadRegistry(configs.RegistryLocation)
	configs.CheckError(err)
	store, err := storage.New(reg.Self)
	configs.CheckError(err)
	stmt := &Context{}
	ch := make(chan bool)
	go func() { <-ch }()
	begin(stmt, reg, store, ch)
}

// Close drains in-flight DECIDE deliveries for up to TDecide, then tears the
// node down. Whatever stays undelivered is completed by recovery on a
// surviving peer.
func (c *Context) Close() {
	done := make(chan struct{})
	go func() {
		c.drain.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(configs.TDecide):
		configs.TPrintf("%s: undelivered decisions left to recovery", c.registry.Self)
	}
	c.sweeper.Stop()
	c.cancel()
	c.conn.Close()
	c.events.Close()
}

// Events exposes the transaction-decided fan-out. Delivery is at-least-once
// and decoupled from transaction completion.
func (c *Context) Events() *Bus {
	return c.events
}

// Service exposes the coordination layer for inventory and stock queries.
func (c *Context) Service() *coordination.Service {
	return c.svc
}

func (c *Context) Self() string {
	return c.registry.Self
}

func (c *Context) Stats() *Stat {
	return c.stats
}
