package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/tidwall/wal"

	"jokenpo/configs"
)

// MemStore is the in-process store engine. Every peer of a TestKit cluster
// shares one instance, the same way the production deployment shares one
// external store. Committed mutation batches are appended to a write-ahead
// log and replayed on open when configs.UseWAL is set.
type MemStore struct {
	mu   sync.Mutex
	data map[string]Entry
	tick uint64

	lsn     uint64
	pending int
	logs    *wal.Log
	buffer  *wal.Batch
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewMemStore(name string) (*MemStore, error) {
	res := &MemStore{data: make(map[string]Entry)}
	res.ctx, res.cancel = context.WithCancel(context.Background())
	if !configs.UseWAL {
		return res, nil
	}
	log, err := wal.Open(fmt.Sprintf("%s/%s", configs.WALDirectory, name), nil)
	if err != nil {
		return nil, err
	}
	res.logs = log
	res.buffer = &wal.Batch{}
	res.lsn, err = log.LastIndex()
	if err != nil {
		return nil, err
	}
	if err := res.replay(); err != nil {
		return nil, err
	}
	go res.localBatchSyncLogger(res.ctx, res.lsn)
	return res, nil
}

// replay applies every logged mutation batch in order.
func (c *MemStore) replay() error {
	first, err := c.logs.FirstIndex()
	if err != nil {
		return err
	}
	if first == 0 {
		// empty log.
		return nil
	}
	for i := first; i <= c.lsn; i++ {
		raw, err := c.logs.Read(i)
		if err != nil {
			return err
		}
		var muts []Mutation
		if err := json.Unmarshal(raw, &muts); err != nil {
			return err
		}
		c.apply(muts)
	}
	return nil
}

func (c *MemStore) apply(muts []Mutation) {
	for _, m := range muts {
		if m.Delete {
			delete(c.data, m.Key)
			continue
		}
		c.tick++
		c.data[m.Key] = Entry{Value: m.Value, Version: c.tick}
	}
}

func (c *MemStore) Watch(ctx context.Context, keys ...string) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := make(Snapshot, len(keys))
	for _, k := range keys {
		snap[k] = c.data[k]
	}
	return snap, nil
}

func (c *MemStore) Commit(ctx context.Context, snap Snapshot, muts []Mutation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, observed := range snap {
		if c.data[k].Version != observed.Version {
			return ErrCASConflict
		}
	}
	c.apply(muts)
	if c.logs != nil {
		e, err := json.Marshal(muts)
		configs.CheckError(err)
		c.lsn++
		c.pending++
		c.buffer.Write(c.lsn, e)
	}
	return nil
}

func (c *MemStore) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.data[key]
	return e.Value, e.Version, nil
}

func (c *MemStore) Scan(ctx context.Context, prefix string) (map[string][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := make(map[string][]byte)
	for k, e := range c.data {
		if strings.HasPrefix(k, prefix) {
			res[k] = e.Value
		}
	}
	return res, nil
}

func (c *MemStore) Close() error {
	c.cancel()
	if c.logs != nil {
		c.flush()
		return c.logs.Close()
	}
	return nil
}

func (c *MemStore) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffer == nil || c.pending == 0 {
		return
	}
	err := c.logs.WriteBatch(c.buffer)
	if err != nil {
		panic(err)
	}
	c.buffer.Clear()
	c.pending = 0
}

func (c *MemStore) localBatchSyncLogger(ctx context.Context, initLSN uint64) {
	lastLSN := initLSN
	for {
		select {
		case <-time.After(configs.LogBatchInterval):
			c.mu.Lock()
			if c.lsn == lastLSN {
				c.mu.Unlock()
				continue
			}
			err := c.logs.WriteBatch(c.buffer)
			if err != nil {
				panic(err)
			}
			c.buffer.Clear()
			c.pending = 0
			lastLSN = c.lsn
			c.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}
