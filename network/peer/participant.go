package peer

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/viney-shih/go-lock"

	"jokenpo/configs"
	"jokenpo/coordination"
	"jokenpo/network"
)

// Manager is the participant role of this peer: it answers PREPARE, DECIDE
// and STATUS requests from any coordinator, including the local engine.
type Manager struct {
	stmt *Context
	ops  map[string]kindOps

	// per-transaction latches; dispatch goroutines for the same txn serialize
	// here while different txns proceed in parallel.
	locks *sync.Map
	// answered caches the last response per (txn, phase) so redelivered
	// requests replay the original answer instead of re-running the phase.
	answered *sync.Map

	broken     int32
	disrupted  int32
	queueLatch sync.Mutex
	queue      [][]byte
}

func NewManager(stmt *Context) *Manager {
	return &Manager{
		stmt:     stmt,
		ops:      buildKindOps(stmt.svc),
		locks:    &sync.Map{},
		answered: &sync.Map{},
	}
}

func (c *Manager) lockFor(txID string) lock.Mutex {
	mu, _ := c.locks.LoadOrStore(txID, lock.NewCASMutex())
	return mu.(lock.Mutex)
}

func answerKey(txID string, mark string) string {
	return txID + "|" + mark
}

// replay clones a cached answer under the sequence number of the redelivered
// request, so the caller's pending slot still matches.
func replay(cached *network.PeerResponse, seq uint64) *network.PeerResponse {
	cp := *cached
	cp.Seq = seq
	return &cp
}

// Handle answers one peer request. It is called from the transport dispatch
// loop and, for the local participant, directly by the engine.
func (c *Manager) Handle(req *network.PeerRequest) *network.PeerResponse {
	switch req.Mark {
	case configs.PrepareMsg:
		return c.HandlePrepare(req)
	case configs.DecideMsg:
		return c.HandleDecide(req)
	case configs.StatusMsg:
		return c.HandleStatus(req)
	}
	configs.Warn(false, "unhandled mark %s", req.Mark)
	return nil
}

// HandlePrepare runs the prepare effect for the transaction kind, persists
// the vote on the record and only then answers. A vote that cannot be made
// durable is never sent.
func (c *Manager) HandlePrepare(req *network.PeerRequest) *network.PeerResponse {
	mu := c.lockFor(req.TxnID)
	mu.Lock()
	defer mu.Unlock()
	if cached, ok := c.answered.Load(answerKey(req.TxnID, configs.PrepareACK)); ok {
		return replay(cached.(*network.PeerResponse), req.Seq)
	}
	self := c.stmt.registry.Self
	rsp := &network.PeerResponse{Mark: configs.PrepareACK, Seq: req.Seq, From: self, TxnID: req.TxnID}

	cur, err := c.stmt.svc.LoadTxn(c.stmt.ctx, req.TxnID)
	if err != nil {
		rsp.Vote, rsp.Reason = configs.VoteAbort, configs.ReasonStoreDown
		return rsp
	}
	if cur != nil && cur.Decided() {
		// a PREPARE delivered after the decision must not reserve anything;
		// replay the persisted vote if this peer ever cast one.
		if v, ok := cur.Votes[self]; ok {
			rsp.Vote = v
		} else {
			rsp.Vote, rsp.Reason = configs.VoteAbort, configs.ReasonConflict
		}
		c.answered.Store(answerKey(req.TxnID, configs.PrepareACK), rsp)
		return rsp
	}

	// a participant may hear about the txn before its own store read catches
	// up with the coordinator's log write; re-logging is a no-op.
	rec := &coordination.TxnRecord{
		TxnID:        req.TxnID,
		Kind:         req.Kind,
		Coordinator:  req.From,
		Participants: c.stmt.registry.IDs(),
		Payload:      req.Payload,
		Status:       configs.StatusPreparing,
	}
	if err := c.stmt.svc.LogTxn(c.stmt.ctx, rec); err != nil {
		rsp.Vote, rsp.Reason = configs.VoteAbort, configs.ReasonStoreDown
		return rsp
	}

	ops, ok := c.ops[req.Kind]
	if !ok {
		rsp.Vote, rsp.Reason = configs.VoteAbort, configs.ReasonConflict
		c.answered.Store(answerKey(req.TxnID, configs.PrepareACK), rsp)
		return rsp
	}
	outcome, err := ops.Prepare(c.stmt.ctx, req.TxnID, req.Payload)
	rsp.Vote, rsp.Reason = voteFor(outcome, err)

	status := configs.StatusVotedCommit
	if rsp.Vote == configs.VoteAbort {
		status = configs.StatusVotedAbort
	}
	if _, err := c.stmt.svc.UpdateTxnStatus(c.stmt.ctx, req.TxnID, status, self, rsp.Vote); err != nil && err != coordination.ErrProtocolViolation {
		// the vote is not durable; undo the prepare and abort without caching
		// so a later redelivery can try again.
		if rsp.Vote == configs.VoteCommit {
			configs.Warn(ops.Abort(c.stmt.ctx, req.TxnID) == nil, "prepare rollback failed for %s", req.TxnID)
		}
		rsp.Vote, rsp.Reason = configs.VoteAbort, configs.ReasonStoreDown
		return rsp
	}
	configs.TxnPrint(req.TxnID, "%s votes %s %s", self, rsp.Vote, rsp.Reason)
	c.answered.Store(answerKey(req.TxnID, configs.PrepareACK), rsp)
	return rsp
}

func voteFor(outcome coordination.Outcome, err error) (string, string) {
	if err != nil {
		return configs.VoteAbort, configs.ReasonStoreDown
	}
	switch outcome {
	case coordination.Reserved, coordination.Prepared:
		return configs.VoteCommit, ""
	case coordination.OutOfStock:
		return configs.VoteAbort, configs.ReasonOutOfStock
	case coordination.MissingCards:
		return configs.VoteAbort, configs.ReasonMissingCards
	}
	return configs.VoteAbort, configs.ReasonConflict
}

// HandleDecide applies the global decision and acknowledges once the effect
// is durable. Redeliveries replay the cached acknowledgment.
func (c *Manager) HandleDecide(req *network.PeerRequest) *network.PeerResponse {
	mu := c.lockFor(req.TxnID)
	mu.Lock()
	defer mu.Unlock()
	if cached, ok := c.answered.Load(answerKey(req.TxnID, configs.DecideACK)); ok {
		// only a redelivery of the same decision replays the ack; a
		// conflicting decision falls through to the record CAS and is refused.
		if cached.(*network.PeerResponse).Decision == req.Decision {
			return replay(cached.(*network.PeerResponse), req.Seq)
		}
	}
	self := c.stmt.registry.Self
	rsp := &network.PeerResponse{Mark: configs.DecideACK, Seq: req.Seq, From: self, TxnID: req.TxnID, Decision: req.Decision}

	rec, err := c.stmt.svc.LoadTxn(c.stmt.ctx, req.TxnID)
	if err != nil {
		return rsp
	}
	if rec == nil {
		// late joiner: record the decision so STATUS queries and the sweeper
		// see it. There is no local effect to apply without a prepare.
		status := configs.StatusGlobalCommit
		if req.Decision == configs.DecideAbort {
			status = configs.StatusGlobalAbort
		}
		rec = &coordination.TxnRecord{
			TxnID:        req.TxnID,
			Coordinator:  req.From,
			Participants: c.stmt.registry.IDs(),
			Status:       status,
			Outcome:      req.Decision,
		}
		if err := c.stmt.svc.LogTxn(c.stmt.ctx, rec); err != nil {
			return rsp
		}
		rsp.Ack = true
		c.answered.Store(answerKey(req.TxnID, configs.DecideACK), rsp)
		return rsp
	}

	if rec.Decided() {
		if rec.Decision() != req.Decision {
			// a conflicting decision never gets acknowledged; the stored one
			// stands and this sender is in the wrong.
			configs.Warn(false, "conflicting decision %s for %s", req.Decision, req.TxnID)
			return rsp
		}
		// same decision redelivered after the record retired, possibly past a
		// restart that lost the answer cache; the apply below is idempotent.
	} else {
		status := configs.StatusGlobalCommit
		if req.Decision == configs.DecideAbort {
			status = configs.StatusGlobalAbort
		}
		if _, err := c.stmt.svc.UpdateTxnStatus(c.stmt.ctx, req.TxnID, status, "", ""); err != nil {
			if err == coordination.ErrProtocolViolation {
				configs.Warn(false, "conflicting decision %s for %s", req.Decision, req.TxnID)
			}
			return rsp
		}
	}

	ops, ok := c.ops[rec.Kind]
	if ok {
		if req.Decision == configs.DecideCommit {
			err = ops.Commit(c.stmt.ctx, req.TxnID, rec.Payload)
		} else {
			err = ops.Abort(c.stmt.ctx, req.TxnID)
		}
		if err != nil {
			configs.TxnPrint(req.TxnID, "decision apply failed: %s", err.Error())
			return rsp
		}
	}
	configs.TxnPrint(req.TxnID, "%s applied decision %s", self, req.Decision)
	rsp.Ack = true
	c.answered.Store(answerKey(req.TxnID, configs.DecideACK), rsp)
	return rsp
}

// HandleStatus reports what this peer can prove about a transaction from the
// shared record. Unknown ids answer UNKNOWN, never a guess.
func (c *Manager) HandleStatus(req *network.PeerRequest) *network.PeerResponse {
	rsp := &network.PeerResponse{Mark: configs.StatusACK, Seq: req.Seq, From: c.stmt.registry.Self, TxnID: req.TxnID}
	rec, err := c.stmt.svc.LoadTxn(c.stmt.ctx, req.TxnID)
	if err != nil || rec == nil {
		rsp.Status = configs.StatusUnknown
		return rsp
	}
	rsp.Status = rec.Status
	rsp.Vote = rec.Votes[c.stmt.registry.Self]
	if rec.Decided() {
		rsp.Decision = rec.Decision()
	}
	return rsp
}

// compact drops the per-transaction latches and cached answers of retired
// transactions. Redeliveries past this point are answered from the durable
// record instead of the cache.
func (c *Manager) compact() {
	c.answered.Range(func(key, _ interface{}) bool {
		txID := key.(string)
		if i := strings.IndexByte(txID, '|'); i >= 0 {
			txID = txID[:i]
		}
		rec, err := c.stmt.svc.LoadTxn(c.stmt.ctx, txID)
		if err == nil && (rec == nil || rec.Terminal()) {
			c.answered.Delete(key)
			c.locks.Delete(txID)
		}
		return true
	})
}

// Break simulates a peer crash: incoming requests queue up unanswered until
// Recover replays them, the way a restarted process would drain its socket.
func (c *Manager) Break() {
	atomic.StoreInt32(&c.broken, 1)
}

func (c *Manager) Recover() {
	atomic.StoreInt32(&c.broken, 0)
	c.queueLatch.Lock()
	pending := c.queue
	c.queue = nil
	c.queueLatch.Unlock()
	for _, raw := range pending {
		go c.stmt.conn.dispatch(raw)
	}
}

// NetBreak simulates a network partition: traffic in both directions is
// dropped on the floor until NetRecover.
func (c *Manager) NetBreak() {
	atomic.StoreInt32(&c.disrupted, 1)
}

func (c *Manager) NetRecover() {
	atomic.StoreInt32(&c.disrupted, 0)
}

func (c *Manager) isBroken() bool {
	return atomic.LoadInt32(&c.broken) == 1
}

func (c *Manager) isDisrupted() bool {
	return atomic.LoadInt32(&c.disrupted) == 1
}

func (c *Manager) enqueue(raw []byte) {
	c.queueLatch.Lock()
	defer c.queueLatch.Unlock()
	c.queue = append(c.queue, raw)
}
