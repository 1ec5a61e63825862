package peer

import (
	"time"

	"jokenpo/configs"
	"jokenpo/coordination"
	"jokenpo/network"
)

// Sweeper periodically scans the non-terminal transaction index and drives
// stalled transactions to a terminal state. Any peer can recover any
// transaction; the record CAS keeps concurrent recoverers from diverging.
type Sweeper struct {
	stmt *Context
	done chan bool
}

func NewSweeper(stmt *Context) *Sweeper {
	return &Sweeper{stmt: stmt, done: make(chan bool, 1)}
}

func (c *Sweeper) Start() {
	go func() {
		for {
			select {
			case <-c.done:
				return
			case <-c.stmt.ctx.Done():
				return
			case <-time.After(configs.SweepInterval):
				c.Sweep()
			}
		}
	}()
}

func (c *Sweeper) Stop() {
	select {
	case c.done <- true:
	default:
	}
}

// Sweep runs one recovery pass. Exported so tests and operators can force a
// pass without waiting out the interval.
func (c *Sweeper) Sweep() {
	now := time.Now()
	recs, err := c.stmt.svc.NonTerminal(c.stmt.ctx)
	if err != nil {
		configs.Warn(false, "recovery scan failed: %s", err.Error())
		return
	}
	for _, rec := range recs {
		age := now.Sub(time.Unix(0, rec.UpdatedAt))
		if age < configs.TRecovery {
			continue
		}
		c.recoverTxn(rec, age)
	}
	configs.Warn(c.stmt.svc.Purge(c.stmt.ctx, now.Add(-configs.RetentionWindow)) == nil,
		"retention purge failed")
	c.stmt.Manager.compact()
}

func (c *Sweeper) recoverTxn(rec *coordination.TxnRecord, age time.Duration) {
	self := c.stmt.registry.Self
	if rec.Decided() {
		// the decision exists, only delivery stalled.
		configs.TxnPrint(rec.TxnID, "%s re-delivers the stalled decision %s", self, rec.Decision())
		c.stmt.stats.MarkRecovered()
		c.stmt.Engine.deliver(rec, rec.Decision())
		return
	}

	// the persisted votes may already determine the outcome; decide and
	// deliver instead of re-running a vote round the participants finished.
	if d := votesDecide(rec); d != "" {
		if final, err := c.stmt.Engine.decide(rec.TxnID, d); err == nil {
			configs.TxnPrint(rec.TxnID, "%s decides %s from the persisted votes", self, final)
			c.stmt.stats.MarkRecovered()
			c.stmt.Engine.deliver(rec, final)
		}
		return
	}

	// poll the others before taking over: an answer may carry a decision this
	// record read raced with, and the answers double as liveness checks.
	decision, reachable := c.pollStatus(rec.TxnID)
	if decision != "" {
		if final, err := c.stmt.Engine.decide(rec.TxnID, decision); err == nil {
			c.stmt.stats.MarkRecovered()
			c.stmt.Engine.deliver(rec, final)
		}
		return
	}
	for _, pid := range c.stmt.registry.IDs() {
		if pid == self {
			break
		}
		if reachable[pid] {
			// a lower live peer recovers this one.
			return
		}
	}
	if rec.Status == configs.StatusVotedCommit && age < configs.TBlockMax {
		// inside the blocking window a commit vote stays pinned unless every
		// participant can be re-polled for a fresh vote round.
		for _, pid := range rec.Participants {
			if pid != self && !reachable[pid] {
				configs.TxnPrint(rec.TxnID, "blocked, %s unreachable and window open", pid)
				return
			}
		}
	}

	ok, err := c.stmt.svc.AdoptCoordinator(c.stmt.ctx, rec.TxnID, self)
	if err != nil || !ok {
		return
	}
	rec.Coordinator = self
	configs.TxnPrint(rec.TxnID, "%s adopted the transaction at status %s", self, rec.Status)
	c.stmt.stats.MarkRecovered()
	c.stmt.Engine.run(rec)
}

// votesDecide maps the persisted votes onto the decision they determine. One
// abort vote decides abort; commit needs a commit vote from every
// participant. An incomplete all-commit set determines nothing.
func votesDecide(rec *coordination.TxnRecord) string {
	for _, v := range rec.Votes {
		if v == configs.VoteAbort {
			return configs.DecideAbort
		}
	}
	for _, p := range rec.Participants {
		if rec.Votes[p] != configs.VoteCommit {
			return ""
		}
	}
	return configs.DecideCommit
}

// pollStatus asks every other peer what it knows about the transaction. It
// returns the first decision found and the set of peers that answered.
func (c *Sweeper) pollStatus(txID string) (string, map[string]bool) {
	self := c.stmt.registry.Self
	reachable := map[string]bool{self: true}
	decision := ""
	for _, pid := range c.stmt.registry.IDs() {
		if pid == self {
			continue
		}
		rsp, err := c.stmt.conn.Call(pid, network.NewStatus(0, self, txID), configs.TPrepare)
		if err != nil || rsp == nil {
			continue
		}
		reachable[pid] = true
		if decision == "" && rsp.Decision != "" {
			decision = rsp.Decision
		}
	}
	return decision, reachable
}
