package peer

import (
	"sync"

	"jokenpo/configs"
)

// txnHandler collects the votes of one PREPARE round on the coordinator.
// The fan-out goroutines feed it concurrently; finish fires once the round
// is decided (all votes in, or the first abort).
type txnHandler struct {
	latch       *sync.Mutex
	TID         string
	VoterNumber int
	MsgCount    int
	canAbort    bool
	abortReason string
	decided     bool
	finish      chan struct{}
}

func newTxnHandler(tid string, voteN int) *txnHandler {
	return &txnHandler{
		latch:       &sync.Mutex{},
		TID:         tid,
		VoterNumber: voteN,
		finish:      make(chan struct{}, 1),
	}
}

func (c *Engine) createIfNotExistTxnHandler(tid string, voterNumber int) *txnHandler {
	tx, ok := c.TxnPool.Load(tid)
	if !ok {
		configs.TxnPrint(tid, "vote handler created on coordinator")
		tx, _ = c.TxnPool.LoadOrStore(tid, newTxnHandler(tid, voterNumber))
	}
	return tx.(*txnHandler)
}

func (c *Engine) clearTxnHandler(tid string) {
	c.TxnPool.Delete(tid)
}

// collectVote folds one participant's answer into the round. An abort vote
// decides the round immediately; commit votes decide it when unanimous.
func (c *txnHandler) collectVote(from string, vote string, reason string) {
	c.latch.Lock()
	if c.decided {
		c.latch.Unlock()
		return
	}
	c.MsgCount++
	if vote != configs.VoteCommit {
		c.canAbort = true
		if c.abortReason == "" {
			c.abortReason = reason
		}
		c.decided = true
		c.latch.Unlock()
		c.finish <- struct{}{}
		return
	}
	if c.MsgCount == c.VoterNumber {
		c.decided = true
		c.latch.Unlock()
		c.finish <- struct{}{}
		return
	}
	c.latch.Unlock()
}

func (c *txnHandler) allVotesCommit() bool {
	c.latch.Lock()
	defer c.latch.Unlock()
	return !c.canAbort && c.MsgCount == c.VoterNumber
}

func (c *txnHandler) reason() string {
	c.latch.Lock()
	defer c.latch.Unlock()
	return c.abortReason
}
