package peer

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"jokenpo/cards"
	"jokenpo/configs"
	"jokenpo/coordination"
	"jokenpo/network"
)

// Result is what the client sees at the end of a transaction.
type Result struct {
	TxnID     string
	Committed bool
	Reason    string
	Cards     []cards.Card
}

// Engine is the coordinator role of this peer. Any peer coordinates the
// transactions its own clients submit; there is no designated leader.
type Engine struct {
	stmt    *Context
	TxnPool *sync.Map
}

func NewEngine(stmt *Context) *Engine {
	return &Engine{stmt: stmt, TxnPool: &sync.Map{}}
}

// OpenPack runs one OPEN_PACK transaction to its terminal decision.
func (c *Engine) OpenPack(ctx context.Context, playerID string, template string) (*Result, error) {
	return c.submit(ctx, configs.OpenPack, network.OpenPackPayload{
		PlayerID:       playerID,
		PackTemplateID: template,
	})
}

// TradeCards runs one TRADE_CARDS transaction to its terminal decision.
func (c *Engine) TradeCards(ctx context.Context, trade network.TradePayload) (*Result, error) {
	return c.submit(ctx, configs.TradeCards, trade)
}

func (c *Engine) submit(ctx context.Context, kind string, payload interface{}) (*Result, error) {
	self := c.stmt.registry.Self
	raw, err := json.Marshal(payload)
	configs.CheckError(err)
	rec := &coordination.TxnRecord{
		TxnID:        configs.GetTxnID(self),
		Kind:         kind,
		Coordinator:  self,
		Participants: c.stmt.registry.IDs(),
		Payload:      raw,
		Status:       configs.StatusPreparing,
	}
	// the record must be durable before the first peer hears about the txn,
	// otherwise a coordinator crash leaves an undiscoverable transaction.
	if err := c.stmt.svc.LogTxn(ctx, rec); err != nil {
		return nil, err
	}
	c.stmt.stats.MarkStart(kind)
	start := time.Now()
	res := c.run(rec)
	c.stmt.stats.MarkFinish(res.Committed, time.Since(start))
	return res, nil
}

// run drives one transaction from the vote round to decision delivery. It is
// also the entry point for transactions adopted during recovery.
func (c *Engine) run(rec *coordination.TxnRecord) *Result {
	decision, reason := c.runPrepare(rec)
	final, err := c.decide(rec.TxnID, decision)
	if err != nil {
		configs.TxnPrint(rec.TxnID, "decision write failed: %s", err.Error())
		return &Result{TxnID: rec.TxnID, Reason: configs.ReasonStoreDown}
	}
	if final != decision {
		configs.TxnPrint(rec.TxnID, "decision %s adopted from a recovering peer", final)
		reason = ""
	}
	c.stmt.events.Publish(TxnDecided{
		TxnID:    rec.TxnID,
		Kind:     rec.Kind,
		Decision: final,
		Reason:   reason,
	})
	c.deliver(rec, final)

	res := &Result{TxnID: rec.TxnID, Committed: final == configs.DecideCommit, Reason: reason}
	if res.Committed && rec.Kind == configs.OpenPack {
		var p network.OpenPackPayload
		configs.CheckError(json.Unmarshal(rec.Payload, &p))
		res.Cards = cards.Open(p.PackTemplateID, rec.TxnID)
	}
	return res
}

// runPrepare fans PREPARE out to every participant and folds the votes. Any
// non-commit answer, timeout or unreachable peer aborts the transaction.
func (c *Engine) runPrepare(rec *coordination.TxnRecord) (string, string) {
	handler := c.createIfNotExistTxnHandler(rec.TxnID, len(rec.Participants))
	defer c.clearTxnHandler(rec.TxnID)
	for _, pid := range rec.Participants {
		go c.sendPrepare(pid, rec, handler)
	}
	select {
	case <-handler.finish:
		if handler.allVotesCommit() {
			return configs.DecideCommit, ""
		}
		return configs.DecideAbort, handler.reason()
	case <-time.After(configs.TPrepare + time.Second):
		return configs.DecideAbort, configs.ReasonTimeout
	case <-c.stmt.ctx.Done():
		return configs.DecideAbort, configs.ReasonCancelled
	}
}

func (c *Engine) sendPrepare(pid string, rec *coordination.TxnRecord, handler *txnHandler) {
	req := network.NewPrepare(0, c.stmt.registry.Self, rec.TxnID, rec.Kind, rec.Payload)
	var rsp *network.PeerResponse
	var err error
	if pid == c.stmt.registry.Self {
		rsp = c.stmt.Manager.Handle(req)
	} else {
		rsp, err = c.stmt.conn.Call(pid, req, configs.TPrepare)
	}
	switch {
	case err == ErrPeerTimeout:
		handler.collectVote(pid, configs.VoteAbort, configs.ReasonTimeout)
	case err != nil || rsp == nil:
		handler.collectVote(pid, configs.VoteAbort, configs.ReasonPeerDown)
	default:
		handler.collectVote(pid, rsp.Vote, rsp.Reason)
	}
}

// decide writes the global decision through the record CAS. When a recovering
// peer already decided, that decision binds this coordinator.
func (c *Engine) decide(txID string, decision string) (string, error) {
	status := configs.StatusGlobalCommit
	if decision == configs.DecideAbort {
		status = configs.StatusGlobalAbort
	}
	rec, err := c.stmt.svc.UpdateTxnStatus(c.stmt.ctx, txID, status, "", "")
	if err == coordination.ErrProtocolViolation && rec != nil {
		if rec.Decided() {
			return rec.Decision(), nil
		}
		if rec.Status == configs.StatusVotedAbort && decision == configs.DecideCommit {
			// a persisted abort vote outlives the votes we just collected.
			return c.decide(txID, configs.DecideAbort)
		}
	}
	if err != nil {
		return "", err
	}
	return decision, nil
}

// deliver pushes the decision to every participant that has not acknowledged
// yet. The first round blocks the caller; unreachable peers move to a
// background retry so the client answer never waits on a dead region.
func (c *Engine) deliver(rec *coordination.TxnRecord, decision string) {
	var wg sync.WaitGroup
	for _, pid := range rec.Participants {
		if rec.Acks[pid] {
			continue
		}
		wg.Add(1)
		go func(pid string) {
			defer wg.Done()
			if c.sendDecide(pid, rec.TxnID, decision) {
				_, err := c.stmt.svc.RecordAck(c.stmt.ctx, rec.TxnID, pid)
				configs.Warn(err == nil, "decide ack for %s not recorded", rec.TxnID)
				return
			}
			c.stmt.drain.Add(1)
			go c.retryDecide(pid, rec.TxnID, decision)
		}(pid)
	}
	wg.Wait()
	c.tryComplete(rec.TxnID)
}

func (c *Engine) retryDecide(pid string, txID string, decision string) {
	defer c.stmt.drain.Done()
	for {
		select {
		case <-c.stmt.ctx.Done():
			return
		case <-time.After(configs.DecideRetryBackoff):
		}
		if c.sendDecide(pid, txID, decision) {
			if _, err := c.stmt.svc.RecordAck(c.stmt.ctx, txID, pid); err == nil {
				c.tryComplete(txID)
			}
			return
		}
	}
}

func (c *Engine) sendDecide(pid string, txID string, decision string) bool {
	req := network.NewDecide(0, c.stmt.registry.Self, txID, decision)
	if pid == c.stmt.registry.Self {
		rsp := c.stmt.Manager.Handle(req)
		return rsp != nil && rsp.Ack
	}
	rsp, err := c.stmt.conn.Call(pid, req, configs.TDecide)
	return err == nil && rsp != nil && rsp.Ack
}

// tryComplete retires the record once every participant acknowledged, which
// also drops it from the recovery index.
func (c *Engine) tryComplete(txID string) {
	rec, err := c.stmt.svc.LoadTxn(c.stmt.ctx, txID)
	if err != nil || rec == nil || rec.Terminal() {
		return
	}
	if !rec.AllAcked() {
		return
	}
	_, err = c.stmt.svc.UpdateTxnStatus(c.stmt.ctx, txID, configs.StatusCompleted, "", "")
	if err != nil && err != coordination.ErrProtocolViolation {
		configs.Warn(false, "completion of %s failed: %s", txID, err.Error())
		return
	}
	configs.TxnPrint(txID, "completed, every decision acknowledged")
}

// Cancel aborts a transaction that is still collecting votes. Once a global
// decision exists the cancel is refused and the decision stands.
func (c *Engine) Cancel(ctx context.Context, txID string) error {
	rec, err := c.stmt.svc.LoadTxn(ctx, txID)
	if err != nil {
		return err
	}
	if rec == nil {
		return coordination.ErrUnknownTransaction
	}
	if rec.Decided() {
		return coordination.ErrProtocolViolation
	}
	final, err := c.decide(txID, configs.DecideAbort)
	if err != nil {
		return err
	}
	if final != configs.DecideAbort {
		return coordination.ErrProtocolViolation
	}
	c.stmt.events.Publish(TxnDecided{TxnID: txID, Kind: rec.Kind, Decision: final, Reason: configs.ReasonCancelled})
	c.deliver(rec, configs.DecideAbort)
	return nil
}
