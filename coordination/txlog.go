package coordination

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"jokenpo/configs"
	"jokenpo/storage"
)

// ErrUnknownTransaction reports a log update for a transaction id that was
// never logged on this store.
var ErrUnknownTransaction = errors.New("coordination: unknown transaction")

// TxnRecord is the authoritative state of one distributed transaction. The
// copy in the store always wins over any peer-local cache.
type TxnRecord struct {
	TxnID        string            `json:"txn_id"`
	Kind         string            `json:"kind"`
	Coordinator  string            `json:"coordinator"`
	Participants []string          `json:"participants"`
	Payload      json.RawMessage   `json:"payload"`
	Status       string            `json:"status"`
	Outcome      string            `json:"outcome,omitempty"`
	Votes        map[string]string `json:"votes"`
	Acks         map[string]bool   `json:"acks"`
	UpdatedAt    int64             `json:"updated_at"`
}

func (c *TxnRecord) Terminal() bool {
	return c.Status == configs.StatusCompleted
}

func (c *TxnRecord) Decided() bool {
	return c.Status == configs.StatusGlobalCommit || c.Status == configs.StatusGlobalAbort || c.Terminal()
}

// Decision maps a decided record onto the DECIDE verb. Completed records keep
// the decision implied by their vote map.
func (c *TxnRecord) Decision() string {
	switch c.Status {
	case configs.StatusGlobalCommit:
		return configs.DecideCommit
	case configs.StatusGlobalAbort:
		return configs.DecideAbort
	case configs.StatusCompleted:
		if c.Outcome != "" {
			return c.Outcome
		}
		for _, v := range c.Votes {
			if v == configs.VoteAbort {
				return configs.DecideAbort
			}
		}
		return configs.DecideCommit
	}
	return ""
}

func (c *TxnRecord) AllAcked() bool {
	for _, p := range c.Participants {
		if !c.Acks[p] {
			return false
		}
	}
	return true
}

func statusRank(status string) int {
	switch status {
	case configs.StatusPreparing:
		return 0
	case configs.StatusVotedCommit, configs.StatusVotedAbort:
		return 1
	case configs.StatusGlobalCommit, configs.StatusGlobalAbort:
		return 2
	case configs.StatusCompleted:
		return 3
	}
	return -1
}

// advance computes the next record status for a requested transition, or an
// error when the transition would regress the state machine.
func advance(from string, to string) (string, error) {
	fr, tr := statusRank(from), statusRank(to)
	if tr < 0 {
		return "", ErrProtocolViolation
	}
	if from == to {
		return from, nil
	}
	switch {
	case fr == 3:
		return "", ErrProtocolViolation
	case fr == 2 && tr == 2:
		// a second actor decided differently; the first decision stands.
		return "", ErrProtocolViolation
	case tr < fr:
		// late votes and stale PREPARING refreshes lose against progress.
		return from, nil
	case to == configs.StatusVotedCommit && from == configs.StatusVotedAbort:
		// one abort vote pins the voted status.
		return from, nil
	case to == configs.StatusGlobalCommit && from == configs.StatusVotedAbort:
		return "", ErrProtocolViolation
	}
	return to, nil
}

// LogTxn appends a fresh transaction record and registers it in the
// non-terminal index, atomically. Re-logging an existing id is a no-op.
func (c *Service) LogTxn(ctx context.Context, rec *TxnRecord) error {
	for {
		snap, err := c.store.Watch(ctx, txnKey(rec.TxnID), configs.KeyNonTerminal)
		if err != nil {
			return err
		}
		if snap[txnKey(rec.TxnID)].Version != 0 {
			return nil
		}
		if rec.Votes == nil {
			rec.Votes = map[string]string{}
		}
		if rec.Acks == nil {
			rec.Acks = map[string]bool{}
		}
		rec.UpdatedAt = time.Now().UnixNano()
		raw, err := json.Marshal(rec)
		configs.CheckError(err)
		muts := []storage.Mutation{{Key: txnKey(rec.TxnID), Value: raw}}
		if !rec.Terminal() {
			muts = append(muts, indexMutation(snap, rec.TxnID, true))
		}
		err = c.store.Commit(ctx, snap, muts)
		if err == storage.ErrCASConflict {
			continue
		}
		return err
	}
}

// LoadTxn reads a transaction record; nil when the id was never seen.
func (c *Service) LoadTxn(ctx context.Context, txID string) (*TxnRecord, error) {
	raw, version, err := c.store.Get(ctx, txnKey(txID))
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, nil
	}
	rec := &TxnRecord{}
	configs.CheckError(json.Unmarshal(raw, rec))
	return rec, nil
}

// UpdateTxnStatus is the CAS that drives the record through the state
// machine. voter/vote record a participant vote alongside the transition;
// pass empty strings for coordinator-side transitions.
func (c *Service) UpdateTxnStatus(ctx context.Context, txID string, status string, voter string, vote string) (*TxnRecord, error) {
	for {
		snap, err := c.store.Watch(ctx, txnKey(txID), configs.KeyNonTerminal)
		if err != nil {
			return nil, err
		}
		if snap[txnKey(txID)].Version == 0 {
			return nil, ErrUnknownTransaction
		}
		rec := &TxnRecord{}
		configs.CheckError(json.Unmarshal(snap[txnKey(txID)].Value, rec))
		next, err := advance(rec.Status, status)
		if err != nil {
			return rec, err
		}
		rec.Status = next
		switch next {
		case configs.StatusGlobalCommit:
			rec.Outcome = configs.DecideCommit
		case configs.StatusGlobalAbort:
			rec.Outcome = configs.DecideAbort
		}
		if voter != "" {
			rec.Votes[voter] = vote
		}
		rec.UpdatedAt = time.Now().UnixNano()
		raw, err := json.Marshal(rec)
		configs.CheckError(err)
		muts := []storage.Mutation{{Key: txnKey(txID), Value: raw}}
		if rec.Terminal() {
			muts = append(muts, indexMutation(snap, txID, false))
		}
		err = c.store.Commit(ctx, snap, muts)
		if err == storage.ErrCASConflict {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
}

// RecordAck marks one participant's DECIDE acknowledgment on the record.
func (c *Service) RecordAck(ctx context.Context, txID string, participant string) (*TxnRecord, error) {
	for {
		snap, err := c.store.Watch(ctx, txnKey(txID), configs.KeyNonTerminal)
		if err != nil {
			return nil, err
		}
		if snap[txnKey(txID)].Version == 0 {
			return nil, ErrUnknownTransaction
		}
		rec := &TxnRecord{}
		configs.CheckError(json.Unmarshal(snap[txnKey(txID)].Value, rec))
		if rec.Acks[participant] {
			return rec, nil
		}
		rec.Acks[participant] = true
		rec.UpdatedAt = time.Now().UnixNano()
		raw, err := json.Marshal(rec)
		configs.CheckError(err)
		err = c.store.Commit(ctx, snap, []storage.Mutation{{Key: txnKey(txID), Value: raw}})
		if err == storage.ErrCASConflict {
			continue
		}
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
}

// AdoptCoordinator transfers coordination of a stalled PREPARING record to
// claimant. The CAS guarantees a single winner among sweeping peers.
func (c *Service) AdoptCoordinator(ctx context.Context, txID string, claimant string) (bool, error) {
	for {
		snap, err := c.store.Watch(ctx, txnKey(txID), configs.KeyNonTerminal)
		if err != nil {
			return false, err
		}
		if snap[txnKey(txID)].Version == 0 {
			return false, ErrUnknownTransaction
		}
		rec := &TxnRecord{}
		configs.CheckError(json.Unmarshal(snap[txnKey(txID)].Value, rec))
		if rec.Decided() || rec.Coordinator == claimant {
			return rec.Coordinator == claimant && !rec.Decided(), nil
		}
		rec.Coordinator = claimant
		rec.UpdatedAt = time.Now().UnixNano()
		raw, err := json.Marshal(rec)
		configs.CheckError(err)
		err = c.store.Commit(ctx, snap, []storage.Mutation{{Key: txnKey(txID), Value: raw}})
		if err == storage.ErrCASConflict {
			// another peer raced us for the takeover; let it win.
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
}

// NonTerminal loads every record still registered in the recovery index.
func (c *Service) NonTerminal(ctx context.Context) ([]*TxnRecord, error) {
	raw, version, err := c.store.Get(ctx, configs.KeyNonTerminal)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, nil
	}
	var ids []string
	configs.CheckError(json.Unmarshal(raw, &ids))
	res := make([]*TxnRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := c.LoadTxn(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			res = append(res, rec)
		}
	}
	return res, nil
}

// Purge drops completed records older than the retention window so late
// STATUS queries stay answerable for configs.RetentionWindow.
func (c *Service) Purge(ctx context.Context, before time.Time) error {
	all, err := c.store.Scan(ctx, "tx:")
	if err != nil {
		return err
	}
	for key, raw := range all {
		rec := &TxnRecord{}
		if err := json.Unmarshal(raw, rec); err != nil {
			continue
		}
		if !rec.Terminal() || rec.UpdatedAt >= before.UnixNano() {
			continue
		}
		snap, err := c.store.Watch(ctx, key)
		if err != nil {
			return err
		}
		// best effort; a concurrent writer just postpones the purge.
		_ = c.store.Commit(ctx, snap, []storage.Mutation{{Key: key, Delete: true}})
	}
	return nil
}

func indexMutation(snap storage.Snapshot, txID string, add bool) storage.Mutation {
	var ids []string
	if e := snap[configs.KeyNonTerminal]; e.Version != 0 {
		configs.CheckError(json.Unmarshal(e.Value, &ids))
	}
	out := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		if id != txID {
			out = append(out, id)
		}
	}
	if add {
		out = append(out, txID)
	}
	sort.Strings(out)
	raw, err := json.Marshal(out)
	configs.CheckError(err)
	return storage.Mutation{Key: configs.KeyNonTerminal, Value: raw}
}
