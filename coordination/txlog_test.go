package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"

	"jokenpo/configs"
)

func logKit(t *testing.T, txID string) *Service {
	svc := serviceKit(t)
	rec := &TxnRecord{
		TxnID:        txID,
		Kind:         configs.OpenPack,
		Coordinator:  "norte",
		Participants: []string{"norte", "oeste", "sul"},
		Payload:      json.RawMessage(`{}`),
		Status:       configs.StatusPreparing,
	}
	assert.Nil(t, svc.LogTxn(context.Background(), rec))
	return svc
}

func TestLogTxnIsIdempotent(t *testing.T) {
	svc := logKit(t, "tx-1")
	ctx := context.Background()

	dup := &TxnRecord{TxnID: "tx-1", Kind: configs.TradeCards, Coordinator: "sul", Status: configs.StatusPreparing}
	assert.Nil(t, svc.LogTxn(ctx, dup))

	rec, err := svc.LoadTxn(ctx, "tx-1")
	assert.Nil(t, err)
	assert.Equal(t, configs.OpenPack, rec.Kind)
	assert.Equal(t, "norte", rec.Coordinator)
}

func TestLoadUnknownTxn(t *testing.T) {
	svc := serviceKit(t)
	rec, err := svc.LoadTxn(context.Background(), "tx-ghost")
	assert.Nil(t, err)
	assert.Nil(t, rec)

	_, err = svc.UpdateTxnStatus(context.Background(), "tx-ghost", configs.StatusGlobalAbort, "", "")
	assert.Equal(t, ErrUnknownTransaction, err)
}

func TestStatusLatticeForward(t *testing.T) {
	svc := logKit(t, "tx-1")
	ctx := context.Background()

	rec, err := svc.UpdateTxnStatus(ctx, "tx-1", configs.StatusVotedCommit, "norte", configs.VoteCommit)
	assert.Nil(t, err)
	assert.Equal(t, configs.StatusVotedCommit, rec.Status)

	rec, err = svc.UpdateTxnStatus(ctx, "tx-1", configs.StatusGlobalCommit, "", "")
	assert.Nil(t, err)
	assert.Equal(t, configs.StatusGlobalCommit, rec.Status)
	assert.Equal(t, configs.DecideCommit, rec.Decision())

	rec, err = svc.UpdateTxnStatus(ctx, "tx-1", configs.StatusCompleted, "", "")
	assert.Nil(t, err)
	assert.True(t, rec.Terminal())
	assert.Equal(t, configs.DecideCommit, rec.Decision())
}

func TestLateVoteCannotRegress(t *testing.T) {
	svc := logKit(t, "tx-1")
	ctx := context.Background()

	_, err := svc.UpdateTxnStatus(ctx, "tx-1", configs.StatusGlobalAbort, "", "")
	assert.Nil(t, err)

	// a vote arriving after the decision records itself without moving status.
	rec, err := svc.UpdateTxnStatus(ctx, "tx-1", configs.StatusVotedCommit, "sul", configs.VoteCommit)
	assert.Nil(t, err)
	assert.Equal(t, configs.StatusGlobalAbort, rec.Status)
}

func TestAbortVotePinsVotedStatus(t *testing.T) {
	svc := logKit(t, "tx-1")
	ctx := context.Background()

	rec, err := svc.UpdateTxnStatus(ctx, "tx-1", configs.StatusVotedAbort, "oeste", configs.VoteAbort)
	assert.Nil(t, err)
	assert.Equal(t, configs.StatusVotedAbort, rec.Status)

	rec, err = svc.UpdateTxnStatus(ctx, "tx-1", configs.StatusVotedCommit, "sul", configs.VoteCommit)
	assert.Nil(t, err)
	assert.Equal(t, configs.StatusVotedAbort, rec.Status)
	assert.Equal(t, configs.VoteCommit, rec.Votes["sul"])

	// the record voted abort; a global commit would violate unanimity.
	_, err = svc.UpdateTxnStatus(ctx, "tx-1", configs.StatusGlobalCommit, "", "")
	assert.Equal(t, ErrProtocolViolation, err)
}

func TestConflictingDecisionRejected(t *testing.T) {
	svc := logKit(t, "tx-1")
	ctx := context.Background()

	_, err := svc.UpdateTxnStatus(ctx, "tx-1", configs.StatusGlobalCommit, "", "")
	assert.Nil(t, err)

	rec, err := svc.UpdateTxnStatus(ctx, "tx-1", configs.StatusGlobalAbort, "", "")
	assert.Equal(t, ErrProtocolViolation, err)
	// the caller adopts the decision that won.
	assert.Equal(t, configs.DecideCommit, rec.Decision())

	// re-asserting the same decision is fine.
	rec, err = svc.UpdateTxnStatus(ctx, "tx-1", configs.StatusGlobalCommit, "", "")
	assert.Nil(t, err)
	assert.Equal(t, configs.StatusGlobalCommit, rec.Status)
}

func TestAcksAndCompletion(t *testing.T) {
	svc := logKit(t, "tx-1")
	ctx := context.Background()

	_, err := svc.UpdateTxnStatus(ctx, "tx-1", configs.StatusGlobalCommit, "", "")
	assert.Nil(t, err)
	for _, p := range []string{"norte", "oeste"} {
		rec, err := svc.RecordAck(ctx, "tx-1", p)
		assert.Nil(t, err)
		assert.False(t, rec.AllAcked())
	}
	rec, err := svc.RecordAck(ctx, "tx-1", "sul")
	assert.Nil(t, err)
	assert.True(t, rec.AllAcked())

	// duplicate ack changes nothing.
	rec, err = svc.RecordAck(ctx, "tx-1", "sul")
	assert.Nil(t, err)
	assert.True(t, rec.AllAcked())
}

func TestNonTerminalIndex(t *testing.T) {
	svc := logKit(t, "tx-1")
	ctx := context.Background()

	recs, err := svc.NonTerminal(ctx)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(recs))
	assert.Equal(t, "tx-1", recs[0].TxnID)

	_, err = svc.UpdateTxnStatus(ctx, "tx-1", configs.StatusGlobalAbort, "", "")
	assert.Nil(t, err)
	recs, _ = svc.NonTerminal(ctx)
	assert.Equal(t, 1, len(recs))

	// completion drops the record from the recovery index.
	_, err = svc.UpdateTxnStatus(ctx, "tx-1", configs.StatusCompleted, "", "")
	assert.Nil(t, err)
	recs, _ = svc.NonTerminal(ctx)
	assert.Equal(t, 0, len(recs))
}

func TestAdoptCoordinator(t *testing.T) {
	svc := logKit(t, "tx-1")
	ctx := context.Background()

	ok, err := svc.AdoptCoordinator(ctx, "tx-1", "sul")
	assert.Nil(t, err)
	assert.True(t, ok)
	rec, _ := svc.LoadTxn(ctx, "tx-1")
	assert.Equal(t, "sul", rec.Coordinator)

	// a decided record has nothing left to adopt.
	_, err = svc.UpdateTxnStatus(ctx, "tx-1", configs.StatusGlobalAbort, "", "")
	assert.Nil(t, err)
	ok, err = svc.AdoptCoordinator(ctx, "tx-1", "oeste")
	assert.Nil(t, err)
	assert.False(t, ok)
}

func TestPurgeKeepsRecentAndLive(t *testing.T) {
	svc := logKit(t, "tx-old")
	ctx := context.Background()

	_, err := svc.UpdateTxnStatus(ctx, "tx-old", configs.StatusGlobalAbort, "", "")
	assert.Nil(t, err)
	_, err = svc.UpdateTxnStatus(ctx, "tx-old", configs.StatusCompleted, "", "")
	assert.Nil(t, err)

	live := &TxnRecord{TxnID: "tx-live", Kind: configs.OpenPack, Coordinator: "norte",
		Participants: []string{"norte"}, Status: configs.StatusPreparing}
	assert.Nil(t, svc.LogTxn(ctx, live))

	// a cutoff in the past keeps everything.
	assert.Nil(t, svc.Purge(ctx, time.Now().Add(-time.Hour)))
	rec, _ := svc.LoadTxn(ctx, "tx-old")
	assert.NotNil(t, rec)

	// a future cutoff drops the completed record but never a live one.
	assert.Nil(t, svc.Purge(ctx, time.Now().Add(time.Hour)))
	rec, _ = svc.LoadTxn(ctx, "tx-old")
	assert.Nil(t, rec)
	rec, _ = svc.LoadTxn(ctx, "tx-live")
	assert.NotNil(t, rec)
}
