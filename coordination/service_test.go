package coordination

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"jokenpo/configs"
	"jokenpo/storage"
)

func serviceKit(t *testing.T) *Service {
	st, err := storage.NewMemStore(t.Name())
	assert.Nil(t, err)
	t.Cleanup(func() { _ = st.Close() })
	svc := NewService(st)
	assert.Nil(t, svc.Bootstrap(context.Background()))
	return svc
}

func TestBootstrapSeedsStockOnce(t *testing.T) {
	svc := serviceKit(t)
	ctx := context.Background()
	stock, err := svc.Stock(ctx)
	assert.Nil(t, err)
	assert.Equal(t, configs.InitialPackStock, stock)

	// a second bootstrap on a seeded store changes nothing.
	assert.Nil(t, svc.Bootstrap(ctx))
	stock, _ = svc.Stock(ctx)
	assert.Equal(t, configs.InitialPackStock, stock)
}

func TestReserveAndReleasePack(t *testing.T) {
	svc := serviceKit(t)
	ctx := context.Background()

	outcome, err := svc.ReservePack(ctx, "tx-1", "alice", "starter")
	assert.Nil(t, err)
	assert.Equal(t, Reserved, outcome)
	stock, _ := svc.Stock(ctx)
	assert.Equal(t, configs.InitialPackStock-1, stock)

	// a duplicate PREPARE reuses the existing reservation.
	outcome, err = svc.ReservePack(ctx, "tx-1", "alice", "starter")
	assert.Nil(t, err)
	assert.Equal(t, Reserved, outcome)
	stock, _ = svc.Stock(ctx)
	assert.Equal(t, configs.InitialPackStock-1, stock)

	assert.Nil(t, svc.ReleasePack(ctx, "tx-1"))
	stock, _ = svc.Stock(ctx)
	assert.Equal(t, configs.InitialPackStock, stock)

	// releasing twice must not mint stock.
	assert.Nil(t, svc.ReleasePack(ctx, "tx-1"))
	stock, _ = svc.Stock(ctx)
	assert.Equal(t, configs.InitialPackStock, stock)
}

func TestReservePackOutOfStock(t *testing.T) {
	old := configs.InitialPackStock
	configs.InitialPackStock = 2
	defer func() { configs.InitialPackStock = old }()
	svc := serviceKit(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		outcome, err := svc.ReservePack(ctx, configs.GetTxnID("t"), "alice", "starter")
		assert.Nil(t, err)
		assert.Equal(t, Reserved, outcome)
	}
	outcome, err := svc.ReservePack(ctx, configs.GetTxnID("t"), "alice", "starter")
	assert.Nil(t, err)
	assert.Equal(t, OutOfStock, outcome)
	stock, _ := svc.Stock(ctx)
	assert.Equal(t, int64(0), stock)
}

func TestMaterializePack(t *testing.T) {
	svc := serviceKit(t)
	ctx := context.Background()
	_, err := svc.ReservePack(ctx, "tx-1", "alice", "starter")
	assert.Nil(t, err)

	cardIDs := []string{"c1", "c2", "c3"}
	assert.Nil(t, svc.MaterializePack(ctx, "tx-1", "alice", cardIDs))
	inv, err := svc.Inventory(ctx, "alice")
	assert.Nil(t, err)
	assert.Equal(t, cardIDs, inv)

	// redelivered DECIDE hits the applied marker, no duplicate cards.
	assert.Nil(t, svc.MaterializePack(ctx, "tx-1", "alice", cardIDs))
	inv, _ = svc.Inventory(ctx, "alice")
	assert.Equal(t, cardIDs, inv)

	// the reservation is consumed, a late release cannot refund it.
	stock, _ := svc.Stock(ctx)
	assert.Nil(t, svc.ReleasePack(ctx, "tx-1"))
	after, _ := svc.Stock(ctx)
	assert.Equal(t, stock, after)
}

func TestMaterializeWithoutReservation(t *testing.T) {
	svc := serviceKit(t)
	err := svc.MaterializePack(context.Background(), "tx-ghost", "alice", []string{"c1"})
	assert.Equal(t, ErrNoReservation, err)
}

func seedInventory(t *testing.T, svc *Service, player string, cardIDs []string) {
	ctx := context.Background()
	txID := configs.GetTxnID("seed")
	_, err := svc.ReservePack(ctx, txID, player, "starter")
	assert.Nil(t, err)
	assert.Nil(t, svc.MaterializePack(ctx, txID, player, cardIDs))
}

func TestVerifyAndApplySwap(t *testing.T) {
	svc := serviceKit(t)
	ctx := context.Background()
	seedInventory(t, svc, "alice", []string{"a1", "a2"})
	seedInventory(t, svc, "bob", []string{"b1"})

	intent := SwapIntent{PlayerA: "alice", CardsAOut: []string{"a1"}, PlayerB: "bob", CardsBOut: []string{"b1"}}
	outcome, err := svc.VerifyAndSwap(ctx, "tx-t", intent)
	assert.Nil(t, err)
	assert.Equal(t, Prepared, outcome)

	// duplicate PREPARE replays against the existing intent.
	outcome, err = svc.VerifyAndSwap(ctx, "tx-t", intent)
	assert.Nil(t, err)
	assert.Equal(t, Prepared, outcome)

	assert.Nil(t, svc.ApplySwap(ctx, "tx-t"))
	invA, _ := svc.Inventory(ctx, "alice")
	invB, _ := svc.Inventory(ctx, "bob")
	assert.ElementsMatch(t, []string{"a2", "b1"}, invA)
	assert.ElementsMatch(t, []string{"a1"}, invB)

	// applying again is a no-op, the intent is gone.
	assert.Nil(t, svc.ApplySwap(ctx, "tx-t"))
	invA, _ = svc.Inventory(ctx, "alice")
	assert.ElementsMatch(t, []string{"a2", "b1"}, invA)
}

func TestVerifySwapMissingCards(t *testing.T) {
	svc := serviceKit(t)
	ctx := context.Background()
	seedInventory(t, svc, "alice", []string{"a1"})
	seedInventory(t, svc, "bob", []string{"b1"})

	outcome, err := svc.VerifyAndSwap(ctx, "tx-t", SwapIntent{
		PlayerA: "alice", CardsAOut: []string{"a9"}, PlayerB: "bob", CardsBOut: []string{"b1"},
	})
	assert.Nil(t, err)
	assert.Equal(t, MissingCards, outcome)
}

func TestVerifySwapRejectsDuplicatesAndSelfTrade(t *testing.T) {
	svc := serviceKit(t)
	ctx := context.Background()
	seedInventory(t, svc, "alice", []string{"a1"})
	seedInventory(t, svc, "bob", []string{"b1"})

	outcome, _ := svc.VerifyAndSwap(ctx, "tx-1", SwapIntent{
		PlayerA: "alice", CardsAOut: []string{"a1", "a1"}, PlayerB: "bob", CardsBOut: []string{"b1"},
	})
	assert.Equal(t, MissingCards, outcome)

	outcome, _ = svc.VerifyAndSwap(ctx, "tx-2", SwapIntent{
		PlayerA: "alice", CardsAOut: []string{"a1"}, PlayerB: "alice", CardsBOut: []string{"a1"},
	})
	assert.Equal(t, MissingCards, outcome)
}

func TestVerifySwapRefusesHeldCard(t *testing.T) {
	svc := serviceKit(t)
	ctx := context.Background()
	seedInventory(t, svc, "alice", []string{"a1"})
	seedInventory(t, svc, "bob", []string{"b1"})
	seedInventory(t, svc, "carol", []string{"c1"})

	outcome, err := svc.VerifyAndSwap(ctx, "tx-1", SwapIntent{
		PlayerA: "alice", CardsAOut: []string{"a1"}, PlayerB: "bob", CardsBOut: []string{"b1"},
	})
	assert.Nil(t, err)
	assert.Equal(t, Prepared, outcome)

	// a1 is held by tx-1, a second trade offering it cannot prepare.
	outcome, err = svc.VerifyAndSwap(ctx, "tx-2", SwapIntent{
		PlayerA: "alice", CardsAOut: []string{"a1"}, PlayerB: "carol", CardsBOut: []string{"c1"},
	})
	assert.Nil(t, err)
	assert.Equal(t, MissingCards, outcome)

	// once tx-1 cancels the hold is gone and the second trade goes through.
	assert.Nil(t, svc.CancelSwap(ctx, "tx-1"))
	outcome, err = svc.VerifyAndSwap(ctx, "tx-2", SwapIntent{
		PlayerA: "alice", CardsAOut: []string{"a1"}, PlayerB: "carol", CardsBOut: []string{"c1"},
	})
	assert.Nil(t, err)
	assert.Equal(t, Prepared, outcome)
	assert.Nil(t, svc.ApplySwap(ctx, "tx-2"))

	invA, _ := svc.Inventory(ctx, "alice")
	invC, _ := svc.Inventory(ctx, "carol")
	assert.ElementsMatch(t, []string{"c1"}, invA)
	assert.ElementsMatch(t, []string{"a1"}, invC)
}

func TestCancelSwap(t *testing.T) {
	svc := serviceKit(t)
	ctx := context.Background()
	seedInventory(t, svc, "alice", []string{"a1"})
	seedInventory(t, svc, "bob", []string{"b1"})

	_, err := svc.VerifyAndSwap(ctx, "tx-t", SwapIntent{
		PlayerA: "alice", CardsAOut: []string{"a1"}, PlayerB: "bob", CardsBOut: []string{"b1"},
	})
	assert.Nil(t, err)
	assert.Nil(t, svc.CancelSwap(ctx, "tx-t"))
	assert.Nil(t, svc.ApplySwap(ctx, "tx-t"))

	invA, _ := svc.Inventory(ctx, "alice")
	assert.ElementsMatch(t, []string{"a1"}, invA)
}

func TestStockConservation(t *testing.T) {
	svc := serviceKit(t)
	ctx := context.Background()

	_, err := svc.ReservePack(ctx, "tx-1", "alice", "starter")
	assert.Nil(t, err)
	_, err = svc.ReservePack(ctx, "tx-2", "bob", "starter")
	assert.Nil(t, err)

	stock, _ := svc.Stock(ctx)
	pending, err := svc.PendingReservations(ctx)
	assert.Nil(t, err)
	assert.Equal(t, configs.InitialPackStock, stock+int64(pending))
}
