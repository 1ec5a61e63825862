// Package coordination is the only path to the state store. It packages the
// composite atomic operations the transaction engine needs: stock
// reservation, inventory mutation and transaction-log access, each one a
// bounded CAS loop over watched keys.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	set "github.com/deckarep/golang-set"
	"github.com/goccy/go-json"

	"jokenpo/configs"
	"jokenpo/storage"
)

// Outcome of a prepare-side operation.
type Outcome string

const (
	Reserved     Outcome = "RESERVED"
	OutOfStock   Outcome = "OUT_OF_STOCK"
	Prepared     Outcome = "PREPARED"
	MissingCards Outcome = "MISSING_CARDS"
	Conflict     Outcome = "CONFLICT"
)

var (
	// ErrNoReservation reports a commit-side apply without a matching intent
	// and without an applied marker.
	ErrNoReservation = errors.New("coordination: no reservation or applied marker for transaction")
	// ErrProtocolViolation reports an attempt to move a transaction record
	// backwards or to flip a decided record to the opposite decision. The CAS
	// guard keeps the stored state intact.
	ErrProtocolViolation = errors.New("coordination: illegal transaction status transition")
)

// Reservation binds one pack from the global stock to a transaction id
// between PREPARE and the terminal decision.
type Reservation struct {
	PlayerID       string `json:"player_id"`
	PackTemplateID string `json:"pack_template_id"`
}

// SwapIntent is the durable marker a TRADE_CARDS prepare leaves behind; it
// records the full swap so ApplySwap needs no other input.
type SwapIntent struct {
	PlayerA   string   `json:"player_a"`
	CardsAOut []string `json:"cards_a_out"`
	PlayerB   string   `json:"player_b"`
	CardsBOut []string `json:"cards_b_out"`
}

// Service wraps the state store with the typed primitives of the game core.
type Service struct {
	store storage.Store
}

func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

func (c *Service) Store() storage.Store {
	return c.store
}

// Bootstrap seeds the global pack stock once. Re-running against an already
// seeded store is a no-op.
func (c *Service) Bootstrap(ctx context.Context) error {
	for attempt := 0; attempt < configs.MaxCASRetry; attempt++ {
		snap, err := c.store.Watch(ctx, configs.KeyPackStock)
		if err != nil {
			return err
		}
		if snap[configs.KeyPackStock].Version != 0 {
			return nil
		}
		err = c.store.Commit(ctx, snap, []storage.Mutation{
			{Key: configs.KeyPackStock, Value: []byte(strconv.FormatInt(configs.InitialPackStock, 10))},
		})
		if err == storage.ErrCASConflict {
			continue
		}
		return err
	}
	return nil
}

func reservationKey(txID string) string { return fmt.Sprintf(configs.KeyReservationFmt, txID) }
func appliedKey(txID string) string     { return fmt.Sprintf(configs.KeyAppliedFmt, txID) }
func inventoryKey(player string) string { return fmt.Sprintf(configs.KeyInventoryFmt, player) }
func swapIntentKey(txID string) string  { return fmt.Sprintf(configs.KeySwapIntentFmt, txID) }
func cardHoldKey(cardID string) string  { return fmt.Sprintf(configs.KeyCardHoldFmt, cardID) }
func txnKey(txID string) string         { return fmt.Sprintf(configs.KeyTxnFmt, txID) }

func decodeStock(e storage.Entry) int64 {
	if e.Version == 0 {
		return 0
	}
	v, err := strconv.ParseInt(string(e.Value), 10, 64)
	configs.CheckError(err)
	return v
}

func decodeInventory(e storage.Entry) []string {
	if e.Version == 0 {
		// inventories are created lazily on first reference.
		return []string{}
	}
	var inv []string
	configs.CheckError(json.Unmarshal(e.Value, &inv))
	return inv
}

// ReservePack atomically decrements the global stock and records a
// reservation owned by txID. The CAS on the stock key is the arbiter between
// contending coordinators.
func (c *Service) ReservePack(ctx context.Context, txID string, playerID string, template string) (Outcome, error) {
	for attempt := 0; attempt < configs.MaxCASRetry; attempt++ {
		snap, err := c.store.Watch(ctx, configs.KeyPackStock, reservationKey(txID))
		if err != nil {
			return Conflict, err
		}
		if snap[reservationKey(txID)].Version != 0 {
			// duplicate PREPARE, the reservation is already ours.
			return Reserved, nil
		}
		remaining := decodeStock(snap[configs.KeyPackStock])
		if remaining <= 0 {
			return OutOfStock, nil
		}
		rsv, err := json.Marshal(Reservation{PlayerID: playerID, PackTemplateID: template})
		configs.CheckError(err)
		err = c.store.Commit(ctx, snap, []storage.Mutation{
			{Key: configs.KeyPackStock, Value: []byte(strconv.FormatInt(remaining-1, 10))},
			{Key: reservationKey(txID), Value: rsv},
		})
		if err == storage.ErrCASConflict {
			continue
		}
		if err != nil {
			return Conflict, err
		}
		return Reserved, nil
	}
	return Conflict, nil
}

// ReleasePack undoes a reservation. A transaction that never managed to
// reserve releases nothing, which keeps the operation idempotent.
func (c *Service) ReleasePack(ctx context.Context, txID string) error {
	for {
		snap, err := c.store.Watch(ctx, configs.KeyPackStock, reservationKey(txID))
		if err != nil {
			return err
		}
		if snap[reservationKey(txID)].Version == 0 {
			return nil
		}
		remaining := decodeStock(snap[configs.KeyPackStock])
		err = c.store.Commit(ctx, snap, []storage.Mutation{
			{Key: configs.KeyPackStock, Value: []byte(strconv.FormatInt(remaining+1, 10))},
			{Key: reservationKey(txID), Delete: true},
		})
		if err == storage.ErrCASConflict {
			continue
		}
		return err
	}
}

// MaterializePack consumes the reservation and appends the opened cards to
// the player inventory. The applied marker absorbs duplicate DECIDE
// deliveries after the reservation is gone.
func (c *Service) MaterializePack(ctx context.Context, txID string, playerID string, cardIDs []string) error {
	for {
		snap, err := c.store.Watch(ctx, reservationKey(txID), appliedKey(txID), inventoryKey(playerID))
		if err != nil {
			return err
		}
		if snap[appliedKey(txID)].Version != 0 {
			return nil
		}
		if snap[reservationKey(txID)].Version == 0 {
			return ErrNoReservation
		}
		inv := append(decodeInventory(snap[inventoryKey(playerID)]), cardIDs...)
		raw, err := json.Marshal(inv)
		configs.CheckError(err)
		err = c.store.Commit(ctx, snap, []storage.Mutation{
			{Key: inventoryKey(playerID), Value: raw},
			{Key: reservationKey(txID), Delete: true},
			{Key: appliedKey(txID), Value: []byte("1")},
		})
		if err == storage.ErrCASConflict {
			continue
		}
		return err
	}
}

// VerifyAndSwap confirms ownership of every outgoing card and places the
// swap-intent marker plus one hold marker per outgoing card, all in one CAS
// commit. Inventories are not mutated before the decision; the hold markers
// are what makes two trades offering the same card mutually exclusive.
func (c *Service) VerifyAndSwap(ctx context.Context, txID string, intent SwapIntent) (Outcome, error) {
	outA := set.NewSet()
	for _, id := range intent.CardsAOut {
		outA.Add(id)
	}
	outB := set.NewSet()
	for _, id := range intent.CardsBOut {
		outB.Add(id)
	}
	if outA.Cardinality() != len(intent.CardsAOut) || outB.Cardinality() != len(intent.CardsBOut) {
		return MissingCards, nil
	}
	if intent.PlayerA == intent.PlayerB {
		return MissingCards, nil
	}
	allOut := append(append([]string{}, intent.CardsAOut...), intent.CardsBOut...)
	for attempt := 0; attempt < configs.MaxCASRetry; attempt++ {
		keys := []string{swapIntentKey(txID),
			inventoryKey(intent.PlayerA), inventoryKey(intent.PlayerB)}
		for _, id := range allOut {
			keys = append(keys, cardHoldKey(id))
		}
		snap, err := c.store.Watch(ctx, keys...)
		if err != nil {
			return Conflict, err
		}
		if snap[swapIntentKey(txID)].Version != 0 {
			return Prepared, nil
		}
		held := false
		for _, id := range allOut {
			e := snap[cardHoldKey(id)]
			if e.Version != 0 && string(e.Value) != txID {
				held = true
				break
			}
		}
		if held {
			// another in-flight trade already holds one of the cards.
			return MissingCards, nil
		}
		if !holdsAll(decodeInventory(snap[inventoryKey(intent.PlayerA)]), outA) ||
			!holdsAll(decodeInventory(snap[inventoryKey(intent.PlayerB)]), outB) {
			return MissingCards, nil
		}
		raw, err := json.Marshal(intent)
		configs.CheckError(err)
		muts := []storage.Mutation{{Key: swapIntentKey(txID), Value: raw}}
		for _, id := range allOut {
			muts = append(muts, storage.Mutation{Key: cardHoldKey(id), Value: []byte(txID)})
		}
		err = c.store.Commit(ctx, snap, muts)
		if err == storage.ErrCASConflict {
			continue
		}
		if err != nil {
			return Conflict, err
		}
		return Prepared, nil
	}
	return Conflict, nil
}

func holdsAll(inv []string, wanted set.Set) bool {
	held := set.NewSet()
	for _, id := range inv {
		held.Add(id)
	}
	return wanted.IsSubset(held)
}

// ApplySwap moves the cards recorded in the swap intent between the two
// inventories and removes the intent and its card holds.
func (c *Service) ApplySwap(ctx context.Context, txID string) error {
	for {
		snap, err := c.store.Watch(ctx, swapIntentKey(txID))
		if err != nil {
			return err
		}
		if snap[swapIntentKey(txID)].Version == 0 {
			return nil
		}
		var intent SwapIntent
		configs.CheckError(json.Unmarshal(snap[swapIntentKey(txID)].Value, &intent))

		full, err := c.store.Watch(ctx, swapIntentKey(txID),
			inventoryKey(intent.PlayerA), inventoryKey(intent.PlayerB))
		if err != nil {
			return err
		}
		if full[swapIntentKey(txID)].Version == 0 {
			return nil
		}
		invA := decodeInventory(full[inventoryKey(intent.PlayerA)])
		invB := decodeInventory(full[inventoryKey(intent.PlayerB)])
		invA = remove(invA, intent.CardsAOut)
		invB = remove(invB, intent.CardsBOut)
		invA = append(invA, intent.CardsBOut...)
		invB = append(invB, intent.CardsAOut...)
		rawA, err := json.Marshal(invA)
		configs.CheckError(err)
		rawB, err := json.Marshal(invB)
		configs.CheckError(err)
		muts := []storage.Mutation{
			{Key: inventoryKey(intent.PlayerA), Value: rawA},
			{Key: inventoryKey(intent.PlayerB), Value: rawB},
			{Key: swapIntentKey(txID), Delete: true},
		}
		for _, id := range append(append([]string{}, intent.CardsAOut...), intent.CardsBOut...) {
			muts = append(muts, storage.Mutation{Key: cardHoldKey(id), Delete: true})
		}
		err = c.store.Commit(ctx, full, muts)
		if err == storage.ErrCASConflict {
			continue
		}
		return err
	}
}

// CancelSwap drops the swap intent and its card holds without touching
// inventories.
func (c *Service) CancelSwap(ctx context.Context, txID string) error {
	for {
		snap, err := c.store.Watch(ctx, swapIntentKey(txID))
		if err != nil {
			return err
		}
		if snap[swapIntentKey(txID)].Version == 0 {
			return nil
		}
		var intent SwapIntent
		configs.CheckError(json.Unmarshal(snap[swapIntentKey(txID)].Value, &intent))
		muts := []storage.Mutation{{Key: swapIntentKey(txID), Delete: true}}
		for _, id := range append(append([]string{}, intent.CardsAOut...), intent.CardsBOut...) {
			muts = append(muts, storage.Mutation{Key: cardHoldKey(id), Delete: true})
		}
		err = c.store.Commit(ctx, snap, muts)
		if err == storage.ErrCASConflict {
			continue
		}
		return err
	}
}

func remove(inv []string, gone []string) []string {
	// inventories are multisets, remove one occurrence per outgoing card.
	res := make([]string, 0, len(inv))
	pending := make(map[string]int)
	for _, id := range gone {
		pending[id]++
	}
	for _, id := range inv {
		if pending[id] > 0 {
			pending[id]--
			continue
		}
		res = append(res, id)
	}
	return res
}

// Inventory reads the card ids a player currently holds.
func (c *Service) Inventory(ctx context.Context, playerID string) ([]string, error) {
	raw, version, err := c.store.Get(ctx, inventoryKey(playerID))
	if err != nil {
		return nil, err
	}
	return decodeInventory(storage.Entry{Value: raw, Version: version}), nil
}

// Stock reads the remaining global pack count.
func (c *Service) Stock(ctx context.Context) (int64, error) {
	raw, version, err := c.store.Get(ctx, configs.KeyPackStock)
	if err != nil {
		return 0, err
	}
	return decodeStock(storage.Entry{Value: raw, Version: version}), nil
}

// PendingReservations counts live reservations, used by conservation checks.
func (c *Service) PendingReservations(ctx context.Context) (int, error) {
	res, err := c.store.Scan(ctx, fmt.Sprintf(configs.KeyReservationFmt, ""))
	if err != nil {
		return 0, err
	}
	return len(res), nil
}
