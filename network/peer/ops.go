package peer

import (
	"context"

	"github.com/goccy/go-json"

	"jokenpo/cards"
	"jokenpo/configs"
	"jokenpo/coordination"
	"jokenpo/network"
)

// kindOps binds one transaction kind to its prepare, commit and abort effects
// on the state store. Every method is idempotent under redelivery.
type kindOps interface {
	Prepare(ctx context.Context, txID string, payload json.RawMessage) (coordination.Outcome, error)
	Commit(ctx context.Context, txID string, payload json.RawMessage) error
	Abort(ctx context.Context, txID string) error
}

type openPackOps struct {
	svc *coordination.Service
}

func (c *openPackOps) Prepare(ctx context.Context, txID string, payload json.RawMessage) (coordination.Outcome, error) {
	var p network.OpenPackPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return coordination.Conflict, err
	}
	return c.svc.ReservePack(ctx, txID, p.PlayerID, p.PackTemplateID)
}

func (c *openPackOps) Commit(ctx context.Context, txID string, payload json.RawMessage) error {
	var p network.OpenPackPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	// the draw is a pure function of (template, txID), so every replica
	// materializes the same cards without further coordination.
	pack := cards.Open(p.PackTemplateID, txID)
	return c.svc.MaterializePack(ctx, txID, p.PlayerID, cards.IDs(pack))
}

func (c *openPackOps) Abort(ctx context.Context, txID string) error {
	return c.svc.ReleasePack(ctx, txID)
}

type tradeOps struct {
	svc *coordination.Service
}

func (c *tradeOps) Prepare(ctx context.Context, txID string, payload json.RawMessage) (coordination.Outcome, error) {
	var p network.TradePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return coordination.Conflict, err
	}
	return c.svc.VerifyAndSwap(ctx, txID, coordination.SwapIntent{
		PlayerA:   p.PlayerA,
		CardsAOut: p.CardsAOut,
		PlayerB:   p.PlayerB,
		CardsBOut: p.CardsBOut,
	})
}

func (c *tradeOps) Commit(ctx context.Context, txID string, payload json.RawMessage) error {
	return c.svc.ApplySwap(ctx, txID)
}

func (c *tradeOps) Abort(ctx context.Context, txID string) error {
	return c.svc.CancelSwap(ctx, txID)
}

func buildKindOps(svc *coordination.Service) map[string]kindOps {
	return map[string]kindOps{
		configs.OpenPack:   &openPackOps{svc: svc},
		configs.TradeCards: &tradeOps{svc: svc},
	}
}
