// Package network holds the wire messages exchanged between peers.
package network

import (
	"github.com/goccy/go-json"

	"jokenpo/configs"
)

// OpenPackPayload is carried by OPEN_PACK transactions.
type OpenPackPayload struct {
	PlayerID       string `json:"player_id"`
	PackTemplateID string `json:"pack_template_id"`
}

// TradePayload is carried by TRADE_CARDS transactions.
type TradePayload struct {
	PlayerA   string   `json:"player_a"`
	CardsAOut []string `json:"cards_a_out"`
	PlayerB   string   `json:"player_b"`
	CardsBOut []string `json:"cards_b_out"`
}

// PeerRequest is one synchronous call between peers. Seq is assigned
// monotonically by the sender and echoed in the response; From names the
// sender so the response can be routed back to its listener.
type PeerRequest struct {
	Mark     string          `json:"mark"`
	Seq      uint64          `json:"seq"`
	From     string          `json:"from"`
	TxnID    string          `json:"txn_id"`
	Kind     string          `json:"kind,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Decision string          `json:"decision,omitempty"`
}

// PeerResponse answers one PeerRequest. Exactly the fields for the answered
// phase are set: Vote/Reason for PREPARE, Ack for DECIDE, Status/Decision
// for STATUS.
type PeerResponse struct {
	Mark     string `json:"mark"`
	Seq      uint64 `json:"seq"`
	From     string `json:"from"`
	TxnID    string `json:"txn_id"`
	Vote     string `json:"vote,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Ack      bool   `json:"ack,omitempty"`
	Status   string `json:"status,omitempty"`
	Decision string `json:"decision,omitempty"`
}

// Envelope frames either a request or a response on the newline-delimited
// JSON stream between two peers.
type Envelope struct {
	Req *PeerRequest  `json:"req,omitempty"`
	Rsp *PeerResponse `json:"rsp,omitempty"`
}

func NewPrepare(seq uint64, from string, txID string, kind string, payload interface{}) *PeerRequest {
	raw, _ := json.Marshal(payload)
	return &PeerRequest{Mark: configs.PrepareMsg, Seq: seq, From: from, TxnID: txID, Kind: kind, Payload: raw}
}

func NewDecide(seq uint64, from string, txID string, decision string) *PeerRequest {
	return &PeerRequest{Mark: configs.DecideMsg, Seq: seq, From: from, TxnID: txID, Decision: decision}
}

func NewStatus(seq uint64, from string, txID string) *PeerRequest {
	return &PeerRequest{Mark: configs.StatusMsg, Seq: seq, From: from, TxnID: txID}
}
