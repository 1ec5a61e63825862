// Package cards holds the immutable card reference data and the
// deterministic pack materialization. A pack template plus a transaction id
// always yields the same cards, so replaying a commit cannot mint extras.
package cards

import (
	"fmt"
	"hash/fnv"

	"jokenpo/configs"
)

type Rank string

const (
	Rock     Rank = "rock"
	Paper    Rank = "paper"
	Scissors Rank = "scissors"
)

type Rarity string

const (
	Common    Rarity = "common"
	Rare      Rarity = "rare"
	Epic      Rarity = "epic"
	Legendary Rarity = "legendary"
)

var ranks = []Rank{Rock, Paper, Scissors}

// rarityTable is skewed the same way the original drop table was: commons
// dominate, one legendary slot.
var rarityTable = []Rarity{Common, Common, Common, Rare, Rare, Epic, Legendary}

// Card is immutable reference data; the core stores only card ids.
type Card struct {
	ID     string `json:"id"`
	Rank   Rank   `json:"rank"`
	Rarity Rarity `json:"rarity"`
}

func draw(templateID string, txID string, slot int) Card {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", templateID, txID, slot)
	seed := h.Sum64()
	rank := ranks[seed%uint64(len(ranks))]
	rarity := rarityTable[(seed/7)%uint64(len(rarityTable))]
	return Card{
		ID:     fmt.Sprintf("%s-%s-%s-%08x", templateID, rank, rarity, uint32(seed)),
		Rank:   rank,
		Rarity: rarity,
	}
}

// Open materializes the pack for a committed transaction. The result is a
// pure function of (templateID, txID).
func Open(templateID string, txID string) []Card {
	res := make([]Card, 0, configs.PackSize)
	for i := 0; i < configs.PackSize; i++ {
		res = append(res, draw(templateID, txID, i))
	}
	return res
}

// IDs projects a drawn pack onto the card ids stored in inventories.
func IDs(pack []Card) []string {
	res := make([]string, 0, len(pack))
	for _, c := range pack {
		res = append(res, c.ID)
	}
	return res
}
