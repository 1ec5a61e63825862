package cards

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"jokenpo/configs"
)

func TestOpenIsDeterministic(t *testing.T) {
	a := Open("starter", "tx-1")
	b := Open("starter", "tx-1")
	assert.Equal(t, a, b)
	assert.Equal(t, configs.PackSize, len(a))
}

func TestOpenVariesByTxn(t *testing.T) {
	a := Open("starter", "tx-1")
	b := Open("starter", "tx-2")
	assert.NotEqual(t, IDs(a), IDs(b))
}

func TestOpenVariesByTemplate(t *testing.T) {
	a := Open("starter", "tx-1")
	b := Open("premium", "tx-1")
	assert.NotEqual(t, IDs(a), IDs(b))
}

func TestDrawFieldsAreValid(t *testing.T) {
	for _, c := range Open("starter", "tx-9") {
		assert.Contains(t, []Rank{Rock, Paper, Scissors}, c.Rank)
		assert.Contains(t, []Rarity{Common, Rare, Epic, Legendary}, c.Rarity)
		assert.NotEmpty(t, c.ID)
	}
}
