// Package benchmark drives a synthetic card-game workload against an
// in-process peer cluster: pack openings mixed with trades, player choice
// skewed so hot players contend on their inventories.
package benchmark

import (
	"context"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/pingcap/go-ycsb/pkg/generator"

	"jokenpo/configs"
	"jokenpo/network"
	"jokenpo/network/peer"
	"jokenpo/storage"
)

type WorkloadStmt struct {
	peers []*peer.Context
	store storage.Store
	stop  int32
}

type workloadClient struct {
	md   int
	from *WorkloadStmt
	r    *rand.Rand
	zip  *generator.Zipfian
}

func (c *workloadClient) player() string {
	return "player-" + strconv.FormatInt(c.zip.Next(c.r), 10)
}

// perform submits one transaction through the client's home peer. A trade
// needs both players to own cards already; until they do, the client opens
// packs to seed the inventories.
func (c *workloadClient) perform() {
	node := c.from.peers[c.md%len(c.from.peers)]
	ctx := context.Background()
	if c.r.Float64() < configs.TradePercentage {
		a, b := c.player(), c.player()
		if a != b {
			invA, errA := node.Service().Inventory(ctx, a)
			invB, errB := node.Service().Inventory(ctx, b)
			if errA == nil && errB == nil && len(invA) > 0 && len(invB) > 0 {
				res, err := node.Engine.TradeCards(ctx, network.TradePayload{
					PlayerA:   a,
					CardsAOut: []string{invA[c.r.Intn(len(invA))]},
					PlayerB:   b,
					CardsBOut: []string{invB[c.r.Intn(len(invB))]},
				})
				if err == nil {
					configs.TxnPrint(res.TxnID, "trade %s <-> %s committed=%v", a, b, res.Committed)
				}
				return
			}
		}
	}
	res, err := node.Engine.OpenPack(ctx, c.player(), "starter")
	if err == nil {
		configs.TxnPrint(res.TxnID, "open pack committed=%v reason=%s", res.Committed, res.Reason)
	}
}

func (stmt *WorkloadStmt) Stopped() bool {
	return atomic.LoadInt32(&stmt.stop) != 0
}

func (stmt *WorkloadStmt) startClient(seed int, md int) {
	client := workloadClient{md: md, from: stmt}
	client.r = rand.New(rand.NewSource(int64(seed)*11 + 31))
	client.zip = generator.NewZipfianWithRange(0, configs.PlayerPopulation-1, configs.PlayerSkewness)
	for !stmt.Stopped() {
		client.perform()
	}
}

func (stmt *WorkloadStmt) Stop() {
	atomic.StoreInt32(&stmt.stop, 1)
	peer.StopKit(stmt.peers, stmt.store)
}

// WorkloadTest boots a three-peer cluster and runs the mixed workload for
// the configured duration, printing one stat line per peer at the end.
func (stmt *WorkloadStmt) WorkloadTest() {
	stmt.peers, stmt.store = peer.TestKit(3)
	rand.Seed(1234)
	for i := 0; i < configs.ClientRoutineNumber; i++ {
		go stmt.startClient(i*11+13, i)
	}
	configs.TPrintf("all workload clients started")
	time.Sleep(configs.BenchmarkDuration)
	for _, p := range stmt.peers {
		p.Stats().Log()
	}
}
