package peer

import (
	"fmt"
	"sync/atomic"

	"jokenpo/configs"
	"jokenpo/storage"
)

var portAlloc uint32 = 23000

// TestKit boots n in-process peers on loopback addresses over one shared
// in-memory state store, the same topology a region runs in production with
// a replicated store behind it.
func TestKit(n int) ([]*Context, storage.Store) {
	store, err := storage.New("testkit")
	configs.CheckError(err)
	peers := make(map[string]string, n)
	for i := 0; i < n; i++ {
		peers[fmt.Sprintf("p%d", i)] = fmt.Sprintf("127.0.0.1:%d", atomic.AddUint32(&portAlloc, 1))
	}
	stmts := make([]*Context, n)
	for i := 0; i < n; i++ {
		reg, err := configs.NewRegistry(fmt.Sprintf("p%d", i), peers)
		configs.CheckError(err)
		stmts[i] = Start(reg, store)
	}
	return stmts, store
}

// StopKit tears a TestKit cluster down, store included.
func StopKit(stmts []*Context, store storage.Store) {
	for _, stmt := range stmts {
		stmt.Close()
	}
	_ = store.Close()
}
