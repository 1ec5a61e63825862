package configs

import (
	"fmt"
	"sync/atomic"
	"time"
)

var txnSeq = uint64(0)

// GetTxnID builds a globally unique, time-ordered, sender-qualified
// transaction id. The peer id suffix breaks ties between coordinators that
// draw the same microsecond.
func GetTxnID(peerID string) string {
	seq := atomic.AddUint64(&txnSeq, 1)
	return fmt.Sprintf("%016x-%06d@%s", time.Now().UnixMicro(), seq%1000000, peerID)
}

func Max(x int, y int) int {
	if x > y {
		return x
	}
	return y
}

func Min(x int, y int) int {
	if x < y {
		return x
	}
	return y
}
