package core

import "github.com/median-dxz/med-accord-server/internal/protocol"

// SearchHistory finds the rightmost message with Timestamp <= ts and returns
// a copy of the window of at most limit messages ending there, in log order.
// log must be sorted by timestamp.
func SearchHistory(log []protocol.Message, ts int64, limit int) []protocol.Message {
	if limit <= 0 {
		return []protocol.Message{}
	}
	low, high, result := 0, len(log)-1, -1
	for low <= high {
		mid := (low + high) / 2
		if log[mid].Timestamp <= ts {
			result = mid
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	if result == -1 {
		return []protocol.Message{}
	}
	start := max(0, result-limit+1)
	out := make([]protocol.Message, result-start+1)
	copy(out, log[start:result+1])
	return out
}
