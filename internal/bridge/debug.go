package bridge

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/aegis-sign/signbridge/internal/protocol"
)

// DebugHandler 返回 /debug/bridge 所需的 handler。
func (b *Bridge) DebugHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(b.snapshot())
	})
}

type debugCall struct {
	CorrelationID string             `json:"correlationId"`
	Operation     protocol.Operation `json:"op"`
	Age           string             `json:"age"`
}

type debugSnapshot struct {
	Ready     bool                 `json:"ready"`
	Closed    bool                 `json:"closed"`
	Supported []protocol.Operation `json:"supported"`
	InFlight  []debugCall          `json:"inFlight"`
	Timestamp time.Time            `json:"timestamp"`
}

func (b *Bridge) snapshot() debugSnapshot {
	now := b.now()
	snap := debugSnapshot{Supported: b.Supported(), Timestamp: now, InFlight: []debugCall{}}
	select {
	case <-b.ready:
		snap.Ready = true
	default:
	}
	b.mu.Lock()
	snap.Closed = b.closeErr != nil
	for id, pc := range b.pending {
		snap.InFlight = append(snap.InFlight, debugCall{
			CorrelationID: id,
			Operation:     pc.op,
			Age:           now.Sub(pc.started).Round(time.Millisecond).String(),
		})
	}
	b.mu.Unlock()
	sort.Slice(snap.InFlight, func(i, j int) bool {
		return snap.InFlight[i].CorrelationID < snap.InFlight[j].CorrelationID
	})
	return snap
}
