package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/fieldledger/fieldsync/internal/netmon"
	"github.com/fieldledger/fieldsync/internal/status"
)

// WSEvent is one frame on the status feed.
type WSEvent struct {
	Type    string             `json:"type"` // "sync" or "network"
	Sync    *status.SyncStatus `json:"sync,omitempty"`
	Network *netmon.Status     `json:"network,omitempty"`
}

const feedBuffer = 16

// offerEvent enqueues a frame without ever blocking the publisher. It
// reports whether the frame was accepted.
func offerEvent(ch chan WSEvent, ev WSEvent) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// handleStatusWS upgrades to a WebSocket and streams sync progress and
// connectivity transitions until the client disconnects. The first two
// frames are the current snapshots so a late subscriber starts correct.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local daemon, any origin
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "feed closed")

	s.logger.Info("status feed connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Hub and monitor callbacks run on their publishers' goroutines;
	// funnel frames through a channel so writes stay single-threaded.
	// A full buffer drops the frame rather than stalling the publisher:
	// a slow client resyncs from later frames.
	events := make(chan WSEvent, feedBuffer)
	push := func(ev WSEvent) {
		offerEvent(events, ev)
	}

	unsubSync := s.hub.Subscribe(func(st status.SyncStatus) {
		push(WSEvent{Type: "sync", Sync: &st})
	})
	defer unsubSync()

	unsubNet := s.monitor.OnChange(func(st netmon.Status) {
		push(WSEvent{Type: "network", Network: &st})
	})
	defer unsubNet()

	net := s.monitor.Status()
	if err := wsjson.Write(ctx, conn, WSEvent{Type: "network", Network: &net}); err != nil {
		return
	}
	cur := status.SyncStatus{Syncing: s.engine.Syncing()}
	if err := wsjson.Write(ctx, conn, WSEvent{Type: "sync", Sync: &cur}); err != nil {
		return
	}

	// Drain reads so pings and close frames are processed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("status feed closed", "remote", r.RemoteAddr)
			return
		case ev := <-events:
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				s.logger.Debug("status feed write failed", "error", err)
				return
			}
		}
	}
}
