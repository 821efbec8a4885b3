package app

import (
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"gridbook/api/internal/gate"
	"gridbook/api/internal/realtime"
	"gridbook/api/internal/util"
)

// handleEventStream serves the server-sent-events feed. Every connected
// client sees every broadcast; the stream carries change notifications,
// not data, so clients refetch what they care about.
func (s *HTTPServer) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Streaming unsupported", nil)
		return
	}

	id, events, err := s.service.Hub().Subscribe()
	if errors.Is(err, realtime.ErrHubFull) {
		writeError(w, http.StatusServiceUnavailable, "STREAM_FULL", "Too many connected clients", nil)
		return
	}
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	defer s.service.Hub().Unsubscribe(id)

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	connected, _ := realtime.Event{Name: "connected", Data: map[string]any{"clientId": id}}.Encode()
	_, _ = w.Write(connected)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			ping, _ := realtime.Event{Name: "ping", Data: map[string]any{}}.Encode()
			if _, err := w.Write(ping); err != nil {
				return
			}
			flusher.Flush()
		case event, open := <-events:
			if !open {
				return
			}
			encoded, err := event.Encode()
			if err != nil {
				continue
			}
			if _, err := w.Write(encoded); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// socketPeer wraps a websocket connection as a room participant. Writes
// are serialized; the relay goroutine and the server's own messages
// share the connection.
type socketPeer struct {
	id   string
	name string
	mu   sync.Mutex
	conn net.Conn
}

func (p *socketPeer) ID() string   { return p.id }
func (p *socketPeer) Name() string { return p.name }

func (p *socketPeer) Send(message []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return wsutil.WriteServerMessage(p.conn, ws.OpText, message)
}

// handleSheetSocket upgrades to a websocket and joins the peer to the
// room for one sheet. Messages relay verbatim to the other peers in the
// same room; join and leave notices are generated server side.
func (s *HTTPServer) handleSheetSocket(w http.ResponseWriter, r *http.Request, id gate.Identity) {
	sheet := r.URL.Query().Get("sheet")
	if sheet == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Missing sheet parameter", nil)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = id.Email
	}
	if name == "" {
		name = "guest"
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}

	peer := &socketPeer{id: util.NewID("ws"), name: name, conn: conn}
	rooms := s.service.Rooms()

	present := rooms.Join(sheet, peer)
	welcome, _ := json.Marshal(map[string]any{"type": "joined", "sheet": sheet, "present": present})
	if err := peer.Send(welcome); err != nil {
		rooms.Leave(sheet, peer.id)
		_ = conn.Close()
		return
	}
	notice, _ := json.Marshal(map[string]any{"type": "peer-joined", "name": name})
	rooms.Relay(sheet, peer.id, notice)

	go func() {
		defer func() {
			rooms.Leave(sheet, peer.id)
			left, _ := json.Marshal(map[string]any{"type": "peer-left", "name": name})
			rooms.Relay(sheet, peer.id, left)
			_ = conn.Close()
		}()
		for {
			message, op, err := wsutil.ReadClientData(conn)
			if err != nil {
				return
			}
			if op == ws.OpClose {
				return
			}
			if op != ws.OpText {
				continue
			}
			rooms.Relay(sheet, peer.id, message)
		}
	}()

	log.Printf(`{"msg":"websocket joined","sheet":"%s","peer":"%s"}`, sheet, peer.id)
}
