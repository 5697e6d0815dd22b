package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/codeframe-dev/codeframe/internal/models"
	"github.com/codeframe-dev/codeframe/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// wsFrame is a client control message: replace the project filter or request
// a resync snapshot for one project.
type wsFrame struct {
	Action     string   `json:"action"` // "set_filter" | "resync"
	ProjectIDs []string `json:"project_ids,omitempty"`
	ProjectID  string   `json:"project_id,omitempty"`
}

// handleWS streams events to one subscriber. Query params:
// project_ids (comma-separated filter) and since_seq (replay start).
// A subscriber disconnected for overflow must reconnect and resync.
//
// gorilla/websocket permits at most one concurrent writer per connection,
// so the select below is the only writer: the reader goroutine hands
// resync replies over the outbound channel instead of writing itself.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	if ids := c.Query("project_ids"); ids != "" {
		sub.SetProjectFilter(strings.Split(ids, ","))
	}

	// Replay persisted events missed since the client's last seen seq,
	// before any live delivery. The subscription predates the replay, so
	// events published during it are buffered live too; lastSeq marks the
	// replay's end and the live loop drops everything at or below it.
	var lastSeq int64
	if sinceStr := c.Query("since_seq"); sinceStr != "" {
		sinceSeq, err := strconv.ParseInt(sinceStr, 10, 64)
		if err == nil {
			lastSeq, err = s.replay(conn, c.Query("project_ids"), sinceSeq)
			if err != nil {
				return
			}
		}
	}

	outbound := make(chan any, 4)
	done := make(chan struct{})
	defer close(done)

	// Reader: client control frames.
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				_ = conn.Close()
				return
			}
			var frame wsFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			switch frame.Action {
			case "set_filter":
				sub.SetProjectFilter(frame.ProjectIDs)
			case "resync":
				snapshot, err := s.sched.Snapshot(frame.ProjectID)
				if err != nil {
					slog.Warn("resync snapshot failed", "project_id", frame.ProjectID, "error", err)
					continue
				}
				select {
				case outbound <- map[string]any{"type": "resync", "snapshot": snapshot}:
				case <-done:
					return
				}
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case msg := <-outbound:
			if err := s.writeJSON(conn, msg); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				// Overflow disconnect: tell the client to resync.
				_ = s.writeJSON(conn, map[string]any{"type": "overflow"})
				return
			}
			if event.Seq <= lastSeq {
				// Replay already delivered it.
				continue
			}
			if err := s.writeJSON(conn, event); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// replay sends persisted events after sinceSeq and returns the highest seq
// it wrote, so the caller can suppress live duplicates.
func (s *Server) replay(conn *websocket.Conn, projectIDs string, sinceSeq int64) (int64, error) {
	var filter []string
	if projectIDs != "" {
		filter = strings.Split(projectIDs, ",")
	}
	// One query per filtered project keeps the store interface simple; the
	// filter set is small in practice.
	params := []store.ListEventsParams{}
	if len(filter) == 0 {
		params = append(params, store.ListEventsParams{SinceSeq: sinceSeq})
	} else {
		for _, id := range filter {
			params = append(params, store.ListEventsParams{ProjectID: id, SinceSeq: sinceSeq})
		}
	}

	var events []*models.Event
	for _, p := range params {
		batch, err := store.ListEvents(s.db, p)
		if err != nil {
			return 0, err
		}
		events = append(events, batch...)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })

	last := sinceSeq
	for _, e := range events {
		if err := s.writeJSON(conn, e); err != nil {
			return 0, err
		}
		if e.Seq > last {
			last = e.Seq
		}
	}
	return last, nil
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}
