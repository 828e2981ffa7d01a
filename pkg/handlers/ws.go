package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/auth"
	"github.com/ekaya-inc/casegrid/pkg/broadcast"
	"github.com/ekaya-inc/casegrid/pkg/config"
	"github.com/ekaya-inc/casegrid/pkg/logging"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/query"
	"github.com/ekaya-inc/casegrid/pkg/services"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 64 << 10
)

// Stream message types.
const (
	MsgConnectionEstablished = "connection_established"
	MsgDataChunk             = "data_chunk"
	MsgCacheCleared          = "cache_cleared"
	MsgPong                  = "pong"
	MsgError                 = "error"

	CmdFetchData  = "fetch_data"
	CmdClearCache = "clear_cache"
	CmdPing       = "ping"
)

// wsCommand is any client command. Fields beyond Type apply to fetch_data.
type wsCommand struct {
	Type           string          `json:"type"`
	Start          int             `json:"start"`
	ChunkSize      int             `json:"chunk_size"`
	Search         string          `json:"search"`
	SortBy         string          `json:"sort_by"`
	SortDesc       bool            `json:"sort_desc"`
	Filters        json.RawMessage `json:"filters,omitempty"`
	VisibleColumns []string        `json:"visible_columns,omitempty"`
}

type wsConnected struct {
	Type  string `json:"type"`
	Table string `json:"table"`
}

type wsDataChunk struct {
	Type  string       `json:"type"`
	Start int          `json:"start"`
	Total int64        `json:"total"`
	Rows  []models.Row `json:"rows"`
}

type wsCacheCleared struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
}

type wsPong struct {
	Type string `json:"type"`
}

type wsError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WSHandler streams table chunks and change notifications over WebSocket.
type WSHandler struct {
	tables      services.TableService
	broadcaster *broadcast.Broadcaster
	chunkSize   int
	sendQueue   int
	logger      *zap.Logger
}

// NewWSHandler creates a new stream handler.
func NewWSHandler(tables services.TableService, broadcaster *broadcast.Broadcaster, cfg config.StreamConfig, logger *zap.Logger) *WSHandler {
	if cfg.SendQueue < 1 {
		cfg.SendQueue = 1
	}
	return &WSHandler{
		tables:      tables,
		broadcaster: broadcaster,
		chunkSize:   cfg.ChunkSize,
		sendQueue:   cfg.SendQueue,
		logger:      logger.Named("ws-handler"),
	}
}

// RegisterRoutes registers the stream endpoint on the given mux.
func (h *WSHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /ws/table/{table}", authMiddleware.RequireAuth(h.Stream))
}

// Stream handles GET /ws/table/{table}
func (h *WSHandler) Stream(w http.ResponseWriter, r *http.Request) {
	actor, _ := models.ActorFromContext(r.Context())

	table, err := h.tables.ResolveTable(r.PathValue("table"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	sub, release, err := h.broadcaster.Subscribe(table)
	if err != nil {
		if errors.Is(err, broadcast.ErrClosed) {
			_ = ErrorResponse(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
			return
		}
		WriteError(w, err, h.logger)
		return
	}
	defer release()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	s := &wsSession{
		h:       h,
		conn:    conn,
		table:   table,
		actor:   actor,
		sub:     sub,
		replies: make(chan any, h.sendQueue),
		logger:  h.logger.With(zap.String("table", table), zap.String("actor", actor.DisplayName())),
	}
	s.logger.Debug("Stream opened")
	s.run(r.Context())
	s.logger.Debug("Stream closed")
}

// wsSession is one connection. A reader goroutine feeds a sequential command
// processor; the caller's goroutine is the only writer.
type wsSession struct {
	h       *WSHandler
	conn    *websocket.Conn
	table   string
	actor   *models.Actor
	sub     *broadcast.Subscriber
	replies chan any
	logger  *zap.Logger
}

func (s *wsSession) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s.replies <- wsConnected{Type: MsgConnectionEstablished, Table: s.table}

	commands := make(chan []byte)
	go s.readLoop(ctx, cancel, commands)
	go s.processLoop(ctx, commands)
	s.writeLoop(ctx)
}

func (s *wsSession) readLoop(ctx context.Context, cancel context.CancelFunc, commands chan<- []byte) {
	defer cancel()
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			data = nil
		}
		select {
		case commands <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (s *wsSession) processLoop(ctx context.Context, commands <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-commands:
			reply := s.handle(ctx, data)
			// The connection is gone; a late chunk is discarded.
			if ctx.Err() != nil {
				return
			}
			select {
			case s.replies <- reply:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *wsSession) writeLoop(ctx context.Context) {
	events := s.sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.replies:
			if err := s.write(ctx, msg); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				if s.sub.Dropped() {
					s.logger.Warn("Subscriber dropped for falling behind")
					_ = s.conn.Close(websocket.StatusTryAgainLater, "subscriber fell behind")
				} else {
					_ = s.conn.Close(websocket.StatusGoingAway, "server shutting down")
				}
				return
			}
			if err := s.write(ctx, ev); err != nil {
				return
			}
		}
	}
}

func (s *wsSession) write(ctx context.Context, msg any) error {
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, s.conn, msg); err != nil {
		s.logger.Debug("Stream write failed", zap.Error(err))
		return err
	}
	return nil
}

// handle decodes with json.Unmarshal rather than wsjson.Read so a malformed
// command gets an error reply and the connection stays open.
func (s *wsSession) handle(ctx context.Context, data []byte) any {
	var cmd wsCommand
	if data == nil {
		return wsError{Type: MsgError, Message: "commands must be JSON text messages"}
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return wsError{Type: MsgError, Message: "malformed command"}
	}

	switch cmd.Type {
	case CmdFetchData:
		chunk, err := s.fetch(ctx, cmd)
		if err != nil {
			return s.errorReply(err)
		}
		return chunk
	case CmdClearCache:
		if err := s.h.tables.ClearCache(ctx, s.actor, s.table); err != nil {
			return s.errorReply(err)
		}
		return wsCacheCleared{Type: MsgCacheCleared, Success: true}
	case CmdPing:
		return wsPong{Type: MsgPong}
	case "":
		return wsError{Type: MsgError, Message: "command type is required"}
	default:
		return wsError{Type: MsgError, Message: "unknown command: " + cmd.Type}
	}
}

func (s *wsSession) fetch(ctx context.Context, cmd wsCommand) (*wsDataChunk, error) {
	size := cmd.ChunkSize
	if size == 0 {
		size = s.h.chunkSize
	}
	if cmd.Start < 0 {
		return nil, apperrors.InvalidInput("start must be a non-negative integer")
	}
	start := cmd.Start

	req := &models.ViewRequest{
		Page:           1,
		Start:          &start,
		PageSize:       size,
		SortColumn:     cmd.SortBy,
		SortDesc:       cmd.SortDesc,
		Search:         cmd.Search,
		VisibleColumns: cmd.VisibleColumns,
	}
	if len(cmd.Filters) > 0 && string(cmd.Filters) != "null" {
		filters, err := query.ParseFilters(cmd.Filters)
		if err != nil {
			return nil, err
		}
		req.Filters = filters
	}

	res, err := s.h.tables.View(ctx, s.table, req)
	if err != nil {
		return nil, err
	}
	rows := res.Rows
	if rows == nil {
		rows = []models.Row{}
	}
	return &wsDataChunk{Type: MsgDataChunk, Start: cmd.Start, Total: res.Total, Rows: rows}, nil
}

func (s *wsSession) errorReply(err error) wsError {
	switch apperrors.KindOf(err) {
	case apperrors.KindDatabase, apperrors.KindInternal:
		s.logger.Error("Stream command failed", zap.String("error", logging.SanitizeError(err)))
	}
	return wsError{Type: MsgError, Message: apperrors.MessageOf(err)}
}
