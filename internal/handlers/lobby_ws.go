// internal/handlers/lobby_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jason-s-yu/yamato/internal/middleware"
	"github.com/jason-s-yu/yamato/internal/models"
	"github.com/jason-s-yu/yamato/internal/realtime"
	"github.com/sirupsen/logrus"
)

const (
	outboundBuffer = 32
	inboundBuffer  = 16
	pingInterval   = 30 * time.Second
	pingTimeout    = 15 * time.Second
	writeTimeout   = 5 * time.Second
)

// wsMessage is a client frame. PlayerID defaults to the player bound at connect time.
type wsMessage struct {
	Type     string    `json:"type"`
	PlayerID uuid.UUID `json:"playerId"`
	Action   string    `json:"action"`
}

// LobbyWSHandler subscribes a websocket to a lobby's events and accepts submit-action and
// end-turn frames from it.
func LobbyWSHandler(d Deps) http.HandlerFunc {
	patterns := originPatterns(d.AllowedOrigins)
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: patterns})
		if err != nil {
			d.Logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		l, players, err := d.Lobbies.Get(r.Context(), chi.URLParam(r, "code"))
		if errors.Is(err, models.ErrNotFound) {
			c.Close(InvalidLobbyIDError, "lobby does not exist")
			return
		}
		if err != nil {
			d.Logger.WithError(err).Error("lobby lookup failed for websocket")
			c.Close(LobbyUnavailableError, "lobby unavailable")
			return
		}

		var player *models.PlayerView
		if name := r.URL.Query().Get("playerName"); name != "" {
			for i := range players {
				if players[i].Name == name {
					player = &players[i]
					break
				}
			}
			if player == nil {
				c.Close(UnknownPlayerError, "player is not in this lobby")
				return
			}
		}

		playerID := uuid.Nil
		if player != nil {
			playerID = player.ID
		}
		client := realtime.NewClient(l.ID, playerID, outboundBuffer)
		d.Hub.Register(client)
		defer d.Hub.Unregister(client)

		log := d.Logger.WithFields(logrus.Fields{"lobby_id": l.ID, "player_id": playerID})
		if player != nil {
			if err := d.Store.SetConnection(r.Context(), l.ID, playerID, client.ID); err != nil {
				log.WithError(err).Warn("failed to bind connection to player")
			}
			defer func() {
				if err := d.Store.SetConnection(context.Background(), l.ID, playerID, ""); err != nil {
					log.WithError(err).Warn("failed to clear player connection")
				}
			}()
		}
		middleware.LogWebSocketConnect(d.Logger, remoteAddr, r.URL.Path, logrus.Fields{"lobby_id": l.ID, "player_id": playerID})

		client.WriteEvent(realtime.NewEvent(realtime.EventLobbyJoined, l.ID, map[string]any{
			"lobby":    l,
			"players":  players,
			"playerId": playerID,
		}))
		if player != nil {
			d.Notifier.Publish(r.Context(), realtime.NewEvent(realtime.EventPlayerJoined, l.ID, map[string]any{
				"playerId":   player.ID,
				"playerName": player.Name,
			}))
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go func() {
			writePump(ctx, c, client, d.PingInterval, d.PingTimeout, log)
			cancel()
		}()

		err = readPump(ctx, c, d, client, log)
		middleware.LogWebSocketDisconnect(d.Logger, remoteAddr, r.URL.Path, err)
	}
}

// readPump decodes incoming frames until the connection closes and hands them to a worker
// in arrival order. Reading never waits on a round, so pongs keep flowing while the narrator
// runs. It returns nil on a normal close.
func readPump(ctx context.Context, c *websocket.Conn, d Deps, client *realtime.Client, log *logrus.Entry) error {
	frames := make(chan wsMessage, inboundBuffer)
	defer close(frames)
	go func() {
		for msg := range frames {
			handleLobbyMessage(ctx, d, client, msg, log)
		}
	}()

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			log.Warnf("ignoring non-text message type %d", typ)
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			client.WriteError("Invalid JSON format")
			continue
		}
		if msg.PlayerID == uuid.Nil {
			msg.PlayerID = client.PlayerID
		}
		select {
		case frames <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// handleLobbyMessage routes a frame to the turn tracker. Failures go to the sender only.
func handleLobbyMessage(ctx context.Context, d Deps, client *realtime.Client, msg wsMessage, log *logrus.Entry) {
	switch msg.Type {
	case "submit-action":
		if strings.TrimSpace(msg.Action) == "" {
			client.WriteError(models.ErrEmptyAction.Reason)
			return
		}
		if _, err := d.Tracker.SubmitAction(ctx, client.LobbyID, msg.PlayerID, msg.Action); err != nil {
			client.WriteError(errorMessage(err, "Failed to submit action", log))
		}
	case "end-turn":
		if _, err := d.Tracker.EndTurn(ctx, client.LobbyID, msg.PlayerID); err != nil {
			client.WriteError(errorMessage(err, "Failed to end turn", log))
		}
	default:
		client.WriteError(fmt.Sprintf("Unknown message type: %s", msg.Type))
	}
}

func errorMessage(err error, fallback string, log *logrus.Entry) string {
	if ve, ok := models.AsValidation(err); ok {
		return ve.Reason
	}
	switch {
	case errors.Is(err, models.ErrLobbyNotFound):
		return "Lobby not found"
	case errors.Is(err, models.ErrPlayerNotFound):
		return "Player not found"
	default:
		log.WithError(err).Error(fallback)
		return fallback
	}
}

func writePump(ctx context.Context, c *websocket.Conn, client *realtime.Client, interval, timeout time.Duration, log *logrus.Entry) {
	if interval <= 0 {
		interval = pingInterval
	}
	if timeout <= 0 {
		timeout = pingTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer c.Close(websocket.StatusGoingAway, "write pump stopping")

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-client.OutChan:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				log.Warnf("failed to write to websocket: %v", err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				log.Warnf("failed to send ping: %v, assuming disconnect", err)
				return
			}
		}
	}
}

// originPatterns turns configured origins into the host patterns websocket.Accept expects.
func originPatterns(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
