// Quizrace battle rooms
//
// A quiz page creates a room over plain HTTP, shares the code, and
// every participant's browser opens a websocket to race on it:
// - POST /create-room and GET /room/:roomid for room lifecycle
// - A single websocket endpoint at /ws; rooms are joined by message
// - Each connection gets its own ID, distinct from the caller's userId
// - Answer correctness is reported by the caller and trusted as-is
// - Full room state is broadcast to all members on every change
// - Rooms are deleted the instant their last connection drops
// - Random 6-char room codes via crypto/rand, with collision check
// - In-browser QR button to share a battle page, backed by go-qrcode

package main

import (
	_ "embed"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// client is one websocket connection. roomID tracks which room it
// joined, for cleanup when it drops.
type client struct {
	id     string
	roomID string
	conn   *websocket.Conn
	send   chan any
	closed bool // send channel closed; guarded by the registry lock
}

func (c *client) readPump(reg *Registry) {
	defer func() {
		reg.Leave(c)
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "join_room":
			if msg.RoomID == "" || msg.UserID == "" || msg.Username == "" {
				continue
			}
			if err := reg.Join(c, msg.RoomID, msg.UserID, msg.Username, msg.Avatar); err != nil {
				// Surfaced to the offending connection only.
				reg.sendTo(c, ErrorMessage{
					Type:    "error",
					Message: "Room not found",
				})
			}

		case "start_battle":
			if msg.RoomID == "" {
				continue
			}
			reg.Start(msg.RoomID)

		case "answer_submitted":
			if msg.RoomID == "" || msg.UserID == "" || msg.Correct == nil {
				continue
			}
			reg.SubmitAnswer(msg.RoomID, msg.UserID, *msg.Correct)

		default:
			// ignore unknown types
		}
	}
}

func (c *client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// serveBattleSocket upgrades the connection and runs its pumps until
// it drops. Joining happens afterwards, by message.
func serveBattleSocket(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		c := &client{
			id:   uuid.NewString(),
			conn: conn,
			send: make(chan any, 8),
		}

		logf(cfg, "GAMES: Connection %s opened from %s", c.id, realIP(r))

		go c.writePump()
		c.readPump(reg)
	}
}

type createRoomRequest struct {
	TotalQuestions int `json:"totalQuestions"`
}

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

// createRoomHandler always succeeds; an absent or malformed body means
// the configured default question target.
func createRoomHandler(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		var req createRoomRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		roomID := reg.CreateRoom(req.TotalQuestions)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(createRoomResponse{RoomID: roomID})

		logf(cfg, "SERVE: Room %s to %s in %s",
			roomID,
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func roomStateHandler(cfg *Config, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")

		snapshot, err := reg.Snapshot(ps.ByName("roomid"))
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Room not found"})
			return
		}

		_ = json.NewEncoder(w).Encode(snapshot)
	}
}

// QR handler: generates a PNG QR code for the current battle URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomID := ps.ByName("roomid")
	if roomID == "" {
		http.Error(w, "missing room id", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../:roomid/qr; strip trailing "/qr" to get the battle URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed battle/index.html
var indexHTML []byte

//go:embed battle/app.css
var battleCSS []byte

//go:embed battle/app.js
var battleJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(battleCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(battleJS)
	}
}

// redirectNewBattle handles GET /path by creating a room with the
// default question target and redirecting to /path/:roomid.
func redirectNewBattle(cfg *Config, path string, reg *Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := reg.CreateRoom(0)
		http.Redirect(w, r, cfg.prefix+path+"/"+roomID, http.StatusTemporaryRedirect)
	}
}

// registerBattleGame sets up routes so that:
//   - POST /create-room       → new room, JSON response
//   - GET /room/:roomid       → room snapshot, JSON response
//   - GET /ws                 → the pub/sub websocket
//   - $path                   → redirects to a freshly created room
//   - $path/:roomid           → HTML client
//   - $path/:roomid/qr        → PNG QR code for that battle URL
func registerBattleGame(cfg *Config, path string, mux *httprouter.Router) *Registry {
	reg := newRegistry(cfg)

	mux.POST(cfg.prefix+"/create-room", createRoomHandler(cfg, reg))

	mux.GET(cfg.prefix+"/room/:roomid", roomStateHandler(cfg, reg))

	mux.GET(cfg.prefix+"/ws", serveBattleSocket(cfg, reg))

	// Root path → redirect to a new room
	mux.GET(cfg.prefix+path, redirectNewBattle(cfg, path, reg))

	// Per-room client view (HTML)
	mux.GET(cfg.prefix+path+"/:roomid", getIndexHandler(cfg))

	// Shared assets (no roomid in route)
	mux.GET(cfg.prefix+"/assets/battle/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/battle/app.js", getJsHandler(cfg))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/:roomid/qr", qrHandler)

	return reg
}
