package main

import (
	"crypto/rand"
	"errors"
	"sort"
	"sync"
)

const (
	roomIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	roomIDLength   = 6

	defaultAvatar = "🐼"
)

var errRoomNotFound = errors.New("room not found")

// Player holds a participant's per-room state. The serialized shape is
// what every broadcast and room snapshot carries.
type Player struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Score    int    `json:"score"`
	Total    int    `json:"total"`

	seq int // join order, breaks ranking ties
}

// room is a single battle session. Players and their broadcast
// subscriptions are both keyed by connection ID, since a user who
// reconnects arrives on a new connection.
type room struct {
	id             string
	totalQuestions int
	started        bool
	players        map[string]*Player
	clients        map[string]*client
	nextSeq        int
}

// RoomSnapshot is the read-only view returned by room state queries.
type RoomSnapshot struct {
	Players        []Player `json:"players"`
	TotalQuestions int      `json:"totalQuestions"`
	Started        bool     `json:"started"`
}

// Registry owns all room state. Every operation runs
// read-modify-write-broadcast to completion under one lock, so room
// state never interleaves between handlers. Rooms live only as long as
// they have players; the last disconnect deletes the room.
type Registry struct {
	cfg *Config

	mu    sync.Mutex
	rooms map[string]*room
}

func newRegistry(cfg *Config) *Registry {
	return &Registry{
		cfg:   cfg,
		rooms: make(map[string]*room),
	}
}

// CreateRoom registers a new room and returns its code. A
// non-positive question target falls back to the configured default.
func (reg *Registry) CreateRoom(totalQuestions int) string {
	if totalQuestions < 1 {
		totalQuestions = reg.cfg.defaultQuestions
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	id := reg.newRoomIDLocked()
	reg.rooms[id] = &room{
		id:             id,
		totalQuestions: totalQuestions,
		players:        make(map[string]*Player),
		clients:        make(map[string]*client),
	}

	logf(reg.cfg, "GAMES: Created room %s (%d questions)", id, totalQuestions)

	return id
}

// newRoomIDLocked generates a crypto-random room code and ensures it
// doesn't collide with a live room. Codes of deleted rooms are free
// for reuse.
func (reg *Registry) newRoomIDLocked() string {
	for {
		buf := make([]byte, roomIDLength)
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		out := make([]byte, roomIDLength)
		for i := range out {
			out[i] = roomIDAlphabet[int(buf[i])%len(roomIDAlphabet)]
		}
		id := string(out)

		if _, exists := reg.rooms[id]; !exists {
			return id
		}
	}
}

// Snapshot returns the current state of a room, or errRoomNotFound if
// no such room is live.
func (reg *Registry) Snapshot(roomID string) (RoomSnapshot, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[roomID]
	if !ok {
		return RoomSnapshot{}, errRoomNotFound
	}

	return RoomSnapshot{
		Players:        rm.rankedPlayersLocked(),
		TotalQuestions: rm.totalQuestions,
		Started:        rm.started,
	}, nil
}

// Join adds a connection to a room with a fresh score and broadcasts
// the updated member list to everyone in the room, the joiner
// included. Joining a started or crowded room is allowed; late
// arrivals begin at zero. Returns errRoomNotFound without any state
// change if the room doesn't exist.
func (reg *Registry) Join(c *client, roomID, userID, username, avatar string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[roomID]
	if !ok {
		return errRoomNotFound
	}

	// A connection belongs to at most one room.
	if c.roomID != "" && c.roomID != roomID {
		reg.leaveLocked(c)
	}

	if avatar == "" {
		avatar = defaultAvatar
	}

	// A user rejoining on a new connection replaces their old entry,
	// so score lookups never race a stale duplicate.
	for connID, p := range rm.players {
		if connID != c.id && p.UserID == userID {
			delete(rm.players, connID)
		}
	}

	rm.players[c.id] = &Player{
		UserID:   userID,
		Username: username,
		Avatar:   avatar,
		Total:    rm.totalQuestions,
		seq:      rm.nextSeq,
	}
	rm.nextSeq++
	rm.clients[c.id] = c
	c.roomID = roomID

	logf(reg.cfg, "GAMES: Player %q joined %s", username, roomID)

	reg.broadcastLocked(rm, RoomUpdateMessage{
		Type:           "room_update",
		Players:        rm.rankedPlayersLocked(),
		TotalQuestions: rm.totalQuestions,
	})

	return nil
}

// Start marks a room's battle as started and notifies the room.
// Restarting is harmless, and an unknown room is a no-op.
func (reg *Registry) Start(roomID string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[roomID]
	if !ok {
		return
	}

	rm.started = true

	logf(reg.cfg, "GAMES: Battle started in %s", roomID)

	reg.broadcastLocked(rm, BattleStartedMessage{Type: "battle_started"})
}

// SubmitAnswer records an answer result for a player and broadcasts
// progress to the room. The score is clamped to the room's question
// target; the moment a player first reaches it, the room is told the
// battle is finished with that player as winner, exactly once.
// Unknown rooms and unmatched userIds are no-ops.
func (reg *Registry) SubmitAnswer(roomID, userID string, correct bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	rm, ok := reg.rooms[roomID]
	if !ok {
		return
	}

	// Players are keyed by connection ID, so this is a scan. Join
	// keeps userIds unique within a room.
	var player *Player
	for _, p := range rm.players {
		if p.UserID == userID {
			player = p
			break
		}
	}
	if player == nil {
		return
	}

	crossed := false
	if correct && player.Score < player.Total {
		player.Score++
		crossed = player.Score == player.Total
	}

	reg.broadcastLocked(rm, ProgressUpdateMessage{
		Type:           "progress_update",
		Players:        rm.rankedPlayersLocked(),
		TotalQuestions: rm.totalQuestions,
	})

	if crossed {
		logf(reg.cfg, "GAMES: %q won room %s", player.Username, roomID)

		reg.broadcastLocked(rm, BattleFinishedMessage{
			Type:    "battle_finished",
			Winner:  *player,
			Players: rm.rankedPlayersLocked(),
		})
	}
}

// Leave detaches a connection from its room on disconnect, removing
// its player entry and deleting the room if it was the last one out.
// Safe to call for connections that never joined anything.
func (reg *Registry) Leave(c *client) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if c.roomID != "" {
		reg.leaveLocked(c)
	}
	reg.closeClientLocked(c)
}

// leaveLocked removes a connection's player entry and subscription
// from its room, deleting the room when the player map empties and
// broadcasting the shrunken member list otherwise.
func (reg *Registry) leaveLocked(c *client) {
	rm, ok := reg.rooms[c.roomID]
	if !ok {
		c.roomID = ""
		return
	}

	player := rm.players[c.id]
	delete(rm.players, c.id)
	delete(rm.clients, c.id)
	c.roomID = ""

	if player != nil {
		logf(reg.cfg, "GAMES: Player %q left %s", player.Username, rm.id)
	}

	if len(rm.players) == 0 {
		delete(reg.rooms, rm.id)
		logf(reg.cfg, "GAMES: Room %s deleted (empty)", rm.id)
		return
	}

	reg.broadcastLocked(rm, RoomUpdateMessage{
		Type:           "room_update",
		Players:        rm.rankedPlayersLocked(),
		TotalQuestions: rm.totalQuestions,
	})
}

// sendTo delivers a message to a single connection, dropping it if the
// connection's buffer is full or already closed.
func (reg *Registry) sendTo(c *client, msg any) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- msg:
	default:
	}
}

// broadcastLocked fans a message out to every subscribed connection in
// the room. A connection too slow to drain its buffer is evicted
// rather than allowed to block the registry.
func (reg *Registry) broadcastLocked(rm *room, msg any) {
	for id, c := range rm.clients {
		select {
		case c.send <- msg:
		default:
			delete(rm.clients, id)
			reg.closeClientLocked(c)
		}
	}
}

// closeClientLocked closes a connection's send channel exactly once,
// which in turn ends its write pump.
func (reg *Registry) closeClientLocked(c *client) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// rankedPlayersLocked copies the player map into a slice ordered by
// score descending, join order breaking ties, so every broadcast and
// snapshot ranks players deterministically. Caller holds the registry
// lock.
func (rm *room) rankedPlayersLocked() []Player {
	players := make([]Player, 0, len(rm.players))
	for _, p := range rm.players {
		players = append(players, *p)
	}

	sort.Slice(players, func(i, j int) bool {
		if players[i].Score != players[j].Score {
			return players[i].Score > players[j].Score
		}
		return players[i].seq < players[j].seq
	})

	return players
}
