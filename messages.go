package main

// Messages coming from clients. One struct covers all event types;
// each handler validates the fields its event requires and drops the
// message otherwise.
type ClientMessage struct {
	Type     string `json:"type"`               // "join_room", "start_battle", "answer_submitted"
	RoomID   string `json:"roomId,omitempty"`   // all events
	UserID   string `json:"userId,omitempty"`   // join_room / answer_submitted
	Username string `json:"username,omitempty"` // join_room
	Avatar   string `json:"avatar,omitempty"`   // join_room
	Correct  *bool  `json:"correct,omitempty"`  // answer_submitted
}

// RoomUpdateMessage carries the full member list after a join or leave.
type RoomUpdateMessage struct {
	Type           string   `json:"type"` // "room_update"
	Players        []Player `json:"players"`
	TotalQuestions int      `json:"totalQuestions"`
}

// BattleStartedMessage tells the room the host has started the battle.
type BattleStartedMessage struct {
	Type string `json:"type"` // "battle_started"
}

// ProgressUpdateMessage carries the full member list after every
// answer submission, whether or not a score changed.
type ProgressUpdateMessage struct {
	Type           string   `json:"type"` // "progress_update"
	Players        []Player `json:"players"`
	TotalQuestions int      `json:"totalQuestions"`
}

// BattleFinishedMessage announces the winner, sent the moment a
// player's score first reaches the room's question target.
type BattleFinishedMessage struct {
	Type    string   `json:"type"` // "battle_finished"
	Winner  Player   `json:"winner"`
	Players []Player `json:"players"`
}

// ErrorMessage is sent only to the offending client, never broadcast.
type ErrorMessage struct {
	Type    string `json:"type"` // "error"
	Message string `json:"message"`
}
