package main

import (
	"errors"
	"strings"
	"testing"
)

func testConfig() *Config {
	return &Config{defaultQuestions: 10}
}

func newTestClient(id string) *client {
	return &client{
		id:   id,
		send: make(chan any, 32),
	}
}

// drain collects everything currently buffered for a client.
func drain(c *client) []any {
	var msgs []any
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return msgs
			}
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func submitCorrect(reg *Registry, roomID, userID string, n int) {
	for i := 0; i < n; i++ {
		reg.SubmitAnswer(roomID, userID, true)
	}
}

func TestCreateRoomUsesDefaultQuestions(t *testing.T) {
	reg := newRegistry(testConfig())

	first := reg.CreateRoom(5)
	second := reg.CreateRoom(0)

	if first == second {
		t.Fatalf("expected distinct room codes, got %q twice", first)
	}

	snapshot, err := reg.Snapshot(second)
	if err != nil {
		t.Fatalf("Snapshot(%q): %v", second, err)
	}
	if snapshot.TotalQuestions != 10 {
		t.Errorf("expected default question target 10, got %d", snapshot.TotalQuestions)
	}
	if snapshot.Started {
		t.Error("new room should not be started")
	}
	if len(snapshot.Players) != 0 {
		t.Errorf("new room should be empty, got %d players", len(snapshot.Players))
	}
}

func TestRoomCodeFormat(t *testing.T) {
	reg := newRegistry(testConfig())

	id := reg.CreateRoom(3)
	if len(id) != roomIDLength {
		t.Fatalf("expected %d-char room code, got %q", roomIDLength, id)
	}
	for _, r := range id {
		if !strings.ContainsRune(roomIDAlphabet, r) {
			t.Errorf("room code %q contains %q, outside the code alphabet", id, r)
		}
	}
}

func TestJoinUnknownRoom(t *testing.T) {
	reg := newRegistry(testConfig())
	c := newTestClient("c1")

	err := reg.Join(c, "NOSUCH", "u1", "alice", "")
	if !errors.Is(err, errRoomNotFound) {
		t.Fatalf("expected errRoomNotFound, got %v", err)
	}

	if len(reg.rooms) != 0 {
		t.Error("failed join must not create rooms")
	}
	if msgs := drain(c); len(msgs) != 0 {
		t.Errorf("failed join must not broadcast, got %d messages", len(msgs))
	}
	if c.roomID != "" {
		t.Errorf("failed join must not associate the connection, got %q", c.roomID)
	}
}

func TestJoinBroadcastsRoomUpdate(t *testing.T) {
	reg := newRegistry(testConfig())
	id := reg.CreateRoom(5)

	c1 := newTestClient("c1")
	if err := reg.Join(c1, id, "u1", "alice", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}

	msgs := drain(c1)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message for the joiner, got %d", len(msgs))
	}
	update, ok := msgs[0].(RoomUpdateMessage)
	if !ok {
		t.Fatalf("expected RoomUpdateMessage, got %T", msgs[0])
	}
	if update.Type != "room_update" || update.TotalQuestions != 5 {
		t.Errorf("unexpected update: %+v", update)
	}
	if len(update.Players) != 1 {
		t.Fatalf("expected 1 player, got %d", len(update.Players))
	}
	p := update.Players[0]
	if p.UserID != "u1" || p.Username != "alice" || p.Score != 0 || p.Total != 5 {
		t.Errorf("unexpected player: %+v", p)
	}
	if p.Avatar != defaultAvatar {
		t.Errorf("empty avatar should default to %q, got %q", defaultAvatar, p.Avatar)
	}

	c2 := newTestClient("c2")
	if err := reg.Join(c2, id, "u2", "bob", "🦊"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	for _, c := range []*client{c1, c2} {
		msgs := drain(c)
		if len(msgs) != 1 {
			t.Fatalf("expected 1 message for %s, got %d", c.id, len(msgs))
		}
		update := msgs[0].(RoomUpdateMessage)
		if len(update.Players) != 2 {
			t.Errorf("expected 2 players in update for %s, got %d", c.id, len(update.Players))
		}
	}
}

func TestScoreIsCorrectAnswerCountClampedToTotal(t *testing.T) {
	reg := newRegistry(testConfig())
	id := reg.CreateRoom(3)

	c := newTestClient("c1")
	if err := reg.Join(c, id, "u1", "alice", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}

	submitCorrect(reg, id, "u1", 5)

	snapshot, err := reg.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if got := snapshot.Players[0].Score; got != 3 {
		t.Errorf("expected score clamped to 3, got %d", got)
	}
}

func TestIncorrectAnswerNeverChangesScore(t *testing.T) {
	reg := newRegistry(testConfig())
	id := reg.CreateRoom(3)

	c := newTestClient("c1")
	if err := reg.Join(c, id, "u1", "alice", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}

	reg.SubmitAnswer(id, "u1", true)
	reg.SubmitAnswer(id, "u1", false)
	reg.SubmitAnswer(id, "u1", false)

	snapshot, _ := reg.Snapshot(id)
	if got := snapshot.Players[0].Score; got != 1 {
		t.Errorf("expected score 1, got %d", got)
	}

	drain(c)
	reg.SubmitAnswer(id, "u1", false)
	msgs := drain(c)
	if len(msgs) != 1 {
		t.Fatalf("expected a progress broadcast even without a score change, got %d messages", len(msgs))
	}
	if _, ok := msgs[0].(ProgressUpdateMessage); !ok {
		t.Errorf("expected ProgressUpdateMessage, got %T", msgs[0])
	}
}

func TestAnswerForUnknownRoomOrUserIsSilent(t *testing.T) {
	reg := newRegistry(testConfig())
	id := reg.CreateRoom(3)

	c := newTestClient("c1")
	if err := reg.Join(c, id, "u1", "alice", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
	drain(c)

	reg.SubmitAnswer("NOSUCH", "u1", true)
	reg.SubmitAnswer(id, "ghost", true)

	if msgs := drain(c); len(msgs) != 0 {
		t.Errorf("unmatched submissions must not broadcast, got %d messages", len(msgs))
	}
	snapshot, _ := reg.Snapshot(id)
	if got := snapshot.Players[0].Score; got != 0 {
		t.Errorf("unmatched submissions must not change scores, got %d", got)
	}
}

func TestBattleFinishedFiresExactlyOnce(t *testing.T) {
	reg := newRegistry(testConfig())
	id := reg.CreateRoom(2)

	c := newTestClient("c1")
	if err := reg.Join(c, id, "u1", "alice", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
	drain(c)

	finished := 0
	for i := 0; i < 4; i++ {
		reg.SubmitAnswer(id, "u1", true)
		for _, msg := range drain(c) {
			if _, ok := msg.(BattleFinishedMessage); ok {
				finished++
			}
		}
	}

	if finished != 1 {
		t.Errorf("expected battle_finished exactly once, got %d", finished)
	}
}

func TestWinnerRaceScenario(t *testing.T) {
	reg := newRegistry(testConfig())
	id := reg.CreateRoom(3)

	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	if err := reg.Join(c1, id, "A", "alice", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := reg.Join(c2, id, "B", "bob", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
	drain(c1)
	drain(c2)

	submitCorrect(reg, id, "A", 3)

	msgs := drain(c2)
	if len(msgs) != 4 {
		t.Fatalf("expected 3 progress updates and 1 finish, got %d messages", len(msgs))
	}

	finish, ok := msgs[3].(BattleFinishedMessage)
	if !ok {
		t.Fatalf("expected final message to be BattleFinishedMessage, got %T", msgs[3])
	}
	if finish.Winner.UserID != "A" || finish.Winner.Score != 3 {
		t.Errorf("unexpected winner: %+v", finish.Winner)
	}
	if len(finish.Players) != 2 {
		t.Fatalf("expected both players in the finish payload, got %d", len(finish.Players))
	}

	// Ranked by score, so the winner leads.
	if finish.Players[0].UserID != "A" || finish.Players[0].Score != 3 {
		t.Errorf("expected A(3) first, got %+v", finish.Players[0])
	}
	if finish.Players[1].UserID != "B" || finish.Players[1].Score != 0 {
		t.Errorf("expected B(0) second, got %+v", finish.Players[1])
	}
}

func TestLastLeaveDeletesRoom(t *testing.T) {
	reg := newRegistry(testConfig())
	id := reg.CreateRoom(3)

	c := newTestClient("c1")
	if err := reg.Join(c, id, "u1", "alice", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}

	reg.Leave(c)

	if _, err := reg.Snapshot(id); !errors.Is(err, errRoomNotFound) {
		t.Errorf("expected errRoomNotFound after last leave, got %v", err)
	}

	// The code is once again free for the generator to hand out.
	reg.mu.Lock()
	_, live := reg.rooms[id]
	reg.mu.Unlock()
	if live {
		t.Error("emptied room should be deleted from the registry")
	}
}

func TestLeaveBroadcastsToRemaining(t *testing.T) {
	reg := newRegistry(testConfig())
	id := reg.CreateRoom(3)

	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	if err := reg.Join(c1, id, "u1", "alice", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := reg.Join(c2, id, "u2", "bob", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
	drain(c2)

	reg.Leave(c1)

	msgs := drain(c2)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message for the remaining player, got %d", len(msgs))
	}
	update, ok := msgs[0].(RoomUpdateMessage)
	if !ok {
		t.Fatalf("expected RoomUpdateMessage, got %T", msgs[0])
	}
	if len(update.Players) != 1 || update.Players[0].UserID != "u2" {
		t.Errorf("unexpected remaining players: %+v", update.Players)
	}
}

func TestLeaveWithoutJoinIsHarmless(t *testing.T) {
	reg := newRegistry(testConfig())
	c := newTestClient("c1")

	reg.Leave(c)

	if _, ok := <-c.send; ok {
		t.Error("send channel should be closed after leave")
	}
}

func TestStartIsIdempotentAndUnguarded(t *testing.T) {
	reg := newRegistry(testConfig())

	// Unknown room: no-op, no panic.
	reg.Start("NOSUCH")

	// A room with no observed players can still be started.
	id := reg.CreateRoom(3)
	reg.Start(id)

	snapshot, err := reg.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snapshot.Started {
		t.Error("room should be started")
	}

	c := newTestClient("c1")
	if err := reg.Join(c, id, "u1", "alice", ""); err != nil {
		t.Fatalf("late join into a started room should succeed: %v", err)
	}
	drain(c)

	reg.Start(id)
	msgs := drain(c)
	if len(msgs) != 1 {
		t.Fatalf("expected restart to rebroadcast, got %d messages", len(msgs))
	}
	if _, ok := msgs[0].(BattleStartedMessage); !ok {
		t.Errorf("expected BattleStartedMessage, got %T", msgs[0])
	}
}

func TestRejoinReplacesStaleEntry(t *testing.T) {
	reg := newRegistry(testConfig())
	id := reg.CreateRoom(3)

	c1 := newTestClient("c1")
	c2 := newTestClient("c2")
	if err := reg.Join(c1, id, "u1", "alice", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
	reg.SubmitAnswer(id, "u1", true)

	// Same user arrives on a fresh connection.
	if err := reg.Join(c2, id, "u1", "alice", ""); err != nil {
		t.Fatalf("rejoin: %v", err)
	}

	snapshot, _ := reg.Snapshot(id)
	if len(snapshot.Players) != 1 {
		t.Fatalf("rejoin must not duplicate the user, got %d entries", len(snapshot.Players))
	}
	if got := snapshot.Players[0].Score; got != 0 {
		t.Errorf("rejoined player starts over, expected score 0, got %d", got)
	}

	reg.SubmitAnswer(id, "u1", true)
	snapshot, _ = reg.Snapshot(id)
	if got := snapshot.Players[0].Score; got != 1 {
		t.Errorf("expected a single live entry scoring 1, got %d", got)
	}
}

func TestJoinMovesConnectionBetweenRooms(t *testing.T) {
	reg := newRegistry(testConfig())
	first := reg.CreateRoom(3)
	second := reg.CreateRoom(3)

	c := newTestClient("c1")
	if err := reg.Join(c, first, "u1", "alice", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := reg.Join(c, second, "u1", "alice", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}

	if _, err := reg.Snapshot(first); !errors.Is(err, errRoomNotFound) {
		t.Errorf("first room should have emptied and been deleted, got %v", err)
	}
	snapshot, err := reg.Snapshot(second)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snapshot.Players) != 1 {
		t.Errorf("expected the connection in the second room, got %d players", len(snapshot.Players))
	}
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	reg := newRegistry(testConfig())
	id := reg.CreateRoom(3)

	slow := &client{id: "slow", send: make(chan any)}
	if err := reg.Join(slow, id, "u1", "alice", ""); err != nil {
		t.Fatalf("Join: %v", err)
	}

	// The join broadcast could not be buffered, so the subscription
	// is gone; the player entry stays until the connection drops.
	if _, ok := <-slow.send; ok {
		t.Error("evicted client's send channel should be closed")
	}

	snapshot, err := reg.Snapshot(id)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snapshot.Players) != 1 {
		t.Errorf("eviction must not remove the player entry, got %d", len(snapshot.Players))
	}

	// The eventual disconnect cleans up without a double close.
	reg.Leave(slow)
	if _, err := reg.Snapshot(id); !errors.Is(err, errRoomNotFound) {
		t.Errorf("expected room deleted after the evicted client drops, got %v", err)
	}
}

func TestRankingIsDeterministic(t *testing.T) {
	reg := newRegistry(testConfig())
	id := reg.CreateRoom(5)

	clients := map[string]*client{
		"A": newTestClient("c1"),
		"B": newTestClient("c2"),
		"C": newTestClient("c3"),
	}
	for _, user := range []string{"A", "B", "C"} {
		if err := reg.Join(clients[user], id, user, user, ""); err != nil {
			t.Fatalf("Join(%s): %v", user, err)
		}
	}

	submitCorrect(reg, id, "B", 2)
	submitCorrect(reg, id, "C", 2)

	snapshot, _ := reg.Snapshot(id)
	got := make([]string, 0, len(snapshot.Players))
	for _, p := range snapshot.Players {
		got = append(got, p.UserID)
	}

	// B and C tie on score; B joined first.
	want := []string{"B", "C", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected ranking %v, got %v", want, got)
		}
	}
}
