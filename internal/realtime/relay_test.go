package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizarena/live/pkg/http/ws"
)

func TestRelay_FansOutAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	// two instances, each holding one player
	hubA := ws.NewHub(zerolog.Nop())
	hubB := ws.NewHub(zerolog.Nop())
	connA := ws.NewConnection(nil, "ra", "alice", zerolog.Nop())
	connB := ws.NewConnection(nil, "rb", "bob", zerolog.Nop())
	hubA.RegisterConnection(connA)
	hubB.RegisterConnection(connB)

	relayA := NewRelay(client, hubA, "rt", zerolog.Nop())
	relayB := NewRelay(client, hubB, "rt", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	readyA, readyB := make(chan struct{}), make(chan struct{})
	go relayA.Run(ctx, readyA)
	go relayB.Run(ctx, readyB)
	<-readyA
	<-readyB

	room := DuelRoom("m1")
	require.NoError(t, relayA.Join(ctx, room, "alice"))
	require.NoError(t, relayA.Join(ctx, room, "bob"))
	require.NoError(t, Emit(ctx, relayA, room, ws.TypeMatchFound, ws.MatchFoundPayload{MatchID: "m1"}))
	require.NoError(t, EmitUser(ctx, relayB, "alice", ws.TypeWaitingForOpponent, ws.WaitingForOpponentPayload{MatchID: "m1"}))

	recv := func(c *ws.Connection) ws.Message {
		select {
		case m := <-c.Outbox():
			return m
		case <-time.After(2 * time.Second):
			t.Fatalf("no message for %s", c.UserID)
			return ws.Message{}
		}
	}
	assert.Equal(t, ws.TypeMatchFound, recv(connA).Type)
	assert.Equal(t, ws.TypeMatchFound, recv(connB).Type)
	assert.Equal(t, ws.TypeWaitingForOpponent, recv(connA).Type)
}

func TestLocal_ToUserIgnoresMissingConnection(t *testing.T) {
	local := NewLocal(ws.NewHub(zerolog.Nop()))
	assert.NoError(t, EmitUser(context.Background(), local, "nobody", ws.TypePong, struct{}{}))
}
