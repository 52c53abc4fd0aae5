package gameserver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teampoint/teampoint/internal/game/room"
)

func TestDecodeRequest(t *testing.T) {
	req, err := DecodeRequest(json.RawMessage(`{"roomCode":"100","playerId":"p1","playerName":"Alice","cardIndex":3}`))
	require.NoError(t, err)
	assert.Equal(t, Request{RoomCode: "100", PlayerID: "p1", PlayerName: "Alice", CardIndex: 3}, req)
}

func TestDecodeRequest_RoomNumberAlias(t *testing.T) {
	cases := map[string]string{
		`{"roomNumber":"abc"}`:                    "abc",
		`{"roomNumber":1234}`:                     "1234",
		`{"roomNumber":null}`:                     "",
		`{"roomCode":"x","roomNumber":"ignored"}`: "x",
	}
	for in, want := range cases {
		req, err := DecodeRequest(json.RawMessage(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, req.RoomCode, in)
	}
}

func TestDecodeRequest_Defaults(t *testing.T) {
	req, err := DecodeRequest(nil)
	require.NoError(t, err)
	assert.Equal(t, Unset, req.CardIndex)
	assert.Empty(t, req.RoomCode)
}

func TestDecodeRequest_Malformed(t *testing.T) {
	for _, in := range []string{`[1,2]`, `{"roomNumber":true}`, `{"cardIndex":"two"}`, `{"cardIndex":1.5}`} {
		_, err := DecodeRequest(json.RawMessage(in))
		assert.ErrorIs(t, err, ErrMalformedPayload, in)
	}
}

func TestNewRoomView(t *testing.T) {
	three := 3
	v := NewRoomView(room.Room{
		Code:     "100",
		Phase:    room.PhaseFinished,
		Revision: 9,
		Players: []room.Player{
			{ID: "p1", Name: "Alice", SelectedCardIndex: &three},
			{ID: "p2", Name: "Bob"},
		},
	})
	assert.Equal(t, RoomView{
		Code:     "100",
		Phase:    room.PhaseFinished,
		Revision: 9,
		Players: []PlayerView{
			{ID: "p1", Name: "Alice", SelectedCardIndex: 3},
			{ID: "p2", Name: "Bob", SelectedCardIndex: Unset},
		},
	}, v)
}

func TestEncodeFrame(t *testing.T) {
	id := int64(5)
	b, err := EncodeFrame(EventAck, &id, AckData{Status: AckSuccess})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"ack","ackId":5,"data":{"status":"success"}}`, string(b))

	b, err = EncodeFrame(EventUpdateGame, nil, NewRoomView(room.Room{Code: "1", Phase: room.PhaseLobby}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"updateGame","data":{"code":"1","players":[],"phase":"lobby","revision":0}}`, string(b))
}
