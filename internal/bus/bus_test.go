// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package bus

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/codplayer/internal/disc"
	"github.com/rapidaai/codplayer/internal/player"
	"github.com/rapidaai/codplayer/pkg/commons"
)

// fakeHandler records commands and returns canned replies.
type fakeHandler struct {
	commands [][]string
	// currentDisc is what the snapshot query reports to new
	// subscribers.
	currentDisc *disc.Disc
}

func (f *fakeHandler) Command(cmd string, args []string) player.Reply {
	f.commands = append(f.commands, append([]string{cmd}, args...))
	switch cmd {
	case "current_disc":
		return player.Reply{Kind: "disc", Value: f.currentDisc}
	case "state":
		return player.Reply{Kind: "state", Value: player.State{State: player.PhaseNoDisc}}
	case "rip_state":
		return player.Reply{Kind: "rip_state", Value: player.RipState{State: player.RipInactive}}
	case "version":
		return player.Reply{Kind: "ok", Value: "test"}
	case "boom":
		return player.Reply{Kind: "error", Value: "kaboom"}
	default:
		return player.Reply{Kind: "state", Value: player.State{State: player.PhasePlay}}
	}
}

func testHub(t *testing.T) (*Hub, *fakeHandler, *httptest.Server) {
	t.Helper()
	logger, err := commons.NewApplicationLogger(commons.Name("test-bus"), commons.Level("debug"))
	require.NoError(t, err)

	handler := &fakeHandler{}
	hub := NewHub("unused", handler, logger)
	srv := httptest.NewServer(hub.Handler())
	t.Cleanup(srv.Close)
	return hub, handler, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame []json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &frame))
	require.NotEmpty(t, frame)
	return frame
}

func frameTopic(t *testing.T, frame []json.RawMessage) string {
	t.Helper()
	var topic string
	require.NoError(t, json.Unmarshal(frame[0], &topic))
	return topic
}

func TestStateChannel_SnapshotThenPublications(t *testing.T) {
	hub, _, srv := testHub(t)
	conn := dial(t, srv, "/state")

	// Snapshot frames arrive first, disc before state.
	assert.Equal(t, "disc", frameTopic(t, readFrame(t, conn)))
	assert.Equal(t, "state", frameTopic(t, readFrame(t, conn)))
	assert.Equal(t, "rip_state", frameTopic(t, readFrame(t, conn)))

	// A disc announcement precedes the state referring to it.
	d := &disc.Disc{ID: "A0WWc9nhBWbpGpBkD_sr1gNbTsE-"}
	hub.PublishDisc(d)
	id := d.ID
	hub.PublishState(player.State{State: player.PhasePlay, DiscID: &id})

	discFrame := readFrame(t, conn)
	require.Equal(t, "disc", frameTopic(t, discFrame))
	var gotDisc disc.Disc
	require.NoError(t, json.Unmarshal(discFrame[1], &gotDisc))
	assert.Equal(t, d.ID, gotDisc.ID)

	stateFrame := readFrame(t, conn)
	require.Equal(t, "state", frameTopic(t, stateFrame))
	var gotState player.State
	require.NoError(t, json.Unmarshal(stateFrame[1], &gotState))
	require.NotNil(t, gotState.DiscID)
	assert.Equal(t, d.ID, *gotState.DiscID)
}

func TestStateChannel_SnapshotDiscForMidSessionSubscriber(t *testing.T) {
	hub, handler, srv := testHub(t)

	// A disc was loaded and published before this subscriber existed.
	d := &disc.Disc{ID: "A0WWc9nhBWbpGpBkD_sr1gNbTsE-"}
	handler.currentDisc = d
	hub.PublishDisc(d)
	id := d.ID
	hub.PublishState(player.State{State: player.PhasePlay, DiscID: &id})

	conn := dial(t, srv, "/state")

	// The snapshot still delivers the disc before any state naming it.
	frame := readFrame(t, conn)
	require.Equal(t, "disc", frameTopic(t, frame))
	var gotDisc disc.Disc
	require.NoError(t, json.Unmarshal(frame[1], &gotDisc))
	assert.Equal(t, d.ID, gotDisc.ID)

	assert.Equal(t, "state", frameTopic(t, readFrame(t, conn)))
}

func TestStateChannel_NullDiscOnEject(t *testing.T) {
	hub, _, srv := testHub(t)
	conn := dial(t, srv, "/state")
	readFrame(t, conn) // snapshot disc
	readFrame(t, conn) // snapshot state
	readFrame(t, conn) // snapshot rip_state

	hub.PublishDisc(nil)
	frame := readFrame(t, conn)
	assert.Equal(t, "disc", frameTopic(t, frame))
	assert.Equal(t, "null", string(frame[1]))
}

func TestStateChannel_RelaysButtonEvents(t *testing.T) {
	_, _, srv := testHub(t)

	listener := dial(t, srv, "/state")
	for i := 0; i < 3; i++ {
		readFrame(t, listener) // snapshot disc, state, rip_state
	}

	hardware := dial(t, srv, "/state")
	for i := 0; i < 3; i++ {
		readFrame(t, hardware)
	}

	require.NoError(t, hardware.WriteMessage(websocket.TextMessage,
		[]byte(`["button.press.PLAY", 1722500000.25]`)))

	frame := readFrame(t, listener)
	assert.Equal(t, "button.press.PLAY", frameTopic(t, frame))
	assert.Equal(t, "1722500000.25", string(frame[1]))

	// Non-button chatter is not relayed; the next frame the listener
	// sees is a real publication.
	require.NoError(t, hardware.WriteMessage(websocket.TextMessage, []byte(`["chatter"]`)))
	require.NoError(t, hardware.WriteMessage(websocket.TextMessage,
		[]byte(`["button.repeat.NEXT", 1722500001.5, 3]`)))
	frame = readFrame(t, listener)
	assert.Equal(t, "button.repeat.NEXT", frameTopic(t, frame))
}

func TestCommandChannel_RequestReply(t *testing.T) {
	_, handler, srv := testHub(t)
	conn := dial(t, srv, "/command")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["play"]`)))
	frame := readFrame(t, conn)
	assert.Equal(t, "state", frameTopic(t, frame))

	// Arguments travel one per frame element; numbers arrive bare.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["play_track", 3]`)))
	readFrame(t, conn)
	assert.Equal(t, []string{"play_track", "3"}, handler.commands[len(handler.commands)-1])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["version"]`)))
	frame = readFrame(t, conn)
	assert.Equal(t, "ok", frameTopic(t, frame))
	assert.Equal(t, `"test"`, string(frame[1]))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["boom"]`)))
	frame = readFrame(t, conn)
	assert.Equal(t, "error", frameTopic(t, frame))
}

func TestCommandChannel_MalformedFrame(t *testing.T) {
	_, _, srv := testHub(t)
	conn := dial(t, srv, "/command")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"not":"an array"}`)))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frameTopic(t, frame))
}

func TestCommandChannel_OrderedPerConnection(t *testing.T) {
	_, handler, srv := testHub(t)
	conn := dial(t, srv, "/command")

	for i := 0; i < 10; i++ {
		cmd := "play"
		if i%2 == 1 {
			cmd = "pause"
		}
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`["`+cmd+`"]`)))
		readFrame(t, conn)
	}
	require.Len(t, handler.commands, 10)
	for i, c := range handler.commands {
		want := "play"
		if i%2 == 1 {
			want = "pause"
		}
		assert.Equal(t, want, c[0])
	}
}
