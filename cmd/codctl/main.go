// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// codctl sends commands to a running codplayerd over its command channel
// and prints the reply.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var addr string

func main() {
	root := &cobra.Command{
		Use:   "codctl",
		Short: "Control a running codplayerd",
	}
	root.PersistentFlags().StringVarP(&addr, "addr", "a", "localhost:7705",
		"codplayerd bus address")

	simple := []struct {
		name  string
		short string
	}{
		{"play", "Start or resume playback"},
		{"pause", "Pause playback"},
		{"play_pause", "Toggle between play and pause"},
		{"stop", "Stop playback, keeping the disc loaded"},
		{"next", "Skip to the next track"},
		{"prev", "Skip to the previous track"},
		{"eject", "Stop and eject the disc"},
		{"insert", "Identify the inserted disc, rip and play it"},
		{"state", "Print the player state"},
		{"rip_state", "Print the rip progress"},
		{"source", "Print the source disc record"},
		{"version", "Print the daemon version"},
		{"quit", "Shut the daemon down"},
	}
	for _, c := range simple {
		name := c.name
		root.AddCommand(&cobra.Command{
			Use:   name,
			Short: c.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(name)
			},
		})
	}

	root.AddCommand(&cobra.Command{
		Use:   "play_track <number>",
		Short: "Play the given track",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send("play_track", args[0])
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "seek <seconds>",
		Short: "Seek within the current track",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send("seek", args[0])
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "disc <disc-id>",
		Short: "Load and play an archived disc",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return send("disc", args[0])
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func send(cmd string, args ...string) error {
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/command", nil)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	frame := make([]interface{}, 0, len(args)+1)
	frame = append(frame, cmd)
	for _, a := range args {
		frame = append(frame, a)
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(reply, &parts); err != nil || len(parts) == 0 {
		return fmt.Errorf("malformed reply %s", reply)
	}
	var kind string
	json.Unmarshal(parts[0], &kind)
	if kind == "error" {
		return fmt.Errorf("daemon: %s", parts[1])
	}

	out, _ := json.MarshalIndent(frameValue(parts), "", "  ")
	fmt.Println(string(out))
	return nil
}

func frameValue(parts []json.RawMessage) interface{} {
	if len(parts) < 2 {
		return "ok"
	}
	var v interface{}
	if err := json.Unmarshal(parts[1], &v); err != nil {
		return string(parts[1])
	}
	return v
}
