package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/wirechat-relay/internal/proto"
)

// ws_smoke subscribes a listener and a sender to one group, sends a message and
// waits for the listener to receive the broadcast. The group must already exist
// with both users as members.
func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	addr := flag.String("addr", "ws://localhost:8080/ws", "WebSocket address")
	group := flag.String("group", "general", "group id")
	sender := flag.String("sender", "alice", "sending user id")
	listener := flag.String("listener", "bob", "listening user id")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	listen, err := dialAndSubscribe(ctx, *addr, *group, *listener)
	if err != nil {
		return fmt.Errorf("listener: %w", err)
	}
	defer listen.Close(websocket.StatusNormalClosure, "bye")

	send, err := dialAndSubscribe(ctx, *addr, *group, *sender)
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	defer send.Close(websocket.StatusNormalClosure, "bye")

	if err := wsjson.Write(ctx, send, proto.Inbound{
		Action:  proto.ActionSendMessage,
		GroupID: *group,
		UserID:  *sender,
		Message: *text,
	}); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	var resp proto.Response
	if err := wsjson.Read(ctx, send, &resp); err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	fmt.Printf("Response: status=%d message=%q\n", resp.StatusCode, resp.Body.Message)
	if resp.StatusCode != 200 {
		return fmt.Errorf("relay rejected message")
	}

	var env proto.Envelope
	if err := wsjson.Read(ctx, listen, &env); err != nil {
		return fmt.Errorf("read broadcast: %w", err)
	}
	fmt.Printf("Broadcast: action=%s group=%s messages=%d\n", env.Action, env.GroupID, len(env.Messages))
	for _, m := range env.Messages {
		fmt.Printf("  %s %s: %q\n", m.Timestamp, m.UserID, m.Message)
	}
	if env.Message != nil {
		fmt.Printf("  %s %s: %q\n", env.Message.Timestamp, env.Message.UserID, env.Message.Message)
	}
	return nil
}

func dialAndSubscribe(ctx context.Context, addr, group, user string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if err := wsjson.Write(ctx, conn, proto.Inbound{Action: proto.ActionSubscribe, GroupID: group, UserID: user}); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	var reply map[string]any
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("read subscribe reply: %w", err)
	}
	if reply["action"] != proto.ActionSubscribed {
		conn.CloseNow()
		return nil, fmt.Errorf("subscribe rejected: %v", reply)
	}
	fmt.Printf("Subscribed %s to %s as %v\n", user, group, reply["connectionId"])
	return conn, nil
}
