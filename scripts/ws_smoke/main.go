// Manual smoke client for the chat websocket: dials the endpoint with a
// token, prints every inbound frame, and sends each stdin line as a message
// to the given channel. Useful for poking a server without the full TUI.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/portalhq/portalchat/internal/proto"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "portal base URL")
	token := flag.String("token", "", "access token")
	channel := flag.String("channel", "", "channel id for outgoing messages")
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "usage: ws_smoke --token <token> [--channel <id>]")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := strings.TrimRight(*server, "/")
	url = strings.Replace(url, "http://", "ws://", 1)
	url = strings.Replace(url, "https://", "wss://", 1)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+*token)
	ws, _, err := websocket.Dial(ctx, url+"/ws/chat", &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	fmt.Println("connected to", url+"/ws/chat")

	go func() {
		for {
			_, data, err := ws.Read(ctx)
			if err != nil {
				fmt.Fprintln(os.Stderr, "read:", err)
				cancel()
				return
			}
			fmt.Println("<<", string(data))
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if *channel == "" {
			fmt.Fprintln(os.Stderr, "no --channel set, dropping input")
			continue
		}
		if err := wsjson.Write(ctx, ws, proto.NewSendMessage(*channel, line, "", "")); err != nil {
			fmt.Fprintln(os.Stderr, "write:", err)
			return
		}
	}
}
