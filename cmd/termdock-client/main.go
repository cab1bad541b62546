// WebSocket client for exercising a termdock host from a terminal.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/termdock/termdock/pkg/client"
	"github.com/termdock/termdock/pkg/logger"
	"github.com/termdock/termdock/pkg/stream"
)

func main() {
	var (
		host    = flag.String("host", "localhost:8090", "Host daemon host:port")
		token   = flag.String("token", "", "Bearer token (or TERMDOCK_TOKEN)")
		session = flag.String("session", "", "Stream id to subscribe to on connect")
		secure  = flag.Bool("secure", false, "Use WSS instead of WS")
	)
	flag.Parse()

	if *token == "" {
		*token = os.Getenv("TERMDOCK_TOKEN")
	}

	if *token == "" {
		log.Fatal("Bearer token required: provide via -token flag or TERMDOCK_TOKEN environment variable")
	}

	scheme := "ws"
	if *secure {
		scheme = "wss"
	}

	u := url.URL{Scheme: scheme, Host: *host, Path: "/ws"}
	if *session != "" {
		u.Path = "/ws/sessions/" + *session
	}

	lg, err := logger.New(context.Background(), logger.DefaultConfig())
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	r := client.New(client.Config{
		URL:   u.String(),
		Token: *token,
	}, lg,
		client.WithMessageHandler(printMessage),
		client.WithStateHandler(func(s client.State) {
			fmt.Fprintf(os.Stderr, "-- %s\n", s)
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go readStdin(r, *session, cancel)

	if err := r.Run(ctx); err != nil {
		log.Fatalf("Connection failed: %v", err)
	}
}

func printMessage(msg stream.Message) {
	switch msg.Type {
	case stream.TypeData:
		fmt.Print(msg.Data)
	case stream.TypeExit:
		code := -1
		if msg.ExitCode != nil {
			code = *msg.ExitCode
		}

		fmt.Fprintf(os.Stderr, "-- session %s exited with code %d\n", msg.StreamID, code)
	case stream.TypeError:
		fmt.Fprintf(os.Stderr, "-- error: %s\n", msg.Error)
	}
}

// readStdin forwards typed lines as session input; "/quit" disconnects.
func readStdin(r *client.Reconnector, session string, cancel context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "/quit" {
			r.Close()
			cancel()

			return
		}

		msg := stream.Message{
			Type:      stream.TypeWrite,
			StreamID:  session,
			Data:      line + "\n",
			Timestamp: time.Now(),
		}
		if err := r.Send(msg); err != nil {
			fmt.Fprintf(os.Stderr, "-- send failed: %v\n", err)
		}
	}
}
