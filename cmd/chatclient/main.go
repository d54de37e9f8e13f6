package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ShreyashPG/Distributed-Chat-Application/internal/auth"
	"github.com/fasthttp/websocket"
)

// The node acknowledges a join with this log line.
const joinAckPrefix = "App is connected at "

type clientConfig struct {
	nodeURL   string
	user      string
	room      string
	role      string
	target    string
	broadcast bool
	message   string
	secretEnv string
	token     string
	timeout   time.Duration
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outgoing struct {
	Room      string `json:"room,omitempty"`
	Data      string `json:"data"`
	Type      string `json:"type"`
	Broadcast int    `json:"broadcast"`
	Unicast   bool   `json:"unicast"`
	ToUser    string `json:"toUser,omitempty"`
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("chat client failed: %v", err)
	}
	log.Printf("chat client %s (%s) completed in room %s", cfg.user, cfg.role, cfg.room)
}

func parseConfig() clientConfig {
	var cfg clientConfig
	flag.StringVar(&cfg.nodeURL, "node", "ws://127.0.0.1:8080/ws", "Websocket URL of the node")
	flag.StringVar(&cfg.user, "user", "alice", "Identity to connect as")
	flag.StringVar(&cfg.room, "room", "general", "Room to join")
	flag.StringVar(&cfg.role, "role", "sender", "Role for this client (sender|receiver)")
	flag.StringVar(&cfg.target, "to", "", "Send a unicast to this identity instead of the room")
	flag.BoolVar(&cfg.broadcast, "broadcast", false, "Send to every connection on every node")
	flag.StringVar(&cfg.message, "message", "hello from chatclient", "Text to send")
	flag.StringVar(&cfg.secretEnv, "secret-env", "JWT_SECRET", "Environment variable holding the signing secret")
	flag.StringVar(&cfg.token, "token", "", "Pre-issued token; overrides -secret-env")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Overall timeout for the flow")
	flag.Parse()

	switch cfg.role {
	case "sender", "receiver":
	default:
		log.Fatalf("unsupported role %s (expected sender or receiver)", cfg.role)
	}
	return cfg
}

func run(cfg clientConfig) error {
	token := cfg.token
	if token == "" {
		verifier, err := auth.NewVerifier(os.Getenv(cfg.secretEnv))
		if err != nil {
			return fmt.Errorf("token signer: %w", err)
		}
		if token, err = verifier.Issue(cfg.user, cfg.timeout); err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
	}

	u, err := url.Parse(cfg.nodeURL)
	if err != nil {
		return fmt.Errorf("parse node url: %w", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial node: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial node: %w", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(cfg.timeout))

	if err := send(conn, "join", map[string]string{"room": cfg.room, "user": cfg.user}); err != nil {
		return err
	}
	return handleFrames(conn, cfg)
}

func handleFrames(conn *websocket.Conn, cfg clientConfig) error {
	var (
		joined      bool
		sentMessage bool
	)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		log.Printf("%-9s %s", f.Event, f.Data)

		switch f.Event {
		case "log":
			var text string
			if err := json.Unmarshal(f.Data, &text); err == nil && strings.HasPrefix(text, joinAckPrefix) {
				joined = true
			}
		case "message":
			var msg struct {
				User string `json:"user"`
				Data string `json:"data"`
			}
			if err := json.Unmarshal(f.Data, &msg); err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			if cfg.role == "receiver" && msg.User != cfg.user {
				return nil
			}
			if cfg.role == "sender" && sentMessage && msg.User == cfg.user {
				return nil
			}
		case "error":
			return fmt.Errorf("error event: %s", f.Data)
		}

		if cfg.role == "sender" && joined && !sentMessage {
			if err := send(conn, "message", buildMessage(cfg)); err != nil {
				return err
			}
			sentMessage = true
		}
	}
}

func buildMessage(cfg clientConfig) outgoing {
	msg := outgoing{Room: cfg.room, Data: cfg.message, Type: "text"}
	switch {
	case cfg.broadcast:
		msg.Broadcast = 1
	case cfg.target != "":
		msg.Unicast = true
		msg.ToUser = cfg.target
	}
	return msg
}

func send(conn *websocket.Conn, event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	out, err := json.Marshal(frame{Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
		return fmt.Errorf("send %s: %w", event, err)
	}
	return nil
}
