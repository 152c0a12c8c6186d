// Command bot is a BuddyChat bot that befriends whoever asks and answers
// their messages. Replies come from an Ollama model when one is configured,
// otherwise the bot echoes.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/aeolun/buddychat/pkg/botlib"
)

// historyLimit is how many messages of each conversation are sent to the model
const historyLimit = 10

// chatMessage is one turn of a conversation as the model sees it
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type ollamaResponse struct {
	Message chatMessage `json:"message"`
	Error   string      `json:"error,omitempty"`
}

// OllamaClient talks to an Ollama server's chat endpoint.
type OllamaClient struct {
	baseURL      string
	model        string
	systemPrompt string
	httpClient   *http.Client
}

func NewOllamaClient(baseURL, model, systemPrompt string) *OllamaClient {
	return &OllamaClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        model,
		systemPrompt: systemPrompt,
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
	}
}

func (o *OllamaClient) Complete(messages []chatMessage) (string, error) {
	if o.systemPrompt != "" {
		messages = append([]chatMessage{{Role: "system", Content: o.systemPrompt}}, messages...)
	}

	body, err := json.Marshal(ollamaRequest{Model: o.model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	resp, err := o.httpClient.Post(o.baseURL+"/api/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out ollamaResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama error: %s", out.Error)
	}
	return out.Message.Content, nil
}

// conversations keeps recent turns per friend.
type conversations struct {
	mu      sync.Mutex
	history map[string][]chatMessage
}

func (c *conversations) add(friendID string, msg chatMessage) []chatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	h := append(c.history[friendID], msg)
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	c.history[friendID] = h
	return append([]chatMessage(nil), h...)
}

func (c *conversations) reset(friendID string) {
	c.mu.Lock()
	delete(c.history, friendID)
	c.mu.Unlock()
}

func readPassword() (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no password given and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(pw), nil
}

func main() {
	server := flag.String("server", "localhost:6565", "Server address (host:port)")
	transport := flag.String("transport", "tcp", "Transport: 'tcp' or 'ws'")
	id := flag.String("id", "", "User ID to log in as (empty registers a new account)")
	password := flag.String("password", "", "Password (prompted when empty)")
	nickname := flag.String("nickname", "EchoBot", "Nickname used when registering")
	secret := flag.String("secret", os.Getenv("BUDDYCHAT_CRYPTO_SHARED_SECRET"), "Shared secret, if the server encrypts envelopes")
	autoAccept := flag.Bool("auto-accept", true, "Accept every friend request")
	ollamaURL := flag.String("ollama-url", "", "Ollama server URL (empty echoes instead)")
	model := flag.String("model", "llama3.2", "Ollama model")
	systemPrompt := flag.String("system", "", "System prompt (optional)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if *password == "" {
		pw, err := readPassword()
		if err != nil {
			logrus.Fatalf("Password: %v", err)
		}
		*password = pw
	}

	if *systemPrompt == "" {
		*systemPrompt = `You are a friendly contact in an instant messenger called BuddyChat.
Keep your answers short, a few sentences at most.
Don't use markdown formatting since the client doesn't render it.`
	}

	var llm *OllamaClient
	if *ollamaURL != "" {
		llm = NewOllamaClient(*ollamaURL, *model, *systemPrompt)
		logrus.Infof("Using Ollama backend: %s (model: %s)", *ollamaURL, *model)
	}
	history := &conversations{history: make(map[string][]chatMessage)}

	bot := botlib.New(botlib.Config{
		Server:       *server,
		Transport:    *transport,
		SharedSecret: *secret,
		UserID:       *id,
		Password:     *password,
		Nickname:     *nickname,
		AutoAccept:   *autoAccept,
	})

	bot.OnPresence(func(p *botlib.PresenceChange) {
		if !p.Online {
			history.reset(p.FriendID)
		}
	})

	bot.OnMessage(func(ctx *botlib.Context, msg *botlib.Message) {
		ctx.Log("Message from %s (%s): %s", msg.FromNickname, msg.FromID, msg.Text)

		if msg.IsCommand() {
			name, args := msg.Command()
			var reply string
			switch name {
			case "help":
				reply = "Commands: !help, !whoami, !time, !echo <text>, !reset"
			case "whoami":
				reply = fmt.Sprintf("You are %s (%s)", msg.FromNickname, msg.FromID)
			case "time":
				reply = time.Now().Format(time.RFC1123)
			case "echo":
				reply = args
			case "reset":
				history.reset(msg.FromID)
				reply = "Conversation forgotten."
			default:
				reply = fmt.Sprintf("Unknown command %q, try !help", name)
			}
			if err := ctx.Reply(reply); err != nil {
				ctx.Log("Failed to reply: %v", err)
			}
			return
		}

		if llm == nil {
			if err := ctx.Reply(msg.Text); err != nil {
				ctx.Log("Failed to reply: %v", err)
			}
			return
		}

		turns := history.add(msg.FromID, chatMessage{Role: "user", Content: msg.Text})
		response, err := llm.Complete(turns)
		if err != nil {
			ctx.Log("LLM error: %v", err)
			ctx.Reply("Sorry, I encountered an error. Please try again.")
			return
		}
		history.add(msg.FromID, chatMessage{Role: "assistant", Content: response})

		if err := ctx.Reply(response); err != nil {
			ctx.Log("Failed to reply: %v", err)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logrus.Infof("Starting bot on %s (%s)", *server, *transport)
	if err := bot.Run(ctx); err != nil {
		logrus.Fatalf("Bot error: %v", err)
	}
}
