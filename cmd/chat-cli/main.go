// Command chat-cli is a small interactive terminal client. It logs in (or
// registers) through the REST API, opens the WebSocket session, and turns
// stdin lines into chat commands.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parley/chat-app/internal/api"
	"github.com/parley/chat-app/internal/client"
)

func main() {
	var (
		serverURL = flag.String("server", "http://localhost:8080", "chat server base URL")
		username  = flag.String("user", "", "username")
		password  = flag.String("pass", "", "password")
		register  = flag.Bool("register", false, "create the account before logging in")
		tokenFile = flag.String("token-file", defaultTokenPath(), "file used to persist the auth token")
	)
	flag.Parse()

	if *username == "" || *password == "" {
		log.Fatal("both -user and -pass are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	restClient := api.New(*serverURL)
	var (
		result *api.LoginResult
		err    error
	)
	if *register {
		result, err = restClient.Register(ctx, *username, *password)
	} else {
		result, err = restClient.Login(ctx, *username, *password)
	}
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}
	restClient.SetToken(result.Token)
	log.Printf("logged in as %s (id=%d)", *username, result.UserID)

	session := client.NewSession(client.Config{
		ServerURL: wsURL(*serverURL),
		Storage:   client.NewFileTokenStorage(*tokenFile),
	})

	session.OnMessage(func(id client.ConversationID, msg client.Message) {
		fmt.Printf("[%s] %s: %s\n", id, msg.SenderID, msg.Content)
	})

	session.SetCredentials(&client.Credentials{
		Token:  result.Token,
		UserID: *username,
	})

	fmt.Println("commands: /join <room>, /leave <room>, /pm <user> <text>, /open <user>, /rooms, /users, /quit")
	fmt.Println("anything else is sent to the room you joined last")

	currentRoom := ""
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			session.SetCredentials(nil)
			return

		case strings.HasPrefix(line, "/join "):
			room := strings.TrimSpace(strings.TrimPrefix(line, "/join "))
			if err := session.JoinRoom(room); err != nil {
				fmt.Printf("join failed: %v\n", err)
				continue
			}
			currentRoom = room
			fmt.Printf("joined %s\n", room)

		case strings.HasPrefix(line, "/leave "):
			room := strings.TrimSpace(strings.TrimPrefix(line, "/leave "))
			if err := session.LeaveRoom(room); err != nil {
				fmt.Printf("leave failed: %v\n", err)
				continue
			}
			if room == currentRoom {
				currentRoom = ""
			}
			fmt.Printf("left %s\n", room)

		case strings.HasPrefix(line, "/pm "):
			rest := strings.TrimPrefix(line, "/pm ")
			target, text, ok := strings.Cut(rest, " ")
			if !ok {
				fmt.Println("usage: /pm <user> <text>")
				continue
			}
			if err := session.SendPrivateMessage(target, text); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}

		case strings.HasPrefix(line, "/open "):
			target := strings.TrimSpace(strings.TrimPrefix(line, "/open "))
			if err := session.StartPrivateChat(target); err != nil {
				fmt.Printf("open failed: %v\n", err)
			}

		case line == "/rooms":
			listCtx, listCancel := context.WithTimeout(context.Background(), 5*time.Second)
			rooms, err := restClient.Rooms(listCtx)
			listCancel()
			if err != nil {
				fmt.Printf("rooms failed: %v\n", err)
				continue
			}
			for _, room := range rooms {
				fmt.Println(" ", room)
			}

		case line == "/users":
			for _, user := range session.ActiveUsers() {
				fmt.Println(" ", user)
			}

		default:
			if currentRoom == "" {
				fmt.Println("join a room first with /join <room>")
				continue
			}
			if err := session.SendRoomMessage(currentRoom, line); err != nil {
				fmt.Printf("send failed: %v\n", err)
			}
		}
	}
}

// wsURL derives the WebSocket endpoint from the REST base URL.
func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimSuffix(base, "/") + "/ws"
}

func defaultTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parley-token"
	}
	return filepath.Join(home, ".parley-token")
}
