package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pulsegram/realtime/internal/auth"
	"github.com/pulsegram/realtime/internal/domain"
	"github.com/pulsegram/realtime/pkg/client"
)

var (
	addr   = flag.String("addr", "localhost:8080", "http service address")
	room   = flag.String("room", "general", "room to join")
	secret = flag.String("secret", "dev-secret", "jwt secret for local token minting")
)

func main() {
	flag.Parse()

	username := getUsername()

	token, err := auth.NewJWTVerifier(*secret).Issue(username, 24*time.Hour)
	if err != nil {
		log.Fatalf("Failed to mint token: %v", err)
	}

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws"}
	c := client.New(client.Options{URL: u.String(), Token: token})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Connection loop ended: %v", err)
		}
	}()
	go printEvents(c, username)

	// give the first dial a beat before the join
	time.Sleep(300 * time.Millisecond)
	if err := c.Join(*room); err != nil {
		log.Printf("Join will be retried on reconnect: %v", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	fmt.Printf("Joined %s. Write messages (Enter to send, /quit to exit):\n", *room)
	writeMessages(c, interrupt, done)

	cancel()
	c.Close()
	<-done
}

func getUsername() string {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("Enter your username: ")
	scanner.Scan()
	return scanner.Text()
}

func printEvents(c *client.Client, username string) {
	for env := range c.Events() {
		switch env.Type {
		case domain.EventMessage:
			if env.Message != nil && env.Message.Sender != username {
				fmt.Printf("[%s] %s: %s\n", env.Message.SentAt.Format("15:04:05"), env.Message.Sender, env.Message.Content)
			}
		case domain.EventPresence:
			if env.Presence != nil {
				fmt.Printf("* %s is %s\n", env.Presence.User, env.Presence.Status)
			}
		case domain.EventTyping:
			if env.Typing {
				fmt.Printf("* %s is typing...\n", env.User)
			}
		case domain.EventRoomJoined:
			fmt.Printf("* members: %s\n", strings.Join(env.Members, ", "))
		case domain.EventError:
			fmt.Printf("! error (%s): %s\n", env.Code, env.Error)
		}
	}
}

func writeMessages(c *client.Client, interrupt chan os.Signal, done chan struct{}) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, err := c.Send(*room, line); err != nil {
				log.Printf("Send failed, will stay pending for retry: %v", err)
			}
		case <-interrupt:
			log.Println("Interrupt received, closing connection...")
			return
		case <-done:
			return
		}
	}
}
