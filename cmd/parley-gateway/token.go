// ABOUTME: Development token minting and the realtime watch command
// ABOUTME: token signs a JWT with the configured secret; watch prints pushes for one user

package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/fatih/color"

	"github.com/2389/parley-gateway/internal/auth"
	"github.com/2389/parley-gateway/internal/client"
	"github.com/2389/parley-gateway/internal/config"
	"github.com/2389/parley-gateway/internal/realtime"
)

func runToken(args []string) error {
	flags, err := parseFlags(args, "email", "user-id", "ttl")
	if err != nil {
		return err
	}

	email := auth.NormalizeEmail(flags["email"])
	if email == "" {
		return fmt.Errorf("--email flag is required")
	}
	userID := flags["user-id"]
	if userID == "" {
		userID = email
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured; the gateway accepts X-User-Email instead")
	}

	ttl := cfg.Auth.TokenTTL
	if raw := flags["ttl"]; raw != "" {
		if ttl, err = time.ParseDuration(raw); err != nil || ttl <= 0 {
			return fmt.Errorf("invalid --ttl %q", raw)
		}
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(auth.Identity{UserID: userID, Email: email}, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// watchURL builds the websocket URL for email, carrying the token in the query when set.
func watchURL(httpAddr, email, token string) string {
	q := url.Values{}
	if token != "" {
		q.Set(auth.QueryToken, token)
	} else {
		q.Set(auth.QueryEmail, email)
	}
	u := url.URL{Scheme: "ws", Host: httpAddr, Path: "/ws", RawQuery: q.Encode()}
	return u.String()
}

func runWatch(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "email", "token")
	if err != nil {
		return err
	}
	email := auth.NormalizeEmail(flags["email"])
	if email == "" && flags["token"] == "" {
		return fmt.Errorf("--email or --token is required")
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	rc := client.NewRealtimeClient(client.RealtimeConfig{
		URL: watchURL(cfg.Server.HTTPAddr, email, flags["token"]),
	}, logger)

	gray := color.New(color.FgHiBlack)
	rc.OnStatus(func(s client.Status) {
		gray.Printf("-- %s\n", s)
	})

	done := make(chan error, 1)
	go func() { done <- rc.Run(ctx) }()

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	for ev := range rc.Events() {
		ts := time.Now().Format("15:04:05")
		switch ev.Type {
		case realtime.FrameNewMessage:
			m := ev.NewMessage
			green.Printf("%s %s ", ts, m.MessageType)
			fmt.Printf("from %s in %s (seq %d), next turn: %s\n", m.SenderName, m.ConversationID, m.Seq, m.CurrentTurn)
		case realtime.FrameConnectionUpdate:
			u := ev.ConnectionUpdate
			cyan.Printf("%s connection ", ts)
			fmt.Printf("%s is %s (%s -> %s)\n", u.ConnectionID, u.Status, u.InviterEmail, u.InviteeEmail)
		}
	}
	return <-done
}
