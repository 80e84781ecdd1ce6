package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/astromechza/session-sync/pkg/protocol"
)

type watchOptions struct {
	serverURL string
	sessionID string
	userID    string
	username  string
	text      string
	token     string
}

func newWatchCmd() *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a session and log every event it receives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watch(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.serverURL, "server", "http://127.0.0.1:8080", "base url of the server")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session to join")
	cmd.Flags().StringVar(&opts.userID, "user", fmt.Sprintf("watcher-%d", os.Getpid()), "participant id")
	cmd.Flags().StringVar(&opts.username, "name", "watcher", "display name")
	cmd.Flags().StringVar(&opts.text, "text", "", "send this text update once joined")
	cmd.Flags().StringVar(&opts.token, "token", "", "bearer token when the server has auth enabled")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func wsURL(serverURL, token string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u = u.JoinPath("ws")
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func watch(ctx context.Context, opts watchOptions) error {
	target, err := wsURL(opts.serverURL, opts.token)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()
	slog.Info("connected", "url", opts.serverURL)

	var writeMu sync.Mutex
	send := func(msg protocol.Inbound) error {
		raw, err := protocol.Encode(msg)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, raw)
	}
	if err := send(protocol.JoinSession{SessionID: opts.sessionID, UserID: opts.userID, Username: opts.username}); err != nil {
		return fmt.Errorf("failed to join: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg := new(sync.WaitGroup)
	var readErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		sentText := opts.text == ""
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
					readErr = fmt.Errorf("failed to read: %w", err)
				}
				return
			}
			var env protocol.Envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				slog.Warn("undecodable message", "err", err)
				continue
			}
			slog.Info("received", "event", env.Event, "data", string(env.Data))
			switch env.Event {
			case protocol.KindSessionError:
				var p protocol.ErrorPayload
				_ = json.Unmarshal(env.Data, &p)
				if p.Code == protocol.ErrorNotFound || p.Code == protocol.ErrorUnavailable {
					readErr = fmt.Errorf("failed to join: %s", p.Message)
					return
				}
			case protocol.KindSessionData:
				if !sentText {
					sentText = true
					if err := send(protocol.TextUpdate{SessionID: opts.sessionID, Text: opts.text, UserID: opts.userID}); err != nil {
						slog.Error("failed to send text update", "err", err)
					}
				}
			}
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(exit)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()

	_ = send(protocol.LeaveSession{SessionID: opts.sessionID, UserID: opts.userID, Username: opts.username})
	writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	writeMu.Unlock()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	wg.Wait()
	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		return readErr
	}
	return nil
}
