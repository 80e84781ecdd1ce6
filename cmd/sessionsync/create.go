package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/astromechza/session-sync/pkg/session"
)

func newCreateCmd() *cobra.Command {
	var serverURL, name, creator, token string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a session on a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			baseURL, err := url.Parse(serverURL)
			if err != nil {
				return err
			}
			body, err := json.Marshal(map[string]string{"sessionName": name, "creatorId": creator})
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, baseURL.JoinPath("sessions").String(), bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("failed to post: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
			}
			var created session.Session
			if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			slog.Info("created session", "session", created.ID, "name", created.Name)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "base url of the server")
	cmd.Flags().StringVar(&name, "name", "", "session name")
	cmd.Flags().StringVar(&creator, "creator", "", "id of the creating user")
	cmd.Flags().StringVar(&token, "token", "", "bearer token when the server has auth enabled")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}
