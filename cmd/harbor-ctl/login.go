package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/l8e-harbor/l8e-harbor/internal/model"
)

func newLoginCmd() *cobra.Command {
	var username, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and cache a token locally",
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" {
				return fmt.Errorf("--username is required")
			}
			if password == "" {
				fmt.Fprint(os.Stderr, "Password: ")
				raw, err := term.ReadPassword(int(syscall.Stdin))
				fmt.Fprintln(os.Stderr)
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}
				password = string(raw)
			}

			c := newClient()

			// Transient connection errors retry with exponential backoff;
			// a definitive server answer (wrong password, 501) does not.
			var resp model.LoginResponse
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxInterval = 10 * time.Second
			bo.MaxElapsedTime = 30 * time.Second

			err := backoff.Retry(func() error {
				data, err := c.post("/api/v1/auth/login", map[string]string{
					"username": username,
					"password": password,
				})
				if err != nil {
					var apiErr *apiError
					if errors.As(err, &apiErr) {
						return backoff.Permanent(err)
					}
					return err
				}
				return json.Unmarshal(data, &resp)
			}, bo)
			if err != nil {
				return err
			}

			creds := &credentials{
				Server:    c.server,
				Token:     resp.AccessToken,
				ExpiresAt: time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second),
			}
			if err := saveCredentials(creds); err != nil {
				return fmt.Errorf("save credentials: %w", err)
			}

			fmt.Printf("Logged in to %s as %s (token expires %s)\n",
				c.server, username, creds.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (prompted when omitted)")
	return cmd
}
