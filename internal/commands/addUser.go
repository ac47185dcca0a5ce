package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"parley/internal/api"

	"github.com/spf13/cobra"
)

func NewAddUserCommand(rootOpts *RootOptions) *cobra.Command {
	var displayName string

	cmd := &cobra.Command{
		Use:          "add-user <id>",
		Short:        "Create a user and print a session token for it",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := AddUser(rootOpts.AdminAddr, args[0], displayName)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\nUser Created Successfully!\n")
			fmt.Fprintf(out, "User ID:      %s\n", result.UserID)
			fmt.Fprintf(out, "Token:        %s\n", result.Token)
			fmt.Fprintf(out, "Expires:      %s\n\n", time.Unix(result.TokenExpiry, 0).Format(time.RFC3339))
			fmt.Fprintf(out, "Connect with: parleyctl chat --user %s --token %s\n", result.UserID, result.Token)
			return nil
		},
	}

	cmd.Flags().StringVar(&displayName, "display-name", "", "display name (defaults to the id)")
	return cmd
}

// AddUser calls the admin API of a running server.
func AddUser(adminAddr, userID, displayName string) (api.AddUserResponse, error) {
	reqBody, err := json.Marshal(api.AddUserRequest{ID: userID, DisplayName: displayName})
	if err != nil {
		return api.AddUserResponse{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users", adminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return api.AddUserResponse{}, fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return api.AddUserResponse{}, fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return api.AddUserResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return result, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
