package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-live/chat-sync/pkg/response"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id> [display-name]",
	Short: "Obtain a session from the development backend",
	Long: `token asks the development backend to sign a session for a user and
prints it as environment assignments for the run command.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		name := args[0]
		if len(args) == 2 {
			name = args[1]
		}
		tok, err := requestToken(cmd.Context(), cfg.Server.RESTBaseURL, args[0], name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "CHATSYNC_USER_ID=%s\nCHATSYNC_ID_TOKEN=%s\nCHATSYNC_ACCESS_TOKEN=%s\n", tok.UserID, tok.IDToken, tok.AccessToken)
		return nil
	},
}

type issuedToken struct {
	UserID      string    `json:"userId"`
	IDToken     string    `json:"idToken"`
	AccessToken string    `json:"accessToken"`
	Expiry      time.Time `json:"expiry"`
}

func requestToken(ctx context.Context, baseURL, userID, name string) (issuedToken, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := json.Marshal(map[string]string{"userId": userID, "name": name})
	if err != nil {
		return issuedToken{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/auth/token", bytes.NewReader(body))
	if err != nil {
		return issuedToken{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return issuedToken{}, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	var tok issuedToken
	if err := response.Decode(resp.Body, &tok); err != nil {
		return issuedToken{}, fmt.Errorf("request token: %w", err)
	}
	return tok, nil
}
