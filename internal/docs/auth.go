// Package docs appends transcript text to the end of a Google Docs document.
package docs

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gdocs "google.golang.org/api/docs/v1"
)

// Prompt shows the authorization URL to the user and returns the code they paste back.
type Prompt func(authURL string) (string, error)

// TerminalPrompt asks for the authorization code on the terminal.
func TerminalPrompt(in io.Reader, out io.Writer) Prompt {
	return func(authURL string) (string, error) {
		fmt.Fprintln(out, "Authorize this app by visiting this url:", authURL)
		fmt.Fprint(out, "Enter the code from that page here: ")
		code, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && code == "" {
			return "", fmt.Errorf("read authorization code: %w", err)
		}
		return strings.TrimSpace(code), nil
	}
}

// Authorize returns an HTTP client authorized for the Docs API. The OAuth token
// is read from tokenFile; when that fails the interactive flow runs once and
// the resulting token is saved there for later runs.
func Authorize(ctx context.Context, secretFile, tokenFile string, prompt Prompt) (*http.Client, error) {
	secret, err := os.ReadFile(secretFile)
	if err != nil {
		return nil, fmt.Errorf("read client secret %s: %w", secretFile, err)
	}
	cfg, err := google.ConfigFromJSON(secret, gdocs.DocumentsScope)
	if err != nil {
		return nil, fmt.Errorf("parse client secret: %w", err)
	}

	tok, err := loadToken(tokenFile)
	if err != nil {
		log.Info().Err(err).Str("tokenFile", tokenFile).Msg("No cached token; starting authorization flow")
		tok, err = authorizeInteractive(ctx, cfg, prompt)
		if err != nil {
			return nil, err
		}
		if err := saveToken(tokenFile, tok); err != nil {
			return nil, err
		}
	}
	return cfg.Client(ctx, tok), nil
}

func authorizeInteractive(ctx context.Context, cfg *oauth2.Config, prompt Prompt) (*oauth2.Token, error) {
	if prompt == nil {
		return nil, fmt.Errorf("no cached token and no way to prompt for authorization")
	}
	code, err := prompt(cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline))
	if err != nil {
		return nil, err
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tok := &oauth2.Token{}
	if err := json.Unmarshal(data, tok); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", path, err)
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("save token %s: %w", path, err)
	}
	log.Info().Str("tokenFile", path).Msg("Saved authorization token")
	return nil
}
