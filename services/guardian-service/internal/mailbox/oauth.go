package mailbox

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// GmailModifyScope allows reading, labelling and sending mail.
const GmailModifyScope = "https://www.googleapis.com/auth/gmail.modify"

// TokenRefresher exchanges a refresh token for a fresh access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// OAuthRefresher refreshes Google OAuth2 tokens.
type OAuthRefresher struct {
	config *oauth2.Config
}

// NewOAuthRefresher creates a refresher for the given OAuth client.
// An empty tokenURL selects Google's endpoint.
func NewOAuthRefresher(clientID, clientSecret, redirectURL, tokenURL string) *OAuthRefresher {
	endpoint := google.Endpoint
	if tokenURL != "" {
		endpoint.TokenURL = tokenURL
	}
	return &OAuthRefresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{GmailModifyScope},
		},
	}
}

// Refresh implements TokenRefresher. The returned token keeps the old
// refresh token when the provider does not rotate it.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	return tok, nil
}
