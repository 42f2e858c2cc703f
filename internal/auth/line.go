package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"rentwatch/internal/config"
)

const (
	lineIssuer       = "https://access.line.me"
	lineAuthorizeURL = "https://access.line.me/oauth2/v2.1/authorize"
	lineTokenURL     = "https://api.line.me/oauth2/v2.1/token"

	// CallbackPath is where LINE redirects after consent.
	CallbackPath = "/api/v1/auth/line/callback"
)

// LineLogin wraps the OAuth 2.0 flow for LINE Login.
type LineLogin struct {
	config        *oauth2.Config
	channelID     string
	channelSecret []byte
}

// LineProfile is the subset of id_token claims we keep.
type LineProfile struct {
	UserID  string
	Name    string
	Email   string
	Picture string
}

type lineClaims struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

func NewLineLogin(cfg *config.Config) (*LineLogin, error) {
	if cfg.LoginChannelID == "" || cfg.LoginChannelSecret == "" {
		return nil, errors.New("line login channel not configured")
	}

	return &LineLogin{
		config: &oauth2.Config{
			ClientID:     cfg.LoginChannelID,
			ClientSecret: cfg.LoginChannelSecret,
			RedirectURL:  strings.TrimSuffix(cfg.AppURL, "/") + CallbackPath,
			Scopes:       []string{"profile", "openid", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   lineAuthorizeURL,
				TokenURL:  lineTokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		channelID:     cfg.LoginChannelID,
		channelSecret: []byte(cfg.LoginChannelSecret),
	}, nil
}

// AuthCodeURL returns the LINE authorization URL for the provided state token.
func (l *LineLogin) AuthCodeURL(state string) string {
	return l.config.AuthCodeURL(state)
}

// Exchange trades the authorization code for tokens and returns the profile
// carried by the verified id_token.
func (l *LineLogin) Exchange(ctx context.Context, code string) (*LineProfile, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("empty authorization code")
	}

	token, err := l.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}

	raw, ok := token.Extra("id_token").(string)
	if !ok || raw == "" {
		return nil, errors.New("token response missing id_token")
	}
	return l.VerifyIDToken(raw)
}

// VerifyIDToken checks an HS256 id_token signed with the channel secret.
func (l *LineLogin) VerifyIDToken(raw string) (*LineProfile, error) {
	claims := &lineClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return l.channelSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(lineIssuer),
		jwt.WithAudience(l.channelID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify id_token: %w", err)
	}

	if claims.Subject == "" {
		return nil, errors.New("id_token missing subject")
	}

	return &LineProfile{
		UserID:  claims.Subject,
		Name:    claims.Name,
		Email:   claims.Email,
		Picture: claims.Picture,
	}, nil
}
