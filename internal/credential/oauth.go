package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/spotify"
)

// OAuthRefresher refreshes tokens with golang.org/x/oauth2.
type OAuthRefresher struct {
	config *oauth2.Config
	client *http.Client
}

// NewOAuthRefresher creates a refresher for one provider's token endpoint.
// client may be nil to use http.DefaultClient.
func NewOAuthRefresher(clientID, clientSecret string, endpoint oauth2.Endpoint, client *http.Client) *OAuthRefresher {
	return &OAuthRefresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
		},
		client: client,
	}
}

// SpotifyRefresher refreshes against the Spotify accounts service.
func SpotifyRefresher(clientID, clientSecret string, client *http.Client) *OAuthRefresher {
	return NewOAuthRefresher(clientID, clientSecret, spotify.Endpoint, client)
}

// GoogleRefresher refreshes against Google's OAuth 2.0 endpoint.
func GoogleRefresher(clientID, clientSecret string, client *http.Client) *OAuthRefresher {
	return NewOAuthRefresher(clientID, clientSecret, google.Endpoint, client)
}

type issuedToken struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	Scope        string    `json:"scope,omitempty"`
}

func (o *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if o.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.client)
	}
	// An already-expired token forces the source to hit the token endpoint.
	src := o.config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return Token{}, fmt.Errorf("token endpoint returned %d: %w", re.Response.StatusCode, err)
		}
		return Token{}, fmt.Errorf("refreshing token: %w", err)
	}

	scope, _ := tok.Extra("scope").(string)
	raw, err := json.Marshal(issuedToken{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Scope:        scope,
	})
	if err != nil {
		return Token{}, fmt.Errorf("encoding issued token: %w", err)
	}

	return Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		Raw:          string(raw),
	}, nil
}
