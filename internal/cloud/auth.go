package cloud

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// API paths.
const (
	pathSession = "/api/app/session/"
	pathRefresh = "/api/app/session/refresh"
	pathCaptcha = "/api/app/captcha"
)

// registrationID is the push registration id sent by the vendor app.
const registrationID = "140fe1da9f81611e292"

// Verify selects the login method.
type Verify string

// Login methods.
const (
	VerifyPassword Verify = "password"
	VerifyCaptcha  Verify = "captcha"
)

// Tokens is the result of a login or refresh.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	// ExpiresIn is zero when the backend did not say.
	ExpiresIn time.Duration
}

type loginRequest struct {
	Account        string `json:"account"`
	Language       string `json:"language"`
	Pin            string `json:"pin"`
	RegistrationID string `json:"registrationId"`
	System         string `json:"system"`
	Verify         Verify `json:"verify"`
}

type tokenData struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	UserID       flexString `json:"userID"`
	ExpiresIn    flexFloat  `json:"expiresIn"`
}

func (d tokenData) tokens() Tokens {
	t := Tokens{
		AccessToken:  d.AccessToken,
		RefreshToken: d.RefreshToken,
		UserID:       string(d.UserID),
	}
	if d.ExpiresIn.Valid && d.ExpiresIn.Value > 0 {
		t.ExpiresIn = time.Duration(d.ExpiresIn.Value) * time.Second
	}
	return t
}

// Login authenticates account (a normalized phone number) with a password
// or an SMS code. Any rejection by the backend is an *AuthError.
func (c *Client) Login(ctx context.Context, verify Verify, account, secret string) (Tokens, error) {
	const op = "login"
	if secret == "" {
		return Tokens{}, &AuthError{Op: op, Message: "empty " + string(verify)}
	}

	var env envelope
	err := c.do(ctx, op, http.MethodPost, pathSession, "", nil, loginRequest{
		Account:        account,
		Language:       c.opts.Language,
		Pin:            secret,
		RegistrationID: registrationID,
		System:         "android",
		Verify:         verify,
	}, &env)
	if err != nil {
		return Tokens{}, errorsAsAuth(op, err)
	}

	var data tokenData
	if err := decodeData(op, &env, &data); err != nil {
		return Tokens{}, err
	}
	if data.AccessToken == "" {
		return Tokens{}, &AuthError{Op: op, Message: "no access token in response"}
	}
	return data.tokens(), nil
}

// Refresh exchanges a refresh token for new tokens. A rejected refresh
// token is an *AuthError; the caller should fall back to Login.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (Tokens, error) {
	const op = "refresh"
	if refreshToken == "" {
		return Tokens{}, &AuthError{Op: op, Message: "no refresh token"}
	}

	var env envelope
	err := c.do(ctx, op, http.MethodPost, pathRefresh, "", nil, map[string]string{
		"refreshToken": refreshToken,
	}, &env)
	if err != nil {
		return Tokens{}, errorsAsAuth(op, err)
	}

	var data tokenData
	if err := decodeData(op, &env, &data); err != nil {
		return Tokens{}, err
	}
	if data.AccessToken == "" {
		return Tokens{}, &AuthError{Op: op, Message: "no access token in response"}
	}
	if data.RefreshToken == "" {
		data.RefreshToken = refreshToken
	}
	return data.tokens(), nil
}

// RequestCode asks the backend to send a login SMS code to account.
// Returns an error wrapping ErrRateLimited when asked again too soon.
func (c *Client) RequestCode(ctx context.Context, account string) error {
	const op = "request_code"
	var env envelope
	err := c.do(ctx, op, http.MethodPost, pathCaptcha, "", nil, map[string]string{
		"account":     account,
		"accountType": "mobile",
		"areaCode":    "+86",
		"captchaType": "login",
	}, &env)
	if err != nil {
		return fmt.Errorf("requesting code: %w", err)
	}
	return nil
}
