package mxclient

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/n42blockchain/matrixcore/matrixerr"
)

// generateDeviceID mints a random device ID for a brand new account, in the
// same short-hex-suffix shape the teacher's bridge used for its own
// synthetic device IDs.
func generateDeviceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return "MATRIXCORE_" + strings.ToUpper(hex.EncodeToString(b)[:8])
}

type loginRequest struct {
	Type                     string          `json:"type"`
	Identifier               loginIdentifier `json:"identifier"`
	Password                 string          `json:"password,omitempty"`
	Token                    string          `json:"token,omitempty"`
	DeviceID                 string          `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
}

type loginIdentifier struct {
	Type    string `json:"type"`
	User    string `json:"user,omitempty"`
	Medium  string `json:"medium,omitempty"`
	Address string `json:"address,omitempty"`
}

type loginResponse struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
	WellKnown   *struct {
		Homeserver struct {
			BaseURL string `json:"base_url"`
		} `json:"m.homeserver"`
	} `json:"well_known"`
}

// passwordLogin performs POST /_matrix/client/r0/login with
// type=m.login.password and an m.id.user identifier (spec §4.6 "Password
// login"). On success it returns the homeserver-assigned user ID, access
// token and device ID (the device ID we requested if the homeserver honors
// it, otherwise one it minted itself).
func (a *httpAPI) passwordLogin(ctx context.Context, username, password, deviceID, displayName string) (*loginResponse, error) {
	req := loginRequest{
		Type: "m.login.password",
		Identifier: loginIdentifier{
			Type: "m.id.user",
			User: username,
		},
		Password:                 password,
		DeviceID:                 deviceID,
		InitialDeviceDisplayName: displayName,
	}
	var resp loginResponse
	if err := a.do(ctx, http.MethodPost, "/_matrix/client/r0/login", nil, req, &resp); err != nil {
		return nil, classifyLoginError(err)
	}
	return &resp, nil
}

// classifyLoginError narrows a generic Matrix protocol error from /login
// into the CodeBadPassword local error spec §7 names for credential
// rejection, leaving every other error kind untouched.
func classifyLoginError(err error) error {
	me, ok := err.(*matrixerr.Error)
	if !ok || me.Matrix == nil {
		return err
	}
	switch me.Matrix.ErrCode {
	case "M_FORBIDDEN", "M_UNKNOWN":
		return matrixerr.New(matrixerr.KindLocal, matrixerr.CodeBadPassword, err)
	default:
		return err
	}
}

// resolveHomeserver implements spec §4.6's "Get homeserver" step: the
// caller-supplied string is either already an https:// base URL, or a bare
// server name to resolve via .well-known/matrix/client, falling back to
// https://<domain> and verifying the result actually speaks the
// client-server API before returning it.
func resolveHomeserver(ctx context.Context, client *http.Client, serverNameOrURL string) (string, error) {
	if strings.HasPrefix(serverNameOrURL, "http://") || strings.HasPrefix(serverNameOrURL, "https://") {
		return strings.TrimSuffix(serverNameOrURL, "/"), nil
	}

	domain := serverNameOrURL
	baseURL, err := discoverBaseURL(ctx, client, domain)
	if err != nil {
		return "", matrixerr.New(matrixerr.KindLocal, matrixerr.CodeNoHomeServer, err)
	}
	if baseURL == "" {
		baseURL = "https://" + domain
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	probe := &httpAPI{client: client, baseURL: baseURL}
	if err := probe.verifyHomeserver(ctx); err != nil {
		return "", matrixerr.New(matrixerr.KindLocal, matrixerr.CodeBadHomeServer, fmt.Errorf("verify %s: %w", baseURL, err))
	}
	return baseURL, nil
}
