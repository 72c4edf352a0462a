package api

import (
	"context"
	"net/http"
)

// LoginRequest is the student login payload.
type LoginRequest struct {
	NISN     string `json:"nisn"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token" validate:"required"`
}

// Login exchanges student credentials for a bearer token and keeps it on the client.
func (c *Client) Login(ctx context.Context, nisn, password string) (string, error) {
	var out loginResponse
	req := LoginRequest{NISN: nisn, Password: password}
	if err := c.doJSON(ctx, http.MethodPost, "/auth/student/login", req, &out); err != nil {
		return "", err
	}
	c.SetAuthToken(out.Token)
	return out.Token, nil
}
