package controller

import (
	"net/http"
	"regexp"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailpulse/models"
)

var resetLink = regexp.MustCompile(`https://app\.mailpulse\.test/reset-password/([0-9a-f]{64})`)

// requestReset asks for a reset link for email and returns the token mailed
// out.
func (s *testServer) requestReset(t *testing.T, email string) string {
	t.Helper()
	before := len(s.transport.sent)
	resp := s.do(t, http.MethodPost, "/auth/forgot-password", "", fiber.Map{"email": email})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, s.transport.sent, before+1)
	m := resetLink.FindStringSubmatch(s.transport.sent[before].HTMLBody)
	require.Len(t, m, 2)
	return m[1]
}

func TestPasswordResetFlow(t *testing.T) {
	srv := newTestServer(t)
	user, oldToken := srv.createUser(t, "owner@mailpulse.test")

	token := srv.requestReset(t, "Owner@Mailpulse.test")
	mail := srv.transport.sent[len(srv.transport.sent)-1]
	assert.Equal(t, []string{"owner@mailpulse.test"}, mail.To)
	assert.Equal(t, "Password Reset Request", mail.Subject)

	var stored models.User
	require.NoError(t, srv.db.First(&stored, user.ID).Error)
	require.NotNil(t, stored.ResetTokenHash)
	assert.NotEqual(t, token, *stored.ResetTokenHash, "only the hash is stored")

	resp := srv.do(t, http.MethodPost, "/auth/reset-password/"+token, "", fiber.Map{"password": "short"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/auth/reset-password/"+token, "", fiber.Map{"password": "battery-staple"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusUnauthorized, srv.do(t, http.MethodGet, "/auth/me", oldToken, nil).StatusCode,
		"a reset revokes existing sessions")

	resp = srv.do(t, http.MethodPost, "/auth/login", "", fiber.Map{
		"email": "owner@mailpulse.test", "password": testPassword,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp = srv.do(t, http.MethodPost, "/auth/login", "", fiber.Map{
		"email": "owner@mailpulse.test", "password": "battery-staple",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/auth/reset-password/"+token, "", fiber.Map{"password": "another-one"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "tokens are single use")
}

func TestPasswordResetTokenExpires(t *testing.T) {
	srv := newTestServer(t)
	user, _ := srv.createUser(t, "owner@mailpulse.test")
	token := srv.requestReset(t, "owner@mailpulse.test")

	require.NoError(t, srv.db.Model(user).Update("reset_token_expires_at", time.Now().Add(-time.Minute)).Error)

	resp := srv.do(t, http.MethodPost, "/auth/reset-password/"+token, "", fiber.Map{"password": "battery-staple"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/auth/reset-password/not-a-token", "", fiber.Map{"password": "battery-staple"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestForgotPasswordDoesNotRevealAccounts(t *testing.T) {
	srv := newTestServer(t)

	resp := srv.do(t, http.MethodPost, "/auth/forgot-password", "", fiber.Map{"email": "nobody@mailpulse.test"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Message string `json:"message"`
	}
	decode(t, resp, &body)
	assert.Equal(t, forgotPasswordReply, body.Message)
	assert.Empty(t, srv.transport.sent)

	resp = srv.do(t, http.MethodPost, "/auth/forgot-password", "", fiber.Map{"email": "not-an-address"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChangePassword(t *testing.T) {
	srv := newTestServer(t)
	_, token := srv.createUser(t, "owner@mailpulse.test")

	resp := srv.do(t, http.MethodPost, "/auth/change-password", token, fiber.Map{
		"current_password": "wrong-password", "new_password": "battery-staple",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = srv.do(t, http.MethodPost, "/auth/change-password", token, fiber.Map{
		"current_password": testPassword, "new_password": "battery-staple",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var session AuthResponse
	decode(t, resp, &session)

	assert.Equal(t, http.StatusUnauthorized, srv.do(t, http.MethodGet, "/auth/me", token, nil).StatusCode)
	assert.Equal(t, http.StatusOK, srv.do(t, http.MethodGet, "/auth/me", session.AccessToken, nil).StatusCode)
}
