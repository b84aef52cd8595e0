package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/tipcall/tipcall/internal/authorization"
)

const (
	actorContextKey = "tipcall.actor"

	// Set by the edge gateway after it authenticates the end user. This
	// service is not internet-facing; the gateway is the trust boundary.
	headerAccountID = "X-Account-ID"
	headerRole      = "X-Account-Role"

	headerScheduleSecret = "X-Schedule-Secret"
	headerSignature      = "X-Tipcall-Signature"
)

// withActor resolves the gateway identity headers into an Actor for the
// policy check downstream. Requests without identity get a zero actor and
// fail the policy, not the parse.
func (s *Server) withActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := authorization.Actor{Role: authorization.RoleMember}
		if raw := strings.TrimSpace(c.GetHeader(headerAccountID)); raw != "" {
			if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
				actor.AccountID = snowflake.ID(id)
			}
		}
		switch authorization.Role(strings.TrimSpace(c.GetHeader(headerRole))) {
		case authorization.RoleAdmin:
			actor.Role = authorization.RoleAdmin
		case authorization.RoleService:
			actor.Role = authorization.RoleService
		}
		c.Set(actorContextKey, actor)
		c.Next()
	}
}

func currentActor(c *gin.Context) authorization.Actor {
	if v, ok := c.Get(actorContextKey); ok {
		if actor, ok := v.(authorization.Actor); ok {
			return actor
		}
	}
	return authorization.Actor{}
}

// authorize evaluates the policy once and aborts with 403 on deny.
func (s *Server) authorize(c *gin.Context, action authorization.Action, ownerID snowflake.ID) bool {
	decision := authorization.Evaluate(currentActor(c), action, ownerID)
	if !decision.Allowed {
		AbortWithError(c, ErrForbidden)
		return false
	}
	return true
}

// requireSecret gates machine endpoints behind a shared secret header.
func requireSecret(header, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" || !hmac.Equal([]byte(c.GetHeader(header)), []byte(secret)) {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Set(actorContextKey, authorization.Actor{Role: authorization.RoleService})
		c.Next()
	}
}

// verifySignature checks the hex HMAC-SHA256 of the raw body against the
// signature header. Used by the provider webhooks.
func verifySignature(c *gin.Context, secret string, body []byte) bool {
	if secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	got := strings.TrimSpace(c.GetHeader(headerSignature))
	return hmac.Equal([]byte(want), []byte(got))
}

func pathID(c *gin.Context, name string) (snowflake.ID, bool) {
	raw := strings.TrimSpace(c.Param(name))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id == 0 {
		AbortWithError(c, ErrInvalidRequest)
		return 0, false
	}
	return snowflake.ID(id), true
}
