package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

const (
	ContextUserID   = "user_id"
	ContextIdentity = "identity"
	authCookie      = "Authorization"
)

// ExtractToken 依次查 query token、Bearer 头、Authorization cookie
func ExtractToken(c *gin.Context) string {
	if t := c.Query("token"); t != "" {
		return t
	}
	if h := c.GetHeader("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if v, err := c.Cookie(authCookie); err == nil {
		return strings.TrimPrefix(v, "Bearer ")
	}
	return ""
}

func Auth(verifier out.IdentityVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing credentials"})
			return
		}
		id, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ContextUserID, id.ID)
		c.Set(ContextIdentity, *id)
		c.Next()
	}
}

// IdentityFrom Auth 之后才有值
func IdentityFrom(c *gin.Context) (entity.Identity, bool) {
	v, ok := c.Get(ContextIdentity)
	if !ok {
		return entity.Identity{}, false
	}
	id, ok := v.(entity.Identity)
	return id, ok
}

// InternalToken 内部接口用共享密钥，空密钥表示不校验
func InternalToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" && c.GetHeader("X-Internal-Token") != secret {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
