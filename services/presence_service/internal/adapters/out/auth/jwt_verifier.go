package auth

import (
	"context"

	"github.com/EthanQC/im-presence/pkg/jwt"
	"github.com/EthanQC/im-presence/services/presence_service/internal/domain/entity"
	"github.com/EthanQC/im-presence/services/presence_service/internal/ports/out"
)

// JWTVerifier token 由身份服务签发，这里只验签
type JWTVerifier struct {
	manager jwt.Manager
}

func NewJWTVerifier(manager jwt.Manager) *JWTVerifier {
	return &JWTVerifier{manager: manager}
}

var _ out.IdentityVerifier = (*JWTVerifier)(nil)

func (v *JWTVerifier) Verify(_ context.Context, credential string) (*entity.Identity, error) {
	claims, err := v.manager.Parse(credential)
	if err != nil {
		return nil, err
	}
	return &entity.Identity{ID: claims.Subject, Username: claims.Username, Avatar: claims.Avatar}, nil
}
