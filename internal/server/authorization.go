package server

import (
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/kora/internal/authorization"
)

func (s *Server) authorize(object string, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := actorFromContext(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if err := s.authzSvc.Authorize(c.Request.Context(), actor, object, action); err != nil {
			AbortWithError(c, err)
			return
		}
		c.Next()
	}
}

// canActFor reports whether actor may act on resources owned by ownerID.
func canActFor(actor authorization.Actor, ownerID int64) bool {
	return actor.Role == authorization.RoleOperator || actor.UserID == ownerID
}
