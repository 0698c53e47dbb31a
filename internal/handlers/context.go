package handlers

import (
	"github.com/gin-gonic/gin"

	iauth "github.com/masrizal/pushbox/internal/auth"
	"github.com/masrizal/pushbox/internal/middleware"
)

// currentClaims returns the JWT claims the auth middleware stored, if any.
func currentClaims(c *gin.Context) *iauth.Claims {
	v, ok := c.Get(middleware.CtxClaimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*iauth.Claims)
	return claims
}
