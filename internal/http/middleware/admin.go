package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminTokenHeader carries the operator token for the admin API.
const AdminTokenHeader = "X-Admin-Token"

// AdminToken guards operator endpoints with a shared secret sent in the
// X-Admin-Token header. A missing header yields 401 and a wrong one 403.
//
// An empty token locks the group: every request is refused with 403, so a
// deployment without ADMIN_TOKEN never exposes the admin API.
func AdminToken(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		got := c.GetHeader(AdminTokenHeader)
		switch {
		case len(want) == 0:
			abortJSON(c, http.StatusForbidden, "forbidden", "admin API disabled")
		case got == "":
			abortJSON(c, http.StatusUnauthorized, "unauthorized", "missing admin token")
		case subtle.ConstantTimeCompare([]byte(got), want) != 1:
			abortJSON(c, http.StatusForbidden, "forbidden", "invalid admin token")
		default:
			c.Next()
		}
	}
}
