package entitlement

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/relayci/console/internal/logging"
	"github.com/relayci/console/internal/org"
)

// ContextOrgKey is the gin context key under which the identity layer places
// the authenticated caller's organization id.
const ContextOrgKey = "organizationID"

// OrgHeader is the fallback when no upstream middleware has set ContextOrgKey.
const OrgHeader = "X-Organization-ID"

// Middleware enforces the access decision on API routes. DENY blocks
// everything; DEGRADED permits only safe (read) methods. Identity is assumed
// already established upstream; this layer adjudicates entitlement only.
func Middleware(provider *Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID := c.GetString(ContextOrgKey)
		if orgID == "" {
			orgID = c.GetHeader(OrgHeader)
		}
		if orgID == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "entitlement_denied",
				"message": "no organization associated with this request",
			})
			return
		}
		c.Set(ContextOrgKey, orgID)

		decision, err := provider.DecisionFor(c.Request.Context(), orgID)
		if err != nil {
			logging.L(c.Request.Context()).Error("decision lookup failed", "org", orgID, "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "entitlement_unavailable",
			})
			return
		}

		switch decision {
		case org.DecisionAllow:
			c.Next()
		case org.DecisionDegraded:
			if isReadMethod(c.Request.Method) {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "entitlement_denied",
				"message": "integration needs attention; account is read-only",
			})
		default:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "entitlement_denied",
				"message": "subscription inactive or integration unavailable",
			})
		}
	}
}

func isReadMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
