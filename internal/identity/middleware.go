package identity

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/securefin/ledger-core/pkg"
	"github.com/securefin/ledger-core/pkg/utils"
	"go.uber.org/zap"
)

// Middleware verifies the Authorization bearer token and stores the
// Principal in the request context. Requests without a valid token are
// rejected before any handler runs.
func Middleware(logger *zap.Logger, verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if utils.IsEmpty(token) {
			abortUnauthenticated(logger, c, "missing bearer token")
			return
		}
		principal, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			abortUnauthenticated(logger, c, "invalid bearer token")
			return
		}
		c.Set(pkg.Principal, principal)
		c.Next()
	}
}

// FromContext returns the verified principal set by Middleware.
func FromContext(c *gin.Context) (Principal, bool) {
	v, ok := c.Get(pkg.Principal)
	if !ok {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// WebSocket clients cannot set headers from the browser; accept a query
	// parameter there.
	return c.Query("token")
}

func abortUnauthenticated(logger *zap.Logger, c *gin.Context, msg string) {
	traceID := c.GetString(pkg.TraceId)
	resp := pkg.ToErrorResponse(logger, traceID, pkg.NewAppError(pkg.ErrNotAuthenticatedCode, msg, nil))
	c.AbortWithStatusJSON(resp.Status, resp)
}
