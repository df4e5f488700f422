package middleware

import (
	"github.com/eastrift/fleet-dispatch/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const correlationIDHeader = "X-Correlation-ID"

// CorrelationID ensures every request carries a correlation id, propagated
// through the request context for log enrichment.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(correlationIDHeader)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		ctx := logger.ContextWithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(correlationIDHeader, correlationID)
		c.Next()
	}
}
