// Package ginmetrics instruments gin engines with request timers.
package ginmetrics

import (
	"github.com/gin-gonic/gin"

	"github.com/nikiz24/measured"
)

// New returns gin middleware that records one timer measurement per completed
// request under ("requests", {method, statusCode, uri}). The uri dimension is
// the matched route template from c.FullPath(), e.g. /users/:userId, so path
// parameters never reach the registry.
func New(source measured.TimerSource, opts ...measured.InstrumentationOption) gin.HandlerFunc {
	inst := measured.NewInstrumentation(source, opts...)
	return func(c *gin.Context) {
		obs := inst.Begin(c.Request.Method)
		c.Next()
		obs.Complete(c.FullPath(), c.Writer.Status())
	}
}
