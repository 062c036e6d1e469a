package middleware

import (
	"context"
	"errors"
	"net/http"

	"meter/internal/metrics"
	"meter/internal/service"
	"meter/internal/util"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const CapExceededMessage = "Meter daily spend cap reached. Requests temporarily disabled."

// SpendChecker 准入检查
type SpendChecker interface {
	Check(ctx context.Context) (service.SpendDecision, error)
}

// SpendCap 当日花费达到上限时返回 429，读取失败时返回 500，均不转发
func SpendCap(guard SpendChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := guard.Check(c.Request.Context())
		if err == nil {
			c.Next()
			return
		}

		if errors.Is(err, service.ErrCapExceeded) {
			log.WithFields(log.Fields{
				"spend": d.Spend.String(),
				"cap":   d.Cap.String(),
			}).Warn("spend cap: rejecting request, daily cap reached")
			metrics.ObserveRequest("", metrics.OutcomeRejectedCap)
			c.AbortWithStatusJSON(http.StatusTooManyRequests,
				util.NewStandardError(http.StatusTooManyRequests, util.CodeDailySpendCapReached, CapExceededMessage))
			return
		}

		log.Errorf("spend cap: failed to read today's spend: %v", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError,
			util.NewStandardError(http.StatusInternalServerError, "", "failed to check daily spend"))
	}
}
