package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"meter/internal/metrics"
	"meter/internal/util"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

var (
	ErrMissingHeader     = errors.New("missing Authorization header")
	ErrMalformedHeader   = errors.New("authorization header must use the Bearer scheme")
	ErrInvalidCredential = errors.New("invalid proxy API key")
)

const bearerPrefix = "Bearer "

// VerifyBearer 校验 Authorization 头，token 与 secret 常量时间比较
func VerifyBearer(header, secret string) error {
	if header == "" {
		return ErrMissingHeader
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return ErrMalformedHeader
	}
	token := header[len(bearerPrefix):]
	if secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return ErrInvalidCredential
	}
	return nil
}

// ProxyKeyAuth 代理密钥鉴权中间件，失败时返回 401
func ProxyKeyAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if err := VerifyBearer(header, secret); err != nil {
			presented := strings.TrimPrefix(header, bearerPrefix)
			log.WithFields(log.Fields{
				"client_ip": c.ClientIP(),
				"key":       util.MaskKey(presented),
			}).Warnf("auth: rejected request: %v", err)
			metrics.ObserveRequest("", metrics.OutcomeRejectedAuth)
			c.AbortWithStatusJSON(http.StatusUnauthorized, util.NewStandardError(http.StatusUnauthorized, "", err.Error()))
			return
		}
		c.Next()
	}
}
