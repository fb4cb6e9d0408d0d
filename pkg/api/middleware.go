package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/exploopio/judge/pkg/core"
	"github.com/exploopio/judge/pkg/metrics"
)

const (
	headerRequestID = "X-Request-ID"
	ctxRequestID    = "request_id"
)

// requestID propagates X-Request-ID, generating one when absent.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func accessLog(logger core.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start)
		id := c.GetString(ctxRequestID)
		switch {
		case status >= 500:
			logger.Error("%s %s %d %s id=%s %s", c.Request.Method, c.Request.URL.Path, status, latency, id, c.Errors.String())
		case status >= 400:
			logger.Warn("%s %s %d %s id=%s", c.Request.Method, c.Request.URL.Path, status, latency, id)
		default:
			logger.Debug("%s %s %d %s id=%s", c.Request.Method, c.Request.URL.Path, status, latency, id)
		}
	}
}

// observe records request counts and latency labelled by route template.
func observe(rec *metrics.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		rec.HTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

func bearerAuth(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "unauthorized", Kind: "unauthorized"})
			return
		}
		c.Next()
	}
}
