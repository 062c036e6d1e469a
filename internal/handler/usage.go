package handler

import (
	"net/http"
	"strconv"
	"time"

	"meter/internal/model"
	"meter/internal/repository"
	"meter/internal/service"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type UsageHandler struct {
	usageService *service.UsageService
}

func NewUsageHandler(usageService *service.UsageService) *UsageHandler {
	return &UsageHandler{usageService: usageService}
}

// GetUsage 用量汇总，group_by 为 team/feature/environment 时分组
func (h *UsageHandler) GetUsage(c *gin.Context) {
	filter, ok := parseTimeRange(c)
	if !ok {
		return
	}

	report, err := h.usageService.Summarize(c.Request.Context(), c.Query("group_by"), filter)
	if err != nil {
		log.Errorf("usage: summarize failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load usage summary"})
		return
	}

	if report.Grouped != nil {
		c.JSON(http.StatusOK, report.Grouped)
		return
	}
	c.JSON(http.StatusOK, report.Totals)
}

// GetToday 当日花费与上限
func (h *UsageHandler) GetToday(c *gin.Context) {
	today, err := h.usageService.Today(c.Request.Context())
	if err != nil {
		log.Errorf("usage: read today spend failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load today's spend"})
		return
	}
	c.JSON(http.StatusOK, today)
}

// ListRecords 分页列出用量记录，最新的在前
func (h *UsageHandler) ListRecords(c *gin.Context) {
	filter, ok := parseTimeRange(c)
	if !ok {
		return
	}
	filter.Team = c.Query("team")
	filter.Feature = c.Query("feature")
	filter.Environment = c.Query("environment")
	filter.Model = c.Query("model")

	params := repository.ListParams{
		Filter:   filter,
		Page:     1,
		PageSize: 20,
	}
	if page, err := strconv.Atoi(c.Query("page")); err == nil && page > 0 {
		params.Page = page
	}
	if pageSize, err := strconv.Atoi(c.Query("page_size")); err == nil && pageSize > 0 {
		params.PageSize = pageSize
	}

	result, err := h.usageService.ListRecords(c.Request.Context(), params)
	if err != nil {
		log.Errorf("usage: list records failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list usage records"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func parseTimeRange(c *gin.Context) (model.UsageFilter, bool) {
	var filter model.UsageFilter
	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be an RFC3339 timestamp"})
			return filter, false
		}
		filter.From = &t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be an RFC3339 timestamp"})
			return filter, false
		}
		filter.To = &t
	}
	return filter, true
}
