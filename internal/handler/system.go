package handler

import (
	"net/http"

	"meter/internal/billing"

	"github.com/gin-gonic/gin"
)

type SystemHandler struct{}

func NewSystemHandler() *SystemHandler {
	return &SystemHandler{}
}

// Health 存活检查
func (h *SystemHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// GetPricing 按解析顺序返回价格表
func (h *SystemHandler) GetPricing(c *gin.Context) {
	table := billing.Table()
	items := make([]gin.H, 0, len(table))
	for _, p := range table {
		items = append(items, gin.H{
			"model_prefix":  p.ModelPrefix,
			"input_per_1m":  p.InputRate.InexactFloat64(),
			"output_per_1m": p.OutputRate.InexactFloat64(),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"unit":     "USD per 1M tokens",
		"fallback": billing.FallbackPrefix,
		"models":   items,
	})
}
