package handler

import (
	"net/http"

	"storycredits/internal/infrastructure/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func SetupRouter(h *Handler, m *metrics.Metrics, log *logrus.Logger, mode string) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}

	r := gin.New()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log))
	r.Use(CORSMiddleware())
	r.Use(MetricsMiddleware(m))

	api := r.Group("/api/v1")
	{
		credits := api.Group("/credits")
		{
			credits.GET("/balance", h.GetBalance)
			credits.POST("/init", h.InitCredits)
		}

		settlement := api.Group("/settlement")
		{
			settlement.POST("/execute", h.ExecuteSettlement)
			settlement.POST("/reverse", h.ReverseSettlement)
		}

		transactions := api.Group("/transactions")
		{
			transactions.GET("/history", h.History)
			transactions.GET("/detail", h.TransactionDetail)
		}

		api.GET("/authors/stats", h.AuthorStats)

		w := api.Group("/wallet")
		{
			w.POST("/connect", h.ConnectWallet)
			w.GET("/status", h.WalletStatus)
			w.POST("/disconnect", h.DisconnectWallet)
		}
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))

	return r
}
