package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RouterOptions struct {
	Mode       string // gin 模式：debug / release / test
	AdminToken string // 为空时不注册运维接口
}

// SetupRouter 配置路由
func SetupRouter(h *Handler, opts RouterOptions, logger *zap.Logger) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}

	r := gin.New()

	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())

	api := r.Group("/api/v1")
	api.Use(UserIdentityMiddleware())
	{
		api.POST("/generate", h.Generate)

		tasks := api.Group("/tasks")
		{
			tasks.GET("", h.ListTasks)
			tasks.POST("/sync", h.SyncTasks)
			tasks.POST("/reconcile", h.ReconcileTasks)
			tasks.GET("/:id", h.GetTask)
			tasks.GET("/:id/transactions", h.GetTaskTransactions)
		}

		wallet := api.Group("/wallet")
		{
			wallet.GET("", h.GetWallet)
			wallet.POST("/recharge", h.Recharge)
			wallet.GET("/transactions", h.ListTransactions)
		}
	}

	if opts.AdminToken != "" {
		admin := r.Group("/admin/v1", AdminTokenMiddleware(opts.AdminToken))
		{
			admin.GET("/outbox/failed", h.ListFailedOutbox)
			admin.POST("/outbox/requeue", h.RequeueOutbox)
			admin.POST("/wallet/recharge", h.AdminRecharge)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
