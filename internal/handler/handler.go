package handler

import (
	"context"
	"errors"
	"strconv"

	"gensystem/internal/model"
	"gensystem/internal/provider"
	"gensystem/internal/repository"
	"gensystem/internal/service"
	"gensystem/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 以下接口由 service 包实现

type GenerationAPI interface {
	RequestGeneration(ctx context.Context, userID string, req *service.GenerateRequest) (*service.GenerateResult, error)
}

type TaskAPI interface {
	Get(ctx context.Context, userID, id string) (*model.Task, error)
	List(ctx context.Context, userID string, page, pageSize int) ([]*model.Task, int64, error)
}

type ReconcileAPI interface {
	Reconcile(ctx context.Context, userID string, taskIDs []string) []service.Outcome
	ReconcileOutstanding(ctx context.Context, userID string) ([]*model.Task, error)
}

type LedgerAPI interface {
	OpenWallet(ctx context.Context, userID string) (*model.Wallet, error)
	Recharge(ctx context.Context, userID string, amount int64, referenceID, description string) (*service.CreditResult, error)
	ListTransactions(ctx context.Context, userID string, page, pageSize int) ([]*model.LedgerTransaction, int64, error)
	TransactionsForReference(ctx context.Context, referenceID string) ([]*model.LedgerTransaction, error)
}

// OutboxAdmin 由 repository.OutboxRepository 实现
type OutboxAdmin interface {
	GetFailedMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	Requeue(ctx context.Context, ids []int64) (int64, error)
}

type Deps struct {
	Generation       GenerationAPI
	Tasks            TaskAPI
	Reconcile        ReconcileAPI
	Ledger           LedgerAPI
	Outbox           OutboxAdmin
	RechargePackages map[string]int64
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	generation GenerationAPI
	tasks      TaskAPI
	reconcile  ReconcileAPI
	ledger     LedgerAPI
	outbox     OutboxAdmin
	packages   map[string]int64
	logger     *zap.Logger
}

func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{
		generation: deps.Generation,
		tasks:      deps.Tasks,
		reconcile:  deps.Reconcile,
		ledger:     deps.Ledger,
		outbox:     deps.Outbox,
		packages:   deps.RechargePackages,
		logger:     logger.Named("handler"),
	}
}

// ============================================================
// 生成相关接口
// ============================================================

// Generate 发起生成
// POST /api/v1/generate
func (h *Handler) Generate(c *gin.Context) {
	var req service.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.generation.RequestGeneration(c.Request.Context(), currentUserID(c), &req)
	if err != nil {
		// 提交失败时已经退款，把退款后的余额带回去
		if result != nil {
			h.writeError(c, err, gin.H{"balance": result.Balance})
			return
		}
		h.writeError(c, err, nil)
		return
	}

	response.Success(c, result)
}

// SyncTasks 对账当前用户所有未结束的任务
// POST /api/v1/tasks/sync
func (h *Handler) SyncTasks(c *gin.Context) {
	updated, err := h.reconcile.ReconcileOutstanding(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	response.Success(c, gin.H{
		"updated": updated,
		"count":   len(updated),
	})
}

type ReconcileRequest struct {
	TaskIDs []string `json:"task_ids" binding:"required,min=1,max=50,dive,required"`
}

// ReconcileTasks 对账指定任务，返回每个任务的处理结果
// POST /api/v1/tasks/reconcile
func (h *Handler) ReconcileTasks(c *gin.Context) {
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	outcomes := h.reconcile.Reconcile(c.Request.Context(), currentUserID(c), req.TaskIDs)
	response.Success(c, gin.H{"outcomes": outcomes})
}

// ListTasks 任务列表
// GET /api/v1/tasks?page=1&page_size=10
func (h *Handler) ListTasks(c *gin.Context) {
	page, pageSize := pageParams(c)

	tasks, total, err := h.tasks.List(c.Request.Context(), currentUserID(c), page, pageSize)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	response.Page(c, tasks, total, page, pageSize)
}

// GetTask 任务详情
// GET /api/v1/tasks/:id
func (h *Handler) GetTask(c *gin.Context) {
	task, err := h.tasks.Get(c.Request.Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	response.Success(c, task)
}

// GetTaskTransactions 任务关联的扣费和退款流水
// GET /api/v1/tasks/:id/transactions
func (h *Handler) GetTaskTransactions(c *gin.Context) {
	ctx := c.Request.Context()
	task, err := h.tasks.Get(ctx, currentUserID(c), c.Param("id"))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	transactions, err := h.ledger.TransactionsForReference(ctx, task.ID)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	response.Success(c, gin.H{
		"task_id":      task.ID,
		"transactions": transactions,
	})
}

// ============================================================
// 钱包相关接口
// ============================================================

// GetWallet 查询余额，首次访问时开户
// GET /api/v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	wallet, err := h.ledger.OpenWallet(c.Request.Context(), currentUserID(c))
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	response.Success(c, gin.H{
		"user_id": wallet.UserID,
		"balance": wallet.Balance,
	})
}

// RechargeRequest 用户侧充值只能选择固定套餐
type RechargeRequest struct {
	PackageID   string `json:"package_id" binding:"required,max=64"`
	ReferenceID string `json:"reference_id" binding:"max=64"` // 支付凭证，用于去重
}

// Recharge 按套餐充值
// POST /api/v1/wallet/recharge
func (h *Handler) Recharge(c *gin.Context) {
	var req RechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	credits, ok := h.packages[req.PackageID]
	if !ok {
		h.writeError(c, service.ErrUnknownPackage, nil)
		return
	}

	result, err := h.ledger.Recharge(c.Request.Context(), currentUserID(c), credits, req.ReferenceID, "充值套餐: "+req.PackageID)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	response.Success(c, result)
}

// ListTransactions 流水列表
// GET /api/v1/wallet/transactions?page=1&page_size=10
func (h *Handler) ListTransactions(c *gin.Context) {
	page, pageSize := pageParams(c)

	transactions, total, err := h.ledger.ListTransactions(c.Request.Context(), currentUserID(c), page, pageSize)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	response.Page(c, transactions, total, page, pageSize)
}

// ============================================================
// 运维接口
// ============================================================

// ListFailedOutbox 投递失败的消息
// GET /admin/v1/outbox/failed?limit=100
func (h *Handler) ListFailedOutbox(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 500 {
		response.ParamError(c, "limit 参数错误")
		return
	}

	messages, err := h.outbox.GetFailedMessages(c.Request.Context(), limit)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	response.Success(c, gin.H{"list": messages})
}

// RequeueOutbox 失败消息重新投递
// POST /admin/v1/outbox/requeue
func (h *Handler) RequeueOutbox(c *gin.Context) {
	var req struct {
		IDs []int64 `json:"ids" binding:"required,min=1,max=500"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	n, err := h.outbox.Requeue(c.Request.Context(), req.IDs)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	h.logger.Info("失败消息已重新入队", zap.Int64("count", n))
	response.Success(c, gin.H{"requeued": n})
}

// AdminRechargeRequest 运维或支付回调按金额入账，reference_id 必填用于去重
type AdminRechargeRequest struct {
	UserID      string `json:"user_id" binding:"required,max=64"`
	Amount      int64  `json:"amount" binding:"required,gt=0,lte=1000000"`
	ReferenceID string `json:"reference_id" binding:"required,max=64"`
	Description string `json:"description" binding:"max=256"`
}

// AdminRecharge 按金额充值
// POST /admin/v1/wallet/recharge
func (h *Handler) AdminRecharge(c *gin.Context) {
	var req AdminRechargeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	description := req.Description
	if description == "" {
		description = "充值"
	}
	result, err := h.ledger.Recharge(c.Request.Context(), req.UserID, req.Amount, req.ReferenceID, description)
	if err != nil {
		h.writeError(c, err, nil)
		return
	}

	h.logger.Info("运维充值",
		zap.String("user_id", req.UserID),
		zap.Int64("amount", req.Amount),
		zap.String("reference_id", req.ReferenceID))
	response.Success(c, result)
}

// writeError 业务错误映射为对应错误码，其余按服务器错误处理
func (h *Handler) writeError(c *gin.Context, err error, data interface{}) {
	code, message := response.CodeServerError, "服务器内部错误"

	switch {
	case errors.Is(err, service.ErrInvalidParams),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrUnknownPackage):
		code, message = response.CodeParamError, err.Error()
	case errors.Is(err, service.ErrInsufficientFunds):
		code, message = response.CodeBalanceNotEnough, service.ErrInsufficientFunds.Error()
	case errors.Is(err, service.ErrDuplicateRequest):
		code, message = response.CodeDuplicateRequest, service.ErrDuplicateRequest.Error()
	case errors.Is(err, service.ErrTooManyActiveTasks):
		code, message = response.CodeTooManyActiveTasks, service.ErrTooManyActiveTasks.Error()
	case errors.Is(err, service.ErrLedgerBusy):
		code, message = response.CodeLedgerBusy, service.ErrLedgerBusy.Error()
	case errors.Is(err, repository.ErrTaskNotFound):
		code, message = response.CodeTaskNotFound, repository.ErrTaskNotFound.Error()
	case errors.Is(err, repository.ErrWalletNotFound):
		code, message = response.CodeWalletNotFound, repository.ErrWalletNotFound.Error()
	case errors.Is(err, repository.ErrTaskStatusInvalid):
		code, message = response.CodeTaskStatusInvalid, repository.ErrTaskStatusInvalid.Error()
	case errors.Is(err, provider.ErrProviderTimeout):
		code, message = response.CodeProviderTimeout, provider.ErrProviderTimeout.Error()
	case errors.Is(err, provider.ErrProviderError):
		code, message = response.CodeProviderFailed, provider.ErrProviderError.Error()
	default:
		h.logger.Error("请求处理失败",
			zap.String("path", c.Request.URL.Path),
			zap.String("user_id", currentUserID(c)),
			zap.Error(err))
	}

	_ = c.Error(err)
	response.ErrorWithData(c, code, message, data)
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "10"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
