package api

import (
	"time"

	"github.com/BaSui01/batchflow/types"
)

// =============================================================================
// 推理请求类型
// =============================================================================

// PredictRequest 是 /predict 的请求体，与队列中携带的负载相同。
// @Description 推理请求结构
type PredictRequest = types.ChatRequest

// PredictResponse 表示一次推理的结果。
// @Description 推理结果结构
type PredictResponse struct {
	// 生成的文本；失败时为 "Worker failed: ..."
	Content string `json:"content" example:"Hello there!"`
	// 生成的 token 数
	TokensPredicted int `json:"tokens_predicted" example:"12"`
	// 评估的 prompt token 数
	TokensEvaluated int `json:"tokens_evaluated" example:"34"`
	// 是否已停止
	Stop bool `json:"stop" example:"true"`
	// 停止原因（eos、limit、word、error）
	StopType string `json:"stop_type" example:"eos"`
	// 请求 ID
	RequestID string `json:"request_id" example:"7c9e6679-7425-40de-944b-e07fc1f90ae7"`
}

// NewPredictResponse 由结果构造响应。
func NewPredictResponse(id string, res types.Result) PredictResponse {
	return PredictResponse{
		Content:         res.Content,
		TokensPredicted: res.TokensPredicted,
		TokensEvaluated: res.TokensEvaluated,
		Stop:            res.Stop,
		StopType:        res.StopType,
		RequestID:       id,
	}
}

// =============================================================================
// 队列与健康类型
// =============================================================================

// QueueStatsResponse 表示队列与 worker 池快照。
// @Description 队列统计
type QueueStatsResponse struct {
	// 待处理请求数
	Pending int64 `json:"pending" example:"3"`
	// 已认领未完成的请求数
	Processing int64 `json:"processing" example:"4"`
	// 死信请求数
	DeadLetter int64 `json:"dead_letter" example:"0"`
	// 空闲 worker 数
	IdleWorkers int64 `json:"idle_workers" example:"1"`
	// 忙碌 worker 数
	BusyWorkers int64 `json:"busy_workers" example:"2"`
}

// HealthResponse 表示 /health 的响应。
// @Description 网关健康状态
type HealthResponse struct {
	// ok、no_workers、unhealthy
	Status string `json:"status" example:"ok"`
	// 空闲 worker 数
	IdleWorkers int64 `json:"idle_workers,omitempty" example:"1"`
	// 忙碌 worker 数
	BusyWorkers int64 `json:"busy_workers,omitempty" example:"0"`
}

// ServiceHealthResponse 表示存活与就绪探针的响应。
// @Description 探针状态
type ServiceHealthResponse struct {
	// healthy 或 unhealthy
	Status    string    `json:"status" example:"healthy"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty" example:"1.0.0"`
	// 各依赖检查结果
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单个检查结果。
type CheckResult struct {
	// pass 或 fail
	Status  string `json:"status" example:"pass"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty" example:"1.2ms"`
}

// 健康状态取值
const (
	HealthOK        = "ok"
	HealthNoWorkers = "no_workers"
	HealthUnhealthy = "unhealthy"
)
