package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// 协调存储中的键名
const (
	PendingList    = "request_queue"
	ProcessingList = "processing_queue"
	DeadLetterList = "dead_letter_queue"
	ClaimsHash     = "processing_claims"
	ResultPrefix   = "result:"
)

// ResultKey 返回请求结果的存储键
func ResultKey(id string) string {
	return ResultPrefix + id
}

// QueuedRequest 排队中的请求
type QueuedRequest struct {
	ID         string          `json:"request_id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`

	// raw 是存储中的原始编码，删除列表元素时必须逐字节一致
	raw string
}

// Raw 返回存储中的原始编码
func (r *QueuedRequest) Raw() string {
	return r.raw
}

// WithRetry 返回 retry_count 加一的副本，payload 与 enqueued_at 保持不变
func (r *QueuedRequest) WithRetry() (*QueuedRequest, error) {
	clone := &QueuedRequest{
		ID:         r.ID,
		Payload:    r.Payload,
		EnqueuedAt: r.EnqueuedAt,
		RetryCount: r.RetryCount + 1,
	}
	if err := clone.encode(); err != nil {
		return nil, err
	}
	return clone, nil
}

func (r *QueuedRequest) encode() error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode request %s: %w", r.ID, err)
	}
	r.raw = string(data)
	return nil
}

// Decode 解析存储中的请求
func Decode(raw string) (*QueuedRequest, error) {
	var r QueuedRequest
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("decode queued request: %w", err)
	}
	if r.ID == "" {
		return nil, fmt.Errorf("decode queued request: missing request_id")
	}
	r.raw = raw
	return &r, nil
}
