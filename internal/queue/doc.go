// Package queue 实现请求准入、批次组装与结果存取。
//
// 请求以 JSON 编码的 QueuedRequest 形式保存在协调存储的列表中：
// request_queue 为待处理队列，processing_queue 为已认领集合，
// processing_claims 记录每个请求被认领的时间，dead_letter_queue 收纳
// 回收次数耗尽的请求。结果以 result:<id> 为键、带 TTL 保存。
package queue
