// Copyright (c) BatchFlow Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 BatchFlow 网关 HTTP API 的请求处理器实现。

# 概述

handlers 包实现推理入队、结果查询、队列统计与健康检查端点，
以及统一的响应/错误处理。所有 Handler 均遵循标准 net/http 接口，
通过 Swagger 注解生成 API 文档。

# 核心类型

  - PredictHandler   — /predict 入队并等待结果，/result/{id} 查询，/queue/stats 统计
  - HealthHandler    — /health 网关状态，/healthz 存活，/ready 就绪
  - Admitter         — 入队与队列统计接口，由 queue.Queue 实现
  - ResultSource     — 结果读取与轮询接口，由 queue.Results 实现
  - WorkerCounter    — worker 计数接口，由 pool.Pool 实现
  - Response         — 统一 JSON 错误结构（success + error + timestamp）
  - HealthCheck      — 可插拔就绪检查接口（Redis 等）

# 主要能力

  - 请求验证：DecodeJSONBody（16 MB 限制）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 协调存储不可用统一返回 503 且标记 retryable
*/
package handlers
