// Copyright (c) BatchFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 batchflow 网关的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 queue、pool、batch、
api 等上层模块提供统一的类型契约。

# 核心类型

  - ChatRequest       — /predict 请求负载，在队列中以不透明 JSON 传递
  - Message           — 对话消息（Role + MessageContent）
  - MessageContent    — 标签变体：纯文本或结构化片段（text / image_url）
  - Result            — 单个推理请求的归一化结果
  - Error / ErrorCode — 结构化错误体系，含 HTTP 状态码与 Retryable 标记

# 主要能力

  - Context 传播：WithRequestID / WithBatchID / WithWorker
  - 请求校验：ChatRequest.Validate 返回 INVALID_REQUEST 错误
*/
package types
