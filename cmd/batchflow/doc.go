// Copyright (c) BatchFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 BatchFlow 网关的程序入口。

# 概述

cmd/batchflow 装配协调存储、请求队列、worker 池、批处理引擎与回收扫描，
并对外提供推理 HTTP API。程序支持 YAML 配置文件加载、结构化日志（zap）、
Prometheus 指标采集、OpenTelemetry 追踪以及 systemd 就绪通知。

# 核心类型

  - Server      — 主服务器，管理 HTTP、Metrics 双端口、后台任务及优雅关闭
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令（cobra）：serve、health、version
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、Metrics、
    OTelTracing、CORS、RateLimiter（基于 IP）、APIKeyAuth
  - 后台任务：批处理引擎、回收扫描、队列深度指标，由 lifecycle.Group 统一启停
  - 优雅关闭：停止 HTTP → 停止后台任务并等待在途批次 → 清空 worker 注册 →
    关闭存储 → 关闭 Metrics → 刷新遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
