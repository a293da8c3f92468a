/*
包 metrics 提供基于 Prometheus 的网关指标采集能力，覆盖
HTTP、批处理、worker 调用、结果与回收五个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。所有指标按 namespace 隔离。nil *Collector 上的
Record 方法是空操作，组件可以在不启用指标时直接传 nil。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 批处理指标：批次去向计数、批大小分布、在途批次数、
    worker 租用等待时间、放回队列的请求数。
  - worker 指标：/completion 调用计数与耗时。
  - 结果指标：按 ok/error/abandoned 计数，入队到写入的端到端延迟。
  - 深度指标：pending/processing/dead_letter 列表深度，idle/busy worker 数。
*/
package metrics
