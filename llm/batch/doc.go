// 版权所有 2026 BatchFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 batch 把共享队列中的推理请求组装成批次，租用空闲 worker，
并把同一批次的请求并发发送给该 worker。

# 概述

Engine 是网关的后台主循环：按“满批或超时”从待处理队列认领请求，
用信号量限制同时在途的批次数，每个批次在独立 goroutine 中处理。
存储故障时按指数退避重试，ctx 取消后等待在途批次完成再返回。

# 核心类型

  - Engine：组批、租用、分发主循环，提供 Run 与 Stats。
  - Dispatcher：对单个批次按请求扇出，每个请求恰好写入一个结果。
  - Completer / ResultWriter：推理调用与结果写入的最小接口。

# 失败处理

  - 没有空闲 worker：整批原样放回待处理队列尾部，retry_count 不变。
  - 推理失败或 panic：写入 "Worker failed: ..." 错误结果，不影响同批其他请求。
  - 结果写入失败：条目留在已认领集合，由回收扫描重新入队。
*/
package batch
