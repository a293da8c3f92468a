// Copyright 2026 BatchFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 BatchFlow 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContextWithTimeout，自动注册 Cleanup 防止泄漏
  - 协调存储: NewRedis 启动进程内 miniredis 并返回对应的 Redis 配置
  - 假 worker: FakeWorker 以 httptest 模拟 llama.cpp 的 /completion 与
    /health，记录收到的请求与最大并发，支持延迟与错误注入
  - 异步断言: AssertEventuallyTrue / WaitForChannel
  - 数据工具: MustJSON

# 使用示例

	_, redisCfg := testutil.NewRedis(t)
	store, err := coord.NewRedisStore(redisCfg, zap.NewNop())
	worker := testutil.NewFakeWorker(t).WithDelay(50 * time.Millisecond)
*/
package testutil
