// Package coord 提供批处理网关的协调存储。
//
// 所有跨实例的同步只通过这里暴露的原子操作完成：阻塞式列表搬移（BLMOVE）、
// 条件转移与释放（Lua 脚本）、带 TTL 的结果写入以及认领时间戳哈希。
// 进程内锁只保护本地状态，不参与跨实例协调。
//
// This package is internal and should not be imported by external projects.
package coord
