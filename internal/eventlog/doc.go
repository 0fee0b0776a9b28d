// 版权所有 2024 RunRelay Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package eventlog 封装 RunRelay 使用的 Redis Streams 与 Pub/Sub 操作。
//
// 工作流通过消费组读取（XREADGROUP + XACK，至少一次投递），
// 全局流由唯一读者从实时尾部顺序读取（XREAD），
// 每个运行的事件通过 {prefix}:run:{runId}:events 频道发布。
package eventlog
