// 版权所有 2024 RunRelay Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 管理 RunRelay 唯一的 Redis 连接，并提供短 TTL 结果交接槽位。

# 核心类型

  - Manager：持有 go-redis 客户端（可选 TLS），提供 Get/Set/Take/Delete
    以及 JSON 便捷方法；Client() 把同一连接池交给事件日志使用。
  - ResultSlots：pulse 结果与 worktree 结果两个写一次读一次的槽位，
    键名分别为 {prefix}:agent:{agentId}:pulse:result 与
    {prefix}:workspace:{agentId}:{taskId}。

# 错误语义

ErrCacheMiss 表示键不存在或已过期；ErrClosed 表示管理器已关闭。
*/
package cache
