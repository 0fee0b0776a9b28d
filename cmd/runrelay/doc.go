// 版权所有 2024 RunRelay Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 RunRelay 服务端程序入口。

# 概述

cmd/runrelay 把事件日志、运行存储、Slack 投递、工作流消费者、
全局事件监听器与启动恢复装配为一个进程，并暴露 API 与指标两个 HTTP 端口。

# 核心类型

  - Server：持有全部组件，Init 装配，Run 运行，Shutdown 逆序关闭
  - Middleware：HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、migrate（AutoMigrate 运行与会话表）、recover（离线清理会话与沙箱）、version、health
  - 启动顺序：Redis → 数据库 → 热更新 → Slack 与路由 → 消费者 → 恢复 → HTTP
  - Run：先执行启动恢复，再用 errgroup 运行工作流消费者、全局监听器、
    会话频道、API 端口与指标端口，任一循环失败即整体退出
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    RequestLogger、RateLimiter、APIKeyAuth（配置了 api_keys 时）、MetricsMiddleware
  - 配置热重载：日志级别、缓冲刷新延迟、Slack 编辑间隔与反馈按钮、图谱防抖窗口
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
