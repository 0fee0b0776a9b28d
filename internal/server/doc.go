// 版权所有 2024 RunRelay Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 RunRelay 的 HTTP 监听端口：生命周期管理、健康检查与结果轮询接口。

# 概述

Manager 封装 net/http.Server，统一管理监听、服务、关闭与错误传播。
进程同时运行两个 Manager：API 端口与 Prometheus 指标端口。

# 核心类型

  - Manager：非阻塞 Start、阻塞到 ctx 取消的 Run，以及幂等的 Shutdown。
  - HealthHandler：/health 存活探针、/ready 就绪探针（数据库与 Redis 检查）、/version。
  - ResultHandler：同步调用方发布全局事件后轮询副作用结果，
    结果读取一次即删除，尚未产生时返回 404 NOT_READY。

# 路由

  - GET /health, /healthz, /ready, /readyz, /version
  - GET /api/v1/agents/{agentId}/pulse/result
  - GET /api/v1/workspaces/{agentId}/{taskId}
  - GET /metrics（指标端口）
*/
package server
