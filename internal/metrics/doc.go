// 版权所有 2024 RunRelay Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供 RunRelay 的 Prometheus 指标采集。

# 概述

Collector 统一注册和记录指标。NewCollector 注册到默认 Registry，
NewCollectorWithRegistry 注册到指定 Registry（测试与多实例场景）。

# 主要能力

  - HTTP 指标：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 事件流指标：条目处理结果、读取失败、确认结果、调度耗时。
  - 全局事件指标：按 type/outcome 计数。
  - 路由指标：事件类型、外部界面失败、退回缓冲投递、已知会话丢失、
    活跃运行与流式消息数。
  - 恢复与防抖指标：按阶段计数的恢复动作、防抖执行次数。
  - 数据库指标：打开/空闲连接数。
*/
package metrics
