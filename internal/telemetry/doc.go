// 版权所有 2024 RunRelay Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为 RunRelay 提供集中式的 TracerProvider 和 MeterProvider 配置，
// 以及调度、全局事件与启动恢复使用的 span 辅助函数。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务。
package telemetry
