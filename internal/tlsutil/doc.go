// 版权所有 2024 RunRelay Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package tlsutil 提供集中式 TLS 配置，
// 供 Redis 连接与访问执行器 / Agent 运行时的 HTTP 客户端共用（TLS 1.2+，仅 AEAD 密码套件）。
package tlsutil
