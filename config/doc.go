// 版权所有 2024 RunRelay Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package config 提供 RunRelay 的配置管理功能。
//
// 包含配置加载（默认值、YAML 文件、环境变量）、校验以及运行时热重载。
// MCP 服务器列表的重新加载与文件变更共用同一个非重入入口。
package config
