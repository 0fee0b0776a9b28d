// 版权所有 2024 RunRelay Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 负责打开 RunRelay 的运行/会话存储连接并管理连接池。

# 概述

Open 按配置的驱动（postgres、mysql、sqlite）选择 GORM 方言，并把 GORM
日志接到 zap 上；PoolManager 负责连接池参数、后台健康检查与事务执行。

# 核心类型

  - PoolManager：持有 *gorm.DB 与底层 *sql.DB，提供 Ping、Stats、
    WithTransaction 与 WithTransactionRetry。
  - PoolConfig：最大空闲/打开连接数、连接生命周期与健康检查间隔。
*/
package database
