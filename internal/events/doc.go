// 版权所有 2024 RunRelay Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package events 定义 RunRelay 在事件日志上流转的全部消息类型。
//
// 三类消息各自是一个封闭的标签联合（按 JSON 字段 type 区分）：
//
//   - RunSignal: 工作流上的新运行信号（字段式条目，不是 JSON）
//   - GlobalEvent: 全局流上的控制/信息事件
//   - PipelineEvent: 每个运行频道上的步骤与运行事件
//   - SessionEvent: 会话频道上的对话输出
//
// 消费方通过 type switch 处理变体，所有已处理的情况都是静态可枚举的。
package events
