package worker

import (
	"context"
	"encoding/json"
	"strings"
)

// 页面可以投递的控制消息类型。
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageForceUpdate = "FORCE_UPDATE"
)

// ControlMessage 是页面投递给 worker 的瞬时信号，只有 type 字段有意义。
type ControlMessage struct {
	Type string `json:"type"`
}

// ParseControlMessage 解析 JSON 消息体，格式不合法时返回 ok=false。
func ParseControlMessage(data []byte) (ControlMessage, bool) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, false
	}
	msg.Type = strings.TrimSpace(msg.Type)
	if msg.Type == "" {
		return ControlMessage{}, false
	}
	return msg, true
}

// Message 处理页面投递的控制消息。未识别的消息直接忽略，不返回错误也不记日志。
func (c *Controller) Message(ctx context.Context, msg ControlMessage) {
	switch msg.Type {
	case MessageSkipWaiting:
		if err := c.host.SkipWaiting(ctx); err != nil {
			c.logger.WithError(err).
				WithFields(c.lifecycleFields("message")).
				Warn("skip_waiting_failed")
		}
	case MessageForceUpdate:
		c.host.Update(ctx)
	}
}
