package routes

import (
	"context"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/lumigraph/lumicache/internal/cache"
	"github.com/lumigraph/lumicache/internal/lifecycle"
	"github.com/lumigraph/lumicache/internal/server"
	"github.com/lumigraph/lumicache/internal/worker"
)

// Registry 是控制接口需要的 Registration 能力。
type Registry interface {
	Message(ctx context.Context, target lifecycle.Target, msg worker.ControlMessage) bool
	Status() lifecycle.Status
}

// RegisterControlRoutes 暴露 /-/sw/message 控制通道与 /-/sw/status 诊断接口。
func RegisterControlRoutes(app *fiber.App, registry Registry, store cache.Storage, logger *logrus.Logger) {
	if app == nil || registry == nil {
		return
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Post("/-/sw/message", func(c fiber.Ctx) error {
		target, ok := parseTarget(c.Query("target"))
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_target"})
		}
		// 无法识别的消息按约定静默忽略，仍然返回 202。
		msg, ok := worker.ParseControlMessage(c.Body())
		delivered := false
		if ok && knownMessage(msg.Type) {
			delivered = registry.Message(requestContext(c), target, msg)
			logger.WithFields(logrus.Fields{
				"action":     "message",
				"type":       msg.Type,
				"target":     string(target),
				"delivered":  delivered,
				"request_id": server.RequestID(c),
			}).Info("control_message")
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"delivered": delivered})
	})

	app.Get("/-/sw/status", func(c fiber.Ctx) error {
		payload := fiber.Map{"registration": registry.Status()}
		if store != nil {
			names, err := store.Keys(requestContext(c))
			if err != nil {
				logger.WithError(err).WithField("action", "status").Warn("partition_list_failed")
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "partition_list_failed"})
			}
			sort.Strings(names)
			payload["partitions"] = names
		}
		return c.JSON(payload)
	})
}

func knownMessage(kind string) bool {
	return kind == worker.MessageSkipWaiting || kind == worker.MessageForceUpdate
}

func parseTarget(raw string) (lifecycle.Target, bool) {
	switch lifecycle.Target(strings.ToLower(strings.TrimSpace(raw))) {
	case "", lifecycle.TargetActive:
		return lifecycle.TargetActive, true
	case lifecycle.TargetWaiting:
		return lifecycle.TargetWaiting, true
	default:
		return "", false
	}
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
