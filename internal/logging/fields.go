package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供一次 fetch 事件的通用字段：由哪一代缓存处理、响应来源以及是否命中。
func RequestFields(generation, versionID, clientID, source string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"generation": generation,
		"version_id": versionID,
		"client_id":  clientID,
		"source":     source,
		"cache_hit":  cacheHit,
	}
}

// LifecycleFields 用于 install/activate/update 等生命周期日志。
func LifecycleFields(action, versionID, generation string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"version_id": versionID,
		"generation": generation,
	}
}
