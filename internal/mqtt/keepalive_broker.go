package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vms-registry/internal/reconcile"
)

// KeepaliveMessage 设备保活消息格式
//
// {
//   "deviceId": "34020000001320000001",
//   "sessionToken": "a1b2c3",        // optional, rotates on re-register
//   "status": "online" | "offline",
//   "timestamp": 1712000000          // unix seconds, optional
// }
type KeepaliveMessage struct {
	DeviceID     string `json:"deviceId"`
	SessionToken string `json:"sessionToken"`
	Status       string `json:"status"`
	Timestamp    int64  `json:"timestamp"`
}

// KeepaliveBroker translates device keepalive messages into lifecycle
// transitions. Errors are logged and dropped: the signalling gateway keeps
// publishing on its own schedule, and the reconcile path is idempotent, so
// duplicate or out-of-order delivery is safe.
type KeepaliveBroker struct {
	devices *reconcile.Engine
	logger  *zap.Logger
}

func NewKeepaliveBroker(devices *reconcile.Engine, logger *zap.Logger) *KeepaliveBroker {
	return &KeepaliveBroker{
		devices: devices,
		logger:  logger,
	}
}

// HandleMessage 处理单条保活消息
func (b *KeepaliveBroker) HandleMessage(topic string, payload []byte) error {
	var msg KeepaliveMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal keepalive: %w", err)
	}
	if msg.DeviceID == "" {
		return fmt.Errorf("keepalive without deviceId on topic %s", topic)
	}

	at := time.Time{}
	if msg.Timestamp > 0 {
		at = time.Unix(msg.Timestamp, 0)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch msg.Status {
	case "offline":
		_, err = b.devices.MarkOffline(ctx, msg.DeviceID, at)
		if errors.Is(err, reconcile.ErrNotFound) {
			// offline report for a device we never saw; nothing to record
			b.logger.Debug("offline report for unknown device",
				zap.String("device_id", msg.DeviceID),
			)
			return nil
		}
	default:
		_, err = b.devices.MarkOnline(ctx, msg.DeviceID, msg.SessionToken, at)
	}

	if err != nil {
		// log-and-drop: the gateway redelivers via its keepalive cadence
		b.logger.Warn("keepalive not applied",
			zap.String("device_id", msg.DeviceID),
			zap.String("status", msg.Status),
			zap.Error(err),
		)
	}
	return nil
}
