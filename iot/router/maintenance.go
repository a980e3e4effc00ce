// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package router

import (
	"context"
	"time"

	"github.com/relabs-tech/telemetry/core/logger"
	"github.com/relabs-tech/telemetry/iot/fanout"
	"github.com/relabs-tech/telemetry/iot/store"
)

// Maintain logs device statistics and expires silent devices every interval
// until ctx is done. Devices which have not been seen for offlineTimeout are
// marked offline. An offlineTimeout of 0 disables the expiry.
func (r *Router) Maintain(ctx context.Context, interval, offlineTimeout time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx, offlineTimeout)
		}
	}
}

// Sweep runs one maintenance round and returns the client IDs which were marked offline
func (r *Router) Sweep(ctx context.Context, offlineTimeout time.Duration) []string {
	rlog := logger.FromContext(ctx)
	now := r.now().UTC()

	sessions := r.registry.Snapshot()
	if len(sessions) > 0 {
		rlog.Infof("device statistics: %d connected IoT devices", len(sessions))
		for _, s := range sessions {
			rlog.Infof("- %s: %d messages, connected since %s", s.ClientID, s.MessageCount, s.ConnectedAt.Format(time.RFC3339))
		}
	}

	if offlineTimeout <= 0 {
		return nil
	}
	var expired []string
	for _, s := range r.registry.Expire(now.Add(-offlineTimeout)) {
		clientID, lastSeen := s.ClientID, s.LastSeen
		expired = append(expired, clientID)
		rlog.Warnf("device %s timed out, last seen %s", clientID, lastSeen.Format(time.RFC3339))
		r.persist(ctx, clientID, "updateDeviceStatus", func(ctx context.Context) error {
			return r.store.UpdateDeviceStatus(ctx, clientID, store.StatusOffline, lastSeen)
		})
		r.storeLog(ctx, store.LogEntry{
			DeviceID:  clientID,
			Level:     store.LevelWarn,
			Message:   "Device offline (no message since " + lastSeen.Format(time.RFC3339) + ")",
			Topic:     TopicTimeout,
			Data:      mustJSON(map[string]interface{}{"clientId": clientID, "lastSeen": lastSeen}),
			Timestamp: now,
		})
		r.hub.Broadcast(fanout.Envelope{
			Type:      fanout.TypeClientDisconnected,
			DeviceID:  clientID,
			Data:      map[string]interface{}{"clientId": clientID, "device": true, "reason": "timeout"},
			Timestamp: now,
		})
	}
	return expired
}
