package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/kysua/chat-server/metrics"
	"github.com/kysua/chat-server/protocol"
	"github.com/kysua/chat-server/session"
)

// handleOneChat routes a direct message: local session first, then the
// presence store, then the offline store. The original envelope bytes are
// forwarded verbatim on every path.
func (s *Service) handleOneChat(ctx context.Context, _ session.Conn, env protocol.Envelope, raw []byte) {
	toID := env.ToID

	if target, ok := s.registry.Get(toID); ok {
		// The send is posted to the target connection's own writer; this
		// worker never touches the socket.
		target.Send(raw)
		metrics.MessagesRouted.WithLabelValues("local").Inc()
		return
	}

	nodeID, online, err := s.presence.GetStatus(ctx, toID)
	if err != nil {
		// Presence unavailable: treat the recipient as offline so the
		// message survives rather than being dropped on a guess.
		metrics.PresenceErrors.Inc()
		s.log.Error("presence lookup failed, storing offline",
			zap.Int64("to", toID), zap.Error(err))
		s.storeOffline(ctx, toID, raw)
		return
	}
	if online {
		if err := s.broker.Publish(ctx, nodeID, raw); err != nil {
			// At-most-once: the publish is fire-and-forget, but a publish
			// that never left this node can still fall back to the store.
			s.log.Error("publish failed, storing offline",
				zap.Int64("to", toID), zap.String("node", nodeID), zap.Error(err))
			s.storeOffline(ctx, toID, raw)
			return
		}
		metrics.BrokerMessagesPublished.WithLabelValues(s.broker.Type()).Inc()
		metrics.MessagesRouted.WithLabelValues("remote").Inc()
		return
	}

	s.storeOffline(ctx, toID, raw)
}

// handleGroupChat fans one message out to a group. Membership comes from
// the authoritative group store (the local cache is only a delivery
// shortcut); presence for all members is resolved in a single batched
// round trip, and the partition is computed once from that snapshot, with
// no re-checks mid-dispatch.
func (s *Service) handleGroupChat(ctx context.Context, _ session.Conn, env protocol.Envelope, raw []byte) {
	senderID := env.ID
	groupID := env.GroupID

	members, err := s.groupStore.QueryMembersOf(ctx, groupID)
	if err != nil {
		s.log.Error("group member query failed", zap.Int64("group", groupID), zap.Error(err))
		return
	}

	others := make([]int64, 0, len(members))
	for _, id := range members {
		if id != senderID { // self-delivery is always excluded
			others = append(others, id)
		}
	}

	online, err := s.presence.BatchGetStatus(ctx, others)
	if err != nil {
		// Locals can still be served from the registry; everyone else is
		// treated as offline so nothing is dropped.
		metrics.PresenceErrors.Inc()
		s.log.Error("group presence lookup failed", zap.Int64("group", groupID), zap.Error(err))
		online = nil
	}

	// Remote members are grouped by owning node: one publish per distinct
	// node, regardless of how many members live there.
	remoteNodes := make(map[string]struct{})
	for _, id := range others {
		if target, ok := s.registry.Get(id); ok {
			target.Send(raw)
			metrics.MessagesRouted.WithLabelValues("local").Inc()
			continue
		}
		if nodeID, ok := online[id]; ok {
			remoteNodes[nodeID] = struct{}{}
			metrics.MessagesRouted.WithLabelValues("remote").Inc()
			continue
		}
		s.storeOffline(ctx, id, raw)
	}

	for nodeID := range remoteNodes {
		if err := s.broker.Publish(ctx, nodeID, raw); err != nil {
			s.log.Error("group publish failed",
				zap.Int64("group", groupID), zap.String("node", nodeID), zap.Error(err))
			continue
		}
		metrics.BrokerMessagesPublished.WithLabelValues(s.broker.Type()).Inc()
	}
}

// handleRemoteEnvelope processes one envelope published to this node by a
// peer. Group envelopes are delivered to every member found in the local
// cache; members who disconnected since the sender's snapshot are skipped,
// their own disconnect already removed their presence. A direct envelope
// whose recipient raced offline is persisted as compensation: there is no
// further hop that could retry it.
func (s *Service) handleRemoteEnvelope(raw []byte) {
	env, err := protocol.Parse(raw)
	if err != nil {
		s.log.Debug("dropping malformed remote envelope", zap.Error(err))
		return
	}
	metrics.RemoteDelivered.Inc()

	if env.GroupID != 0 {
		for _, memberID := range s.groups.Members(env.GroupID) {
			if memberID == env.ID {
				continue
			}
			if target, ok := s.registry.Get(memberID); ok {
				target.Send(raw)
				metrics.MessagesRouted.WithLabelValues("local").Inc()
			}
		}
		return
	}

	if env.ToID != 0 {
		if target, ok := s.registry.Get(env.ToID); ok {
			target.Send(raw)
			metrics.MessagesRouted.WithLabelValues("local").Inc()
			return
		}
		s.log.Warn("remote envelope recipient raced offline, storing",
			zap.Int64("to", env.ToID))
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		s.storeOffline(ctx, env.ToID, raw)
	}
}

func (s *Service) storeOffline(ctx context.Context, userID int64, raw []byte) {
	if err := s.offline.Insert(ctx, userID, raw); err != nil {
		s.log.Error("offline store insert failed", zap.Int64("user", userID), zap.Error(err))
		return
	}
	metrics.MessagesRouted.WithLabelValues("offline").Inc()
}
