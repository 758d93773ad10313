// Package service is the dispatch core of the node. It consumes decoded
// client requests, decides between local delivery, cross-node publish and
// offline persistence, and owns the login/logout lifecycle. It is the only
// component with business-level knowledge of the registry, the group cache,
// the presence store and the broker.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kysua/chat-server/broker"
	"github.com/kysua/chat-server/metrics"
	"github.com/kysua/chat-server/model"
	"github.com/kysua/chat-server/pool"
	"github.com/kysua/chat-server/presence"
	"github.com/kysua/chat-server/protocol"
	"github.com/kysua/chat-server/session"
)

// opTimeout bounds the store round trips of a single handler invocation.
const opTimeout = 10 * time.Second

type handlerFunc func(ctx context.Context, conn session.Conn, env protocol.Envelope, raw []byte)

// Service routes chat traffic for one node.
type Service struct {
	log    *zap.Logger
	nodeID string

	tasks    *pool.WorkerPool
	registry *session.Registry
	groups   *session.GroupCache
	presence *presence.Store
	broker   broker.MessageBroker

	users      model.UserStore
	friends    model.FriendStore
	groupStore model.GroupStore
	offline    model.OfflineStore

	handlers map[int]handlerFunc
}

// Deps collects the service's collaborators; everything is passed in
// explicitly, there is no global lookup.
type Deps struct {
	NodeID   string
	Tasks    *pool.WorkerPool
	Registry *session.Registry
	Groups   *session.GroupCache
	Presence *presence.Store
	Broker   broker.MessageBroker
	Users    model.UserStore
	Friends  model.FriendStore
	GroupDB  model.GroupStore
	Offline  model.OfflineStore
	Log      *zap.Logger
}

// New wires the service and registers one handler per message type.
func New(d Deps) *Service {
	s := &Service{
		log:        d.Log,
		nodeID:     d.NodeID,
		tasks:      d.Tasks,
		registry:   d.Registry,
		groups:     d.Groups,
		presence:   d.Presence,
		broker:     d.Broker,
		users:      d.Users,
		friends:    d.Friends,
		groupStore: d.GroupDB,
		offline:    d.Offline,
	}
	s.handlers = map[int]handlerFunc{
		protocol.MsgLogin:       s.handleLogin,
		protocol.MsgRegister:    s.handleRegister,
		protocol.MsgOneChat:     s.handleOneChat,
		protocol.MsgAddFriend:   s.handleAddFriend,
		protocol.MsgCreateGroup: s.handleCreateGroup,
		protocol.MsgAddGroup:    s.handleAddGroup,
		protocol.MsgGroupChat:   s.handleGroupChat,
		protocol.MsgHeartbeat:   s.handleHeartbeat,
		protocol.MsgLogout:      s.handleLogout,
	}
	return s
}

// NodeID returns this node's cluster-unique id.
func (s *Service) NodeID() string { return s.nodeID }

// Dispatch decodes one inbound client frame and schedules its handler on
// the worker pool. When the pool rejects the task, the origin connection
// receives an explicit busy reply instead of silence; the connection stays
// open.
func (s *Service) Dispatch(conn session.Conn, raw []byte) {
	env, err := protocol.Parse(raw)
	if err != nil {
		// Partial or malformed frames are an expected artifact of the
		// transport, not an error condition.
		s.log.Debug("dropping malformed frame", zap.Error(err))
		return
	}

	handler, ok := s.handlers[env.MsgID]
	if !ok {
		s.log.Warn("no handler for message", zap.Int("msgid", env.MsgID))
		return
	}

	accepted := s.tasks.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		handler(ctx, conn, env, raw)
	})
	if !accepted {
		metrics.WorkerRejected.Inc()
		s.log.Warn("worker pool rejected request", zap.Int("msgid", env.MsgID))
		conn.Send(protocol.BusyAck(env.MsgID))
	}
}

// RunSubscriber opens this node's broker subscription and starts the drain
// loop. The broker's own goroutine only moves bytes into a buffered queue;
// this loop is the single consumer doing the actual dispatch, so a slow
// offline compensation never stalls the transport read.
func (s *Service) RunSubscriber(ctx context.Context) error {
	ch, err := s.broker.Subscribe(ctx, s.nodeID)
	if err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case payload, ok := <-ch:
				if !ok {
					s.log.Info("broker subscription closed")
					return
				}
				s.handleRemoteEnvelope(payload)
			}
		}
	}()
	s.log.Info("subscribed to node channel", zap.String("channel", s.nodeID))
	return nil
}

// Disconnect is invoked by the transport when a connection goes away, with
// or without a prior logout message. A connection that never authenticated
// has nothing to clean up.
func (s *Service) Disconnect(conn session.Conn) {
	userID, ok := conn.AuthUserID()
	if !ok {
		return
	}
	s.cleanup(userID)
	s.log.Info("user disconnected", zap.Int64("user", userID))
}

// cleanup is the single convergence point for logout and detected
// disconnects: registry entry out, group cache trimmed, presence record
// deleted. The two local mutexes are taken one after the other, never
// nested, and never across the presence round trip.
func (s *Service) cleanup(userID int64) {
	s.registry.Remove(userID)
	s.groups.RemoveUser(userID)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.presence.SetOffline(ctx, userID); err != nil {
		metrics.PresenceErrors.Inc()
		s.log.Error("failed to clear presence record; TTL expiry will reap it",
			zap.Int64("user", userID), zap.Error(err))
	}
	metrics.ActiveSessions.Dec()
}
