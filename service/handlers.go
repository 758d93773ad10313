package service

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/kysua/chat-server/metrics"
	"github.com/kysua/chat-server/model"
	"github.com/kysua/chat-server/protocol"
	"github.com/kysua/chat-server/session"
)

// handleLogin authenticates the user, enforces the single-session-per-user
// invariant through the presence store, and installs the local session.
//
// When the presence store is unreachable the login fails closed: admitting
// the user without a global uniqueness check could create a second session
// on another node, and unlike message delivery there is no fallback that
// repairs that later.
func (s *Service) handleLogin(ctx context.Context, conn session.Conn, env protocol.Envelope, _ []byte) {
	userID := env.ID

	user, found, err := s.users.QueryByID(ctx, userID)
	if err != nil {
		s.log.Error("login user query failed", zap.Int64("user", userID), zap.Error(err))
		metrics.Logins.WithLabelValues("error").Inc()
		conn.Send(protocol.Marshal(protocol.Ack{
			MsgID: protocol.MsgLoginAck, Errno: protocol.ErrnoBusy,
			Errmsg: "service busy, try again later",
		}))
		return
	}
	if !found || bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(env.Password)) != nil {
		metrics.Logins.WithLabelValues("bad_credentials").Inc()
		conn.Send(protocol.Marshal(protocol.Ack{
			MsgID: protocol.MsgLoginAck, Errno: protocol.ErrnoBadCredentials,
			Errmsg: "invalid id or password",
		}))
		return
	}

	_, online, err := s.presence.GetStatus(ctx, userID)
	if err != nil {
		metrics.PresenceErrors.Inc()
		metrics.Logins.WithLabelValues("error").Inc()
		s.log.Error("login presence check failed, refusing (fail closed)",
			zap.Int64("user", userID), zap.Error(err))
		conn.Send(protocol.Marshal(protocol.Ack{
			MsgID: protocol.MsgLoginAck, Errno: protocol.ErrnoBusy,
			Errmsg: "service busy, try again later",
		}))
		return
	}
	if online {
		// The existing session, wherever it lives, stays untouched.
		metrics.Logins.WithLabelValues("duplicate").Inc()
		conn.Send(protocol.Marshal(protocol.Ack{
			MsgID: protocol.MsgLoginAck, Errno: protocol.ErrnoDuplicateLogin,
			Errmsg: "this account is already online elsewhere",
		}))
		return
	}

	conn.SetAuthUserID(userID)
	s.registry.Add(userID, conn)

	if err := s.presence.SetOnline(ctx, userID, s.nodeID); err != nil {
		// Roll the local session back; without a presence record the rest
		// of the cluster would treat the user as offline forever.
		s.registry.Remove(userID)
		conn.SetAuthUserID(0)
		metrics.PresenceErrors.Inc()
		metrics.Logins.WithLabelValues("error").Inc()
		s.log.Error("login presence write failed", zap.Int64("user", userID), zap.Error(err))
		conn.Send(protocol.Marshal(protocol.Ack{
			MsgID: protocol.MsgLoginAck, Errno: protocol.ErrnoBusy,
			Errmsg: "service busy, try again later",
		}))
		return
	}

	userGroups, err := s.groupStore.QueryGroupsOf(ctx, userID)
	if err != nil {
		s.log.Error("login group query failed", zap.Int64("user", userID), zap.Error(err))
		userGroups = nil
	}
	for _, g := range userGroups {
		s.groups.AddMember(g.ID, userID)
	}

	ack := s.buildLoginAck(ctx, user, userGroups)
	metrics.ActiveSessions.Inc()
	metrics.Logins.WithLabelValues("success").Inc()
	s.log.Info("user logged in", zap.Int64("user", userID), zap.String("node", s.nodeID))
	conn.Send(protocol.Marshal(ack))
}

// buildLoginAck assembles the success response: offline messages (delivered
// and purged), friends with live state, and group rosters with per-member
// state resolved in one batched presence lookup. Roster enrichment failures
// degrade the response instead of failing the login.
func (s *Service) buildLoginAck(ctx context.Context, user model.User, userGroups []model.Group) protocol.LoginAck {
	ack := protocol.LoginAck{
		MsgID: protocol.MsgLoginAck,
		Errno: protocol.ErrnoOK,
		ID:    user.ID,
		Name:  user.Name,
	}

	if stored, err := s.offline.Query(ctx, user.ID); err != nil {
		s.log.Error("offline message query failed", zap.Int64("user", user.ID), zap.Error(err))
	} else if len(stored) > 0 {
		for _, raw := range stored {
			if json.Valid(raw) {
				ack.OfflineMsg = append(ack.OfflineMsg, json.RawMessage(raw))
			}
		}
		if err := s.offline.Remove(ctx, user.ID); err != nil {
			s.log.Error("offline message purge failed", zap.Int64("user", user.ID), zap.Error(err))
		}
	}

	friends, err := s.friends.QueryFriendsOf(ctx, user.ID)
	if err != nil {
		s.log.Error("friend query failed", zap.Int64("user", user.ID), zap.Error(err))
	}

	// One presence snapshot covers friends and all group members.
	idSet := make(map[int64]struct{})
	for _, f := range friends {
		idSet[f.ID] = struct{}{}
	}
	for _, g := range userGroups {
		for _, m := range g.Members {
			idSet[m.ID] = struct{}{}
		}
	}
	ids := make([]int64, 0, len(idSet))
	for id := range idSet {
		ids = append(ids, id)
	}
	online, err := s.presence.BatchGetStatus(ctx, ids)
	if err != nil {
		metrics.PresenceErrors.Inc()
		s.log.Warn("roster presence lookup failed, reporting all offline", zap.Error(err))
		online = nil
	}

	state := func(id int64) string {
		if _, ok := online[id]; ok {
			return "online"
		}
		return "offline"
	}

	for _, f := range friends {
		ack.Friends = append(ack.Friends, protocol.FriendInfo{ID: f.ID, Name: f.Name, State: state(f.ID)})
	}
	for _, g := range userGroups {
		info := protocol.GroupInfo{ID: g.ID, Name: g.Name, Desc: g.Desc}
		for _, m := range g.Members {
			info.Users = append(info.Users, protocol.FriendInfo{ID: m.ID, Name: m.Name, State: state(m.ID)})
		}
		ack.Groups = append(ack.Groups, info)
	}
	return ack
}

// handleRegister creates an account; the password is stored as a bcrypt
// hash.
func (s *Service) handleRegister(ctx context.Context, conn session.Conn, env protocol.Envelope, _ []byte) {
	hash, err := bcrypt.GenerateFromPassword([]byte(env.Password), bcrypt.DefaultCost)
	if err != nil {
		s.log.Error("password hash failed", zap.Error(err))
		conn.Send(protocol.Marshal(protocol.RegisterAck{
			MsgID: protocol.MsgRegisterAck, Errno: protocol.ErrnoGeneric,
		}))
		return
	}
	id, err := s.users.Insert(ctx, env.Name, string(hash))
	if err != nil {
		s.log.Error("user insert failed", zap.String("name", env.Name), zap.Error(err))
		conn.Send(protocol.Marshal(protocol.RegisterAck{
			MsgID: protocol.MsgRegisterAck, Errno: protocol.ErrnoGeneric,
		}))
		return
	}
	conn.Send(protocol.Marshal(protocol.RegisterAck{
		MsgID: protocol.MsgRegisterAck, Errno: protocol.ErrnoOK, ID: id,
	}))
}

// handleHeartbeat refreshes the caller's presence TTL. It is only honored
// when the connection's tagged identity matches the claimed id. A refresh
// that finds no record means the record expired faster than heartbeats
// arrived; that is a recoverable staleness condition, logged and dropped.
func (s *Service) handleHeartbeat(ctx context.Context, conn session.Conn, env protocol.Envelope, _ []byte) {
	authID, ok := conn.AuthUserID()
	if !ok || authID != env.ID {
		s.log.Warn("heartbeat identity mismatch",
			zap.Int64("claimed", env.ID))
		return
	}
	refreshed, err := s.presence.RefreshTTL(ctx, authID)
	if err != nil {
		metrics.PresenceErrors.Inc()
		s.log.Error("presence refresh failed", zap.Int64("user", authID), zap.Error(err))
		return
	}
	if !refreshed {
		s.log.Warn("presence record already expired on refresh", zap.Int64("user", authID))
	}
}

// handleLogout runs the same cleanup as a detected disconnect; the two
// paths must stay convergent.
func (s *Service) handleLogout(_ context.Context, conn session.Conn, _ protocol.Envelope, _ []byte) {
	userID, ok := conn.AuthUserID()
	if !ok {
		return
	}
	s.cleanup(userID)
	conn.SetAuthUserID(0)
	s.log.Info("user logged out", zap.Int64("user", userID))
}

// handleAddFriend stores the friendship in both directions and acks.
func (s *Service) handleAddFriend(ctx context.Context, conn session.Conn, env protocol.Envelope, _ []byte) {
	if err := s.friends.Insert(ctx, env.ID, env.FriendID); err != nil {
		s.log.Error("friend insert failed", zap.Error(err))
		conn.Send(protocol.Marshal(protocol.FriendAck{
			MsgID: protocol.MsgAddFriendAck, Errno: protocol.ErrnoGeneric,
		}))
		return
	}
	if err := s.friends.Insert(ctx, env.FriendID, env.ID); err != nil {
		s.log.Error("friend insert failed", zap.Error(err))
		conn.Send(protocol.Marshal(protocol.FriendAck{
			MsgID: protocol.MsgAddFriendAck, Errno: protocol.ErrnoGeneric,
		}))
		return
	}
	conn.Send(protocol.Marshal(protocol.FriendAck{
		MsgID: protocol.MsgAddFriendAck, Errno: protocol.ErrnoOK, FriendID: env.FriendID,
	}))
}

// handleCreateGroup persists the group, enrolls the creator and caches the
// creator's (local) membership.
func (s *Service) handleCreateGroup(ctx context.Context, conn session.Conn, env protocol.Envelope, _ []byte) {
	groupID, err := s.groupStore.CreateGroup(ctx, env.GroupName, env.GroupDesc)
	if err != nil {
		s.log.Error("group create failed", zap.String("name", env.GroupName), zap.Error(err))
		conn.Send(protocol.Marshal(protocol.GroupAck{
			MsgID: protocol.MsgCreateGroupAck, Errno: protocol.ErrnoGeneric,
		}))
		return
	}
	if err := s.groupStore.AddMember(ctx, env.ID, groupID, "creator"); err != nil {
		s.log.Error("group creator enroll failed", zap.Int64("group", groupID), zap.Error(err))
		conn.Send(protocol.Marshal(protocol.GroupAck{
			MsgID: protocol.MsgCreateGroupAck, Errno: protocol.ErrnoGeneric,
		}))
		return
	}
	s.groups.AddMember(groupID, env.ID)
	conn.Send(protocol.Marshal(protocol.GroupAck{
		MsgID: protocol.MsgCreateGroupAck, Errno: protocol.ErrnoOK, GroupID: groupID,
	}))
}

// handleAddGroup enrolls the (locally connected) requester in an existing
// group.
func (s *Service) handleAddGroup(ctx context.Context, conn session.Conn, env protocol.Envelope, _ []byte) {
	if err := s.groupStore.AddMember(ctx, env.ID, env.GroupID, "normal"); err != nil {
		s.log.Error("group join failed", zap.Int64("group", env.GroupID), zap.Error(err))
		conn.Send(protocol.Marshal(protocol.GroupAck{
			MsgID: protocol.MsgAddGroupAck, Errno: protocol.ErrnoGeneric,
		}))
		return
	}
	s.groups.AddMember(env.GroupID, env.ID)
	conn.Send(protocol.Marshal(protocol.GroupAck{
		MsgID: protocol.MsgAddGroupAck, Errno: protocol.ErrnoOK, GroupID: env.GroupID,
	}))
}
