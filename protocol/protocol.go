// Package protocol defines the wire-level message envelope exchanged between
// clients and nodes, and re-published verbatim between nodes. Every message
// carries an integer "msgid" tag; acknowledgements carry "errno" (0 = success)
// and an optional "errmsg".
package protocol

import "encoding/json"

// Message type tags.
const (
	MsgLogin = iota + 1
	MsgLoginAck
	MsgRegister
	MsgRegisterAck
	MsgOneChat
	MsgAddFriend
	MsgAddFriendAck
	MsgCreateGroup
	MsgCreateGroupAck
	MsgAddGroup
	MsgAddGroupAck
	MsgGroupChat
	MsgHeartbeat
	MsgLogout
)

// Error codes carried in ack envelopes.
const (
	ErrnoOK             = 0
	ErrnoGeneric        = 1
	ErrnoDuplicateLogin = 2
	ErrnoBadCredentials = 3
	ErrnoBusy           = 4
)

// Envelope is the superset of fields a client request can carry. Absent
// fields unmarshal to their zero value; ids are positive, so a zero ToID or
// GroupID means the field was not present.
type Envelope struct {
	MsgID     int    `json:"msgid"`
	ID        int64  `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Password  string `json:"password,omitempty"`
	ToID      int64  `json:"toid,omitempty"`
	FriendID  int64  `json:"friendid,omitempty"`
	GroupID   int64  `json:"groupid,omitempty"`
	GroupName string `json:"groupname,omitempty"`
	GroupDesc string `json:"groupdesc,omitempty"`
	Msg       string `json:"msg,omitempty"`
	Time      string `json:"time,omitempty"`
}

// Parse decodes a raw client frame. A decode failure means the frame is
// malformed and should be dropped by the caller.
func Parse(raw []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(raw, &env)
	return env, err
}

// Ack is the generic acknowledgement envelope.
type Ack struct {
	MsgID  int    `json:"msgid"`
	Errno  int    `json:"errno"`
	Errmsg string `json:"errmsg,omitempty"`
}

// LoginAck acknowledges a login attempt. On success it carries the user's
// profile, any offline messages accumulated while away, and friend/group
// rosters annotated with live presence state.
type LoginAck struct {
	MsgID      int               `json:"msgid"`
	Errno      int               `json:"errno"`
	Errmsg     string            `json:"errmsg,omitempty"`
	ID         int64             `json:"id,omitempty"`
	Name       string            `json:"name,omitempty"`
	OfflineMsg []json.RawMessage `json:"offlinemsg,omitempty"`
	Friends    []FriendInfo      `json:"friends,omitempty"`
	Groups     []GroupInfo       `json:"groups,omitempty"`
}

// RegisterAck carries the id assigned to a newly registered user.
type RegisterAck struct {
	MsgID  int    `json:"msgid"`
	Errno  int    `json:"errno"`
	Errmsg string `json:"errmsg,omitempty"`
	ID     int64  `json:"id,omitempty"`
}

// FriendAck acknowledges an add-friend request.
type FriendAck struct {
	MsgID    int   `json:"msgid"`
	Errno    int   `json:"errno"`
	FriendID int64 `json:"friendid,omitempty"`
}

// GroupAck acknowledges group creation or membership changes.
type GroupAck struct {
	MsgID   int   `json:"msgid"`
	Errno   int   `json:"errno"`
	GroupID int64 `json:"groupid,omitempty"`
}

// FriendInfo is a roster entry in a LoginAck.
type FriendInfo struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// GroupInfo describes one group the user belongs to, with per-member
// presence state.
type GroupInfo struct {
	ID    int64        `json:"id"`
	Name  string       `json:"name"`
	Desc  string       `json:"desc"`
	Users []FriendInfo `json:"users"`
}

// Marshal serializes any ack payload; the payloads above contain nothing
// that can fail to marshal, so errors are swallowed into a nil slice.
func Marshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// BusyAck builds the "service busy" reply sent when the worker pool rejects
// a request; ackFor maps the request msgid to its ack msgid.
func BusyAck(reqMsgID int) []byte {
	return Marshal(Ack{
		MsgID:  ackFor(reqMsgID),
		Errno:  ErrnoBusy,
		Errmsg: "service busy, try again later",
	})
}

func ackFor(msgID int) int {
	switch msgID {
	case MsgLogin:
		return MsgLoginAck
	case MsgRegister:
		return MsgRegisterAck
	case MsgAddFriend:
		return MsgAddFriendAck
	case MsgCreateGroup:
		return MsgCreateGroupAck
	case MsgAddGroup:
		return MsgAddGroupAck
	default:
		return msgID
	}
}
