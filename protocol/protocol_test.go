package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRejectsMalformedFrame(t *testing.T) {
	_, err := Parse([]byte(`{"msgid":`))
	assert.Error(t, err)
}

func TestParseAbsentFieldsAreZero(t *testing.T) {
	env, err := Parse([]byte(`{"msgid":5,"id":1,"toid":2,"msg":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, MsgOneChat, env.MsgID)
	assert.Equal(t, int64(2), env.ToID)
	assert.Zero(t, env.GroupID)
	assert.Empty(t, env.Password)
}

func TestBusyAckMapsRequestToAckType(t *testing.T) {
	cases := map[int]int{
		MsgLogin:       MsgLoginAck,
		MsgRegister:    MsgRegisterAck,
		MsgAddFriend:   MsgAddFriendAck,
		MsgCreateGroup: MsgCreateGroupAck,
		MsgAddGroup:    MsgAddGroupAck,
		MsgOneChat:     MsgOneChat,
		MsgGroupChat:   MsgGroupChat,
	}
	for req, want := range cases {
		var ack Ack
		require.NoError(t, json.Unmarshal(BusyAck(req), &ack))
		assert.Equal(t, want, ack.MsgID)
		assert.Equal(t, ErrnoBusy, ack.Errno)
		assert.NotEmpty(t, ack.Errmsg)
	}
}
