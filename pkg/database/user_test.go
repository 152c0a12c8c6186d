package database

import (
	"testing"

	"github.com/aeolun/buddychat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUserDefaults(t *testing.T) {
	u := NewUser("10000", "alice")
	assert.True(t, u.AllowFind)
	assert.Equal(t, []string{protocol.DefaultGroup}, u.Groups.Names())
	assert.Empty(t, u.FriendIDs())
}

func TestAddFriendKeepsOneGroup(t *testing.T) {
	u := NewUser("10000", "alice")
	require.NoError(t, u.AddGroup("work"))

	require.NoError(t, u.AddFriend("10001", ""))
	require.NoError(t, u.AddFriend("10001", "work"))

	group, ok := u.FriendGroup("10001")
	require.True(t, ok)
	assert.Equal(t, "work", group)
	assert.Equal(t, []string{"10001"}, u.FriendIDs())

	assert.ErrorIs(t, u.AddFriend("10002", "missing"), ErrGroupNotFound)
}

func TestRemoveFriend(t *testing.T) {
	u := NewUser("10000", "alice")
	require.NoError(t, u.AddFriend("10001", ""))
	require.NoError(t, u.AddFriend("10002", ""))

	assert.True(t, u.RemoveFriend("10001"))
	assert.False(t, u.RemoveFriend("10001"))
	assert.Equal(t, []string{"10002"}, u.FriendIDs())
}

func TestGroupLifecycle(t *testing.T) {
	u := NewUser("10000", "alice")
	require.NoError(t, u.AddGroup("work"))
	assert.ErrorIs(t, u.AddGroup("work"), ErrGroupExists)
	require.NoError(t, u.AddFriend("10005", "work"))

	assert.ErrorIs(t, u.DeleteGroup(protocol.DefaultGroup, "work"), ErrDefaultGroup)
	assert.ErrorIs(t, u.DeleteGroup("nope", protocol.DefaultGroup), ErrGroupNotFound)
	assert.ErrorIs(t, u.DeleteGroup("work", "nope"), ErrGroupNotFound)
	assert.ErrorIs(t, u.DeleteGroup("work", "work"), ErrGroupNotFound)

	require.NoError(t, u.DeleteGroup("work", protocol.DefaultGroup))
	assert.Equal(t, []string{protocol.DefaultGroup}, u.Groups.Names())
	group, ok := u.FriendGroup("10005")
	require.True(t, ok)
	assert.Equal(t, protocol.DefaultGroup, group)
}

func TestCloneIsDeep(t *testing.T) {
	u := NewUser("10000", "alice")
	u.ExtInfo = map[string]any{"city": "Oslo"}
	c := u.Clone()

	require.NoError(t, c.AddFriend("10001", ""))
	c.ExtInfo["city"] = "Bergen"

	assert.Empty(t, u.FriendIDs())
	assert.Equal(t, "Oslo", u.ExtInfo["city"])
}

func TestProjections(t *testing.T) {
	u := NewUser("10000", "alice")
	u.Sex = "female"
	u.Birthday = "1990-01-02"
	u.Description = "hi"

	assert.Equal(t, protocol.Summary{ID: "10000", Online: true, Nickname: "alice"}, u.Summary(true))
	info := u.PublicInfo(false)
	assert.Equal(t, "female", info.Sex)
	assert.Equal(t, "hi", info.Desc)
	assert.False(t, info.Online)
}

func TestRecordRoundTrip(t *testing.T) {
	u := NewUser("10000", "alice")
	require.NoError(t, u.AddGroup("work"))
	require.NoError(t, u.AddFriend("10001", "work"))

	data, err := encodeRecord(u)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"class":"User"`)

	back, err := decodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, u, back)
}

func TestDecodeRecordRejectsUnknownClass(t *testing.T) {
	_, err := decodeRecord([]byte(`{"class":"Robot","ID":"10000"}`))
	assert.Error(t, err)
	_, err = decodeRecord([]byte(`{"ID":"10000"}`))
	assert.Error(t, err)
}
