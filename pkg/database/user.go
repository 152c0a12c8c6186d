package database

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aeolun/buddychat/pkg/protocol"
)

var (
	// ErrUserNotFound indicates no user has the requested ID.
	ErrUserNotFound = errors.New("user not found")
	// ErrGroupExists indicates a group with that name already exists.
	ErrGroupExists = errors.New("group exists")
	// ErrGroupNotFound indicates the named group does not exist.
	ErrGroupNotFound = errors.New("group not found")
	// ErrDefaultGroup indicates an attempt to delete the default group.
	ErrDefaultGroup = errors.New("default group cannot be deleted")
	// ErrFriendNotFound indicates the friend is in none of the user's groups.
	ErrFriendNotFound = errors.New("friend or group not found")
)

// User is a profile record. Online status is not part of it: callers derive
// it from the presence registry when rendering a view.
type User struct {
	ID          string
	Nickname    string
	Sex         string
	Birthday    string
	Description string
	AllowFind   bool
	Groups      protocol.Groups[string]
	ExtInfo     map[string]any
}

// NewUser returns a discoverable user with only the default group.
func NewUser(id, nickname string) *User {
	return &User{
		ID:        id,
		Nickname:  nickname,
		AllowFind: true,
		Groups:    protocol.Groups[string]{{Name: protocol.DefaultGroup, Members: []string{}}},
	}
}

// Clone returns a deep copy.
func (u *User) Clone() *User {
	c := *u
	c.Groups = u.Groups.Clone()
	if u.ExtInfo != nil {
		c.ExtInfo = make(map[string]any, len(u.ExtInfo))
		for k, v := range u.ExtInfo {
			c.ExtInfo[k] = v
		}
	}
	return &c
}

// FriendGroup returns the group holding friendID.
func (u *User) FriendGroup(friendID string) (string, bool) {
	return u.Groups.Locate(friendID)
}

// HasFriend reports whether friendID is in any group.
func (u *User) HasFriend(friendID string) bool {
	_, ok := u.Groups.Locate(friendID)
	return ok
}

// FriendIDs lists every friend across all groups, in group order.
func (u *User) FriendIDs() []string {
	var ids []string
	for _, g := range u.Groups {
		ids = append(ids, g.Members...)
	}
	return ids
}

// AddFriend puts friendID into group, moving it out of any other group so a
// friend is never listed twice. An empty group means the default group.
func (u *User) AddFriend(friendID, group string) error {
	if group == "" {
		group = protocol.DefaultGroup
	}
	idx := u.Groups.Index(group)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, group)
	}
	u.RemoveFriend(friendID)
	u.Groups[idx].Members = append(u.Groups[idx].Members, friendID)
	return nil
}

// RemoveFriend deletes friendID from whichever group holds it.
func (u *User) RemoveFriend(friendID string) bool {
	for i := range u.Groups {
		members := u.Groups[i].Members
		for j, m := range members {
			if m == friendID {
				u.Groups[i].Members = append(members[:j:j], members[j+1:]...)
				return true
			}
		}
	}
	return false
}

// AddGroup appends an empty group.
func (u *User) AddGroup(name string) error {
	if u.Groups.Has(name) {
		return ErrGroupExists
	}
	u.Groups = append(u.Groups, protocol.Group[string]{Name: name, Members: []string{}})
	return nil
}

// DeleteGroup removes a group after moving its members into moveTo.
func (u *User) DeleteGroup(name, moveTo string) error {
	if name == protocol.DefaultGroup {
		return ErrDefaultGroup
	}
	src := u.Groups.Index(name)
	if src < 0 {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, name)
	}
	if moveTo == "" {
		moveTo = protocol.DefaultGroup
	}
	dst := u.Groups.Index(moveTo)
	if dst < 0 || dst == src {
		return fmt.Errorf("%w: %s", ErrGroupNotFound, moveTo)
	}

	u.Groups[dst].Members = append(u.Groups[dst].Members, u.Groups[src].Members...)
	u.Groups = append(u.Groups[:src:src], u.Groups[src+1:]...)
	return nil
}

// Summary projects the minimal public view.
func (u *User) Summary(online bool) protocol.Summary {
	return protocol.Summary{ID: u.ID, Online: online, Nickname: u.Nickname}
}

// PublicInfo projects what friends may see.
func (u *User) PublicInfo(online bool) protocol.PublicInfo {
	var ext map[string]any
	if u.ExtInfo != nil {
		ext = u.Clone().ExtInfo
	}
	return protocol.PublicInfo{
		Summary:  u.Summary(online),
		Sex:      u.Sex,
		Birthday: u.Birthday,
		Desc:     u.Description,
		ExtInfo:  ext,
	}
}

// recordClassUser tags user records in snapshots.
const recordClassUser = "User"

// userRecord is the persisted shape of a User.
type userRecord struct {
	Class     string                  `json:"class"`
	ID        string                  `json:"ID"`
	Nickname  string                  `json:"nickname"`
	Sex       string                  `json:"sex"`
	Birthday  string                  `json:"birthday"`
	Desc      string                  `json:"desc"`
	AllowFind bool                    `json:"allowFind"`
	Groups    protocol.Groups[string] `json:"groups"`
	ExtInfo   map[string]any          `json:"extInfo"`
}

// recordDecoders maps a snapshot discriminator to the function that rebuilds
// that kind of record.
var recordDecoders = map[string]func(json.RawMessage) (*User, error){
	recordClassUser: decodeUserRecord,
}

func encodeRecord(u *User) ([]byte, error) {
	return json.Marshal(userRecord{
		Class:     recordClassUser,
		ID:        u.ID,
		Nickname:  u.Nickname,
		Sex:       u.Sex,
		Birthday:  u.Birthday,
		Desc:      u.Description,
		AllowFind: u.AllowFind,
		Groups:    u.Groups,
		ExtInfo:   u.ExtInfo,
	})
}

func decodeRecord(data json.RawMessage) (*User, error) {
	var tag struct {
		Class string `json:"class"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, err
	}
	decode, ok := recordDecoders[tag.Class]
	if !ok {
		return nil, fmt.Errorf("unknown record class %q", tag.Class)
	}
	return decode(data)
}

func decodeUserRecord(data json.RawMessage) (*User, error) {
	var r userRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if err := protocol.ValidateID(r.ID); err != nil {
		return nil, err
	}
	if !r.Groups.Has(protocol.DefaultGroup) {
		r.Groups = append(protocol.Groups[string]{{Name: protocol.DefaultGroup, Members: []string{}}}, r.Groups...)
	}
	return &User{
		ID:          r.ID,
		Nickname:    r.Nickname,
		Sex:         r.Sex,
		Birthday:    r.Birthday,
		Description: r.Desc,
		AllowFind:   r.AllowFind,
		Groups:      r.Groups,
		ExtInfo:     r.ExtInfo,
	}, nil
}
