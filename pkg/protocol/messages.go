package protocol

import "encoding/json"

// Header carries the fields every envelope has.
type Header struct {
	ID    string  `json:"ID"`
	Cmd   Command `json:"cmd"`
	MsgID int64   `json:"msgid"`
}

// Head returns the header so any variant can be handled generically.
func (h *Header) Head() *Header { return h }

// Envelope is implemented by every message variant. Command reports the code
// the variant's type stands for, which must equal Head().Cmd.
type Envelope interface {
	Head() *Header
	Command() Command
}

// Summary is the minimal public view of a user.
type Summary struct {
	ID       string `json:"ID"`
	Online   bool   `json:"online"`
	Nickname string `json:"nickname"`
}

// PublicInfo is what a friend may see.
type PublicInfo struct {
	Summary
	Sex      string         `json:"sex"`
	Birthday string         `json:"birthday"`
	Desc     string         `json:"desc"`
	ExtInfo  map[string]any `json:"extInfo"`
}

// Profile is the full view a user gets of themselves.
type Profile struct {
	PublicInfo
	AllowFind bool            `json:"allowFind"`
	Groups    Groups[Summary] `json:"groups"`
}

type Login struct {
	Header
	Pwd string `json:"pwd"`
}

type Logout struct {
	Header
}

type Register struct {
	Header
	Pwd      string `json:"pwd"`
	Nickname string `json:"nickname"`
}

type ReqUserInfo struct {
	Header
}

// Chat is sent by a client to a friend. Before relaying, the server replaces
// FriendID and Nickname with the sender's.
type Chat struct {
	Header
	Chat     string `json:"chat"`
	FriendID string `json:"friendId"`
	Nickname string `json:"nickname"`
}

type AddDelFriend struct {
	Header
	FriendID string `json:"friendId"`
	Nickname string `json:"nickname"`
	Group    string `json:"group"`
	Add      bool   `json:"add"`
}

type AddDelGroup struct {
	Header
	Group  string `json:"group"`
	MoveTo string `json:"moveto"`
	Add    bool   `json:"add"`
}

type AcceptDenyReq struct {
	Header
	Group    string `json:"group"`
	FriendID string `json:"friendId"`
	Nickname string `json:"nickname"`
	Accept   bool   `json:"accept"`
}

type QueryFriendInfo struct {
	Header
	FriendID string `json:"friendId"`
}

type FindFriend struct {
	Header
	FriendID string `json:"friendId"`
	Nickname string `json:"nickname"`
	Fuzzy    bool   `json:"fuzzy"`
}

type SetInfo struct {
	Header
	Nickname  string         `json:"nickname"`
	Sex       string         `json:"sex"`
	AllowFind bool           `json:"allowFind"`
	Birthday  string         `json:"birthday"`
	Desc      string         `json:"desc"`
	ExtInfo   map[string]any `json:"extInfo"`
}

type ModifyPassword struct {
	Header
	OldPwd string `json:"oldPwd"`
	NewPwd string `json:"newPwd"`
}

type RetFindResult struct {
	Header
	Result []Summary `json:"result"`
}

type RetFriendInfo struct {
	Header
	Group  string     `json:"group"`
	Result PublicInfo `json:"result"`
}

type RetOnlineNotify struct {
	Header
	FriendID string `json:"friendId"`
	Nickname string `json:"nickname"`
	Online   bool   `json:"online"`
}

type RetUserInfo struct {
	Header
	Success bool    `json:"success"`
	User    Profile `json:"user"`
	Reason  string  `json:"reason"`
	ExeCmd  Command `json:"exeCmd"`
}

// MarshalJSON sends an empty user object when the request failed.
func (m RetUserInfo) MarshalJSON() ([]byte, error) {
	type plain RetUserInfo
	if m.Success {
		return json.Marshal(plain(m))
	}
	return json.Marshal(struct {
		plain
		User struct{} `json:"user"`
	}{plain: plain(m)})
}

type Receipt struct {
	Header
	Reason  string  `json:"reason"`
	Success bool    `json:"success"`
	ExeCmd  Command `json:"exeCmd"`
}

// Unknown stands in for a well-formed header whose command code is not part
// of the enumeration. It lets the session answer "unknown command" instead of
// treating the input as malformed.
type Unknown struct {
	Header
}

func (*Login) Command() Command           { return CmdLogin }
func (*Logout) Command() Command          { return CmdLogout }
func (*Register) Command() Command        { return CmdRegister }
func (*ReqUserInfo) Command() Command     { return CmdReqUserInfo }
func (*Chat) Command() Command            { return CmdChat }
func (*AddDelFriend) Command() Command    { return CmdAddDelFriend }
func (*AddDelGroup) Command() Command     { return CmdAddDelGroup }
func (*AcceptDenyReq) Command() Command   { return CmdAcceptDenyReq }
func (*QueryFriendInfo) Command() Command { return CmdQueryFriendInfo }
func (*FindFriend) Command() Command      { return CmdFindFriend }
func (*SetInfo) Command() Command         { return CmdSetInfo }
func (*ModifyPassword) Command() Command  { return CmdModifyPassword }
func (*RetFindResult) Command() Command   { return CmdRetFindResult }
func (*RetFriendInfo) Command() Command   { return CmdRetFriendInfo }
func (*RetOnlineNotify) Command() Command { return CmdRetOnlineNotify }
func (*RetUserInfo) Command() Command     { return CmdRetUserInfo }
func (*Receipt) Command() Command         { return CmdReceipt }
func (u *Unknown) Command() Command       { return u.Cmd }

// NewReceipt builds a receipt addressed to id answering exeCmd.
func NewReceipt(id string, exeCmd Command, success bool, reason string) *Receipt {
	return &Receipt{
		Header:  Header{ID: id, Cmd: CmdReceipt},
		Reason:  reason,
		Success: success,
		ExeCmd:  exeCmd,
	}
}

// NewOnlineNotify builds a presence push announcing that friendID changed state.
func NewOnlineNotify(to, friendID, nickname string, online bool) *RetOnlineNotify {
	return &RetOnlineNotify{
		Header:   Header{ID: to, Cmd: CmdRetOnlineNotify},
		FriendID: friendID,
		Nickname: nickname,
		Online:   online,
	}
}
