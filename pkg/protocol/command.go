package protocol

import "fmt"

// Command is the closed set of envelope kinds. Codes are stable: new commands
// get new codes, existing codes never change meaning.
type Command uint8

// Client requests
const (
	CmdLogin           Command = 0
	CmdLogout          Command = 1
	CmdRegister        Command = 2
	CmdReqUserInfo     Command = 3
	CmdChat            Command = 4
	CmdAddDelFriend    Command = 5
	CmdAddDelGroup     Command = 6
	CmdAcceptDenyReq   Command = 7
	CmdQueryFriendInfo Command = 8
	CmdFindFriend      Command = 9
	CmdSetInfo         Command = 10
	CmdModifyPassword  Command = 11
)

// Server responses and pushes
const (
	CmdRetFindResult   Command = 95
	CmdRetFriendInfo   Command = 96
	CmdRetOnlineNotify Command = 97
	CmdRetUserInfo     Command = 98
	CmdReceipt         Command = 99
)

var commandNames = map[Command]string{
	CmdLogin:           "LOGIN",
	CmdLogout:          "LOGOUT",
	CmdRegister:        "REGISTER",
	CmdReqUserInfo:     "REQ_USER_INFO",
	CmdChat:            "CHAT",
	CmdAddDelFriend:    "ADD_DEL_FRIEND",
	CmdAddDelGroup:     "ADD_DEL_GROUP",
	CmdAcceptDenyReq:   "ACCEPT_DENY_REQ",
	CmdQueryFriendInfo: "QUERY_FRIEND_INFO",
	CmdFindFriend:      "FIND_FRIEND",
	CmdSetInfo:         "SET_INFO",
	CmdModifyPassword:  "MODIFY_PASSWORD",
	CmdRetFindResult:   "RET_FIND_RESULT",
	CmdRetFriendInfo:   "RET_FRIEND_INFO",
	CmdRetOnlineNotify: "RET_ONLINE_NOTIFY",
	CmdRetUserInfo:     "RET_USER_INFO",
	CmdReceipt:         "RECEIPT",
}

// String returns a stable label, used for logs and metric labels.
func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_%d", uint8(c))
}

// Known reports whether c belongs to the enumeration.
func (c Command) Known() bool {
	_, ok := commandNames[c]
	return ok
}

// Commands returns every known command in ascending code order.
func Commands() []Command {
	out := make([]Command, 0, len(commandNames))
	for c := CmdLogin; c <= CmdModifyPassword; c++ {
		out = append(out, c)
	}
	for c := CmdRetFindResult; c <= CmdReceipt; c++ {
		out = append(out, c)
	}
	return out
}
