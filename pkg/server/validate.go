package server

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	minPasswordLength = 6
	maxPasswordLength = 20
	maxNicknameLength = 20
	birthdayLayout    = "2006-01-02"
)

// nicknameForbidden lists characters that are not allowed in nicknames.
const nicknameForbidden = `,*.:()|<>/\`

// validatePassword requires 6-20 printable ASCII characters without spaces.
func validatePassword(pwd string) error {
	if len(pwd) < minPasswordLength || len(pwd) > maxPasswordLength {
		return businessError("password must be 6-20 characters")
	}
	for i := 0; i < len(pwd); i++ {
		if pwd[i] <= ' ' || pwd[i] > '~' {
			return businessError("password contains invalid characters")
		}
	}
	return nil
}

func validateNickname(nickname string) error {
	n := utf8.RuneCountInString(nickname)
	if n == 0 || n > maxNicknameLength {
		return businessError("nickname must be 1-20 characters")
	}
	if strings.ContainsAny(nickname, nicknameForbidden) {
		return businessError("nickname contains invalid characters")
	}
	for _, r := range nickname {
		if !unicode.IsPrint(r) {
			return businessError("nickname contains invalid characters")
		}
	}
	return nil
}

// validateBirthday accepts an empty string or a real calendar date.
func validateBirthday(date string) error {
	if date == "" {
		return nil
	}
	if _, err := time.Parse(birthdayLayout, date); err != nil {
		return businessError("birthday must be YYYY-MM-DD")
	}
	return nil
}

func validateSex(sex string) error {
	switch sex {
	case "", "male", "female", "other":
		return nil
	}
	return businessError("sex must be male, female or other")
}
