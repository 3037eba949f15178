package session

import (
	"math/rand"
	"regexp"
	"strconv"
)

var roomCodePattern = regexp.MustCompile(`^[0-9]{10}$`)

// NewRoomCode returns a random 10 digit room code.
func NewRoomCode() string {
	return strconv.FormatInt(1000000000+rand.Int63n(9000000000), 10)
}

// ValidRoomCode reports whether code is a 10 digit room code.
func ValidRoomCode(code string) bool {
	return roomCodePattern.MatchString(code)
}
