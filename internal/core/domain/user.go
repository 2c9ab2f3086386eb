package domain

import (
	"encoding/json"
	"fmt"
)

const MaxAvatarBytes = 64 << 10

// UserData is the profile a node serves as its metadata blob.
type UserData struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
	About  string `json:"about,omitempty"`
	State  string `json:"state,omitempty"` // instance id, changes on restart
	Avatar []byte `json:"avatar,omitempty"`
}

func (u UserData) Encode() ([]byte, error) {
	if len(u.Avatar) > MaxAvatarBytes {
		return nil, fmt.Errorf("avatar too large: %d bytes", len(u.Avatar))
	}
	return json.Marshal(u)
}

// DecodeUserData parses a metadata blob produced by Encode.
func DecodeUserData(b []byte) (UserData, error) {
	var u UserData
	if err := json.Unmarshal(b, &u); err != nil {
		return UserData{}, fmt.Errorf("decode user data: %w", err)
	}
	return u, nil
}
