package domain

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrNotAMember         = errors.New("connection is not a member of the room")
	ErrTargetNotConnected = errors.New("target connection is not registered")
	ErrAlreadyConnected   = errors.New("identity already has an active connection")
	ErrRecencyUnavailable = errors.New("recency ledger unavailable")
)
