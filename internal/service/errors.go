package service

import "errors"

var (
	ErrUnknownUser     = errors.New("unknown user")
	ErrUserOffline     = errors.New("user is offline")
	ErrAlreadyContacts = errors.New("users are already contacts")
	ErrNotContacts     = errors.New("users are not contacts")
	ErrRequestPending  = errors.New("contact request already pending")
	ErrNoSuchRequest   = errors.New("no contact request from that user")

	ErrAlreadyBusy    = errors.New("user is already in a call")
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrNotInCall      = errors.New("user is not in a call")

	ErrProjectNotFound = errors.New("project not found")
	ErrNotInSameRoom   = errors.New("project host is not in the caller's room")
)
