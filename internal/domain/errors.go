package domain

import "errors"

var (
	ErrUnknownConnection       = errors.New("unknown connection")
	ErrDuplicateConnection     = errors.New("connection already established")
	ErrUpstreamUnavailable     = errors.New("upstream unavailable")
	ErrMalformedMessage        = errors.New("malformed message")
	ErrBroadcastPartialFailure = errors.New("broadcast partially failed")
	ErrQueueUnavailable        = errors.New("queue unavailable")
	ErrInvalidToken            = errors.New("invalid access token")
)
