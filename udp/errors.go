package udp

import "errors"

var (
	ErrHandleClosed        = errors.New("udp handle is closed")
	ErrMissingRecvCallback = errors.New("udp receive requires a callback")
)
