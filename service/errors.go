package service

import "errors"

// ErrAttemptsExhausted is returned by Every when the attempt budget runs out
var ErrAttemptsExhausted = errors.New("attempts exhausted")
