package persistence

import "errors"

var (
	ErrRecordSize     = errors.New("record has wrong size")
	ErrRecordVersion  = errors.New("record has unknown layout version")
	ErrRecordMismatch = errors.New("stored records disagree with replayed state")
	ErrHashMismatch   = errors.New("replayed state hash disagrees with event log")
	ErrSequenceGap    = errors.New("event log sequence gap")
)

var errMemoryWrite = errors.New("memory store: injected write failure")
