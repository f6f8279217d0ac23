package service

import "errors"

var (
	// ErrDeliveryRejected is returned when the message endpoint answers
	// with a non-success status.
	ErrDeliveryRejected = errors.New("order message delivery rejected")

	// ErrUndecodableMessage is returned by the fallback when the stored
	// arguments are not an order message.
	ErrUndecodableMessage = errors.New("stored arguments are not an order message")
)
