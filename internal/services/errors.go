// Package services composes the admission layer: the user state read-through,
// the admission pipeline and message intake. This file centralizes the
// service-level error values so callers can branch on them with errors.Is.
//
// Translation into user-facing messages or HTTP status codes is done at the
// handler layer.
package services

import (
	"errors"

	"github.com/tbourn/chat-gatekeeper/internal/domain"
)

// User-related errors.
var (
	// ErrInvalidUserID is returned for non-positive user ids.
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrUserNotFound indicates that no persistent record exists for the id.
	ErrUserNotFound = domain.ErrUserNotFound

	// ErrInvalidGender is returned when a persona is neither female nor male.
	ErrInvalidGender = errors.New("gender must be female or male")

	// ErrInvalidLanguage is returned when a language code is not a valid
	// BCP 47 tag.
	ErrInvalidLanguage = errors.New("invalid language code")

	// ErrInvalidSubscription is returned for unknown tiers or a premium
	// expiry in the past.
	ErrInvalidSubscription = errors.New("invalid subscription")
)

// Admission errors.
var (
	// ErrNotAccepted is returned by Commit for a rejected decision.
	ErrNotAccepted = errors.New("decision was not accepted")
)
