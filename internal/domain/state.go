package domain

import (
	"fmt"
	"time"
)

// Gender is the preferred assistant persona.
type Gender string

const (
	GenderFemale Gender = "female"
	GenderMale   Gender = "male"
)

// Valid reports whether g is a known persona.
func (g Gender) Valid() bool { return g == GenderFemale || g == GenderMale }

// Subscription is the billing tier of a user.
type Subscription string

const (
	SubscriptionFree    Subscription = "free"
	SubscriptionPremium Subscription = "premium"
)

// Valid reports whether s is a known tier.
func (s Subscription) Valid() bool { return s == SubscriptionFree || s == SubscriptionPremium }

// CachedUserState is the hot subset of a User kept in memory to answer
// consent, persona and subscription checks without a storage round-trip.
type CachedUserState struct {
	UserID                int64        `json:"user_id"`
	ConsentGiven          bool         `json:"consent_given"`
	Gender                Gender       `json:"gender"`
	Subscription          Subscription `json:"subscription"`
	SubscriptionExpiresAt *time.Time   `json:"subscription_expires_at,omitempty"`
	Language              string       `json:"language"`
	LastMessageAt         *time.Time   `json:"last_message_at,omitempty"`
	CachedAt              time.Time    `json:"cached_at"`
	LastAccessed          time.Time    `json:"last_accessed"`
}

// StateFromUser builds the cached view of u stamped at now.
func StateFromUser(u User, now time.Time) CachedUserState {
	return CachedUserState{
		UserID:                u.ID,
		ConsentGiven:          u.ConsentGiven,
		Gender:                u.Gender,
		Subscription:          u.Subscription,
		SubscriptionExpiresAt: cloneTime(u.SubscriptionExpiresAt),
		Language:              u.Language,
		LastMessageAt:         cloneTime(u.LastMessageAt),
		CachedAt:              now,
		LastAccessed:          now,
	}
}

// IsPremium reports whether the user holds an unexpired premium subscription.
// A premium subscription without expiry never lapses.
func (s CachedUserState) IsPremium(now time.Time) bool {
	if s.Subscription != SubscriptionPremium {
		return false
	}
	return s.SubscriptionExpiresAt == nil || now.Before(*s.SubscriptionExpiresAt)
}

// Clone returns a deep copy of s so callers never share pointers with the
// cache table.
func (s CachedUserState) Clone() CachedUserState {
	s.SubscriptionExpiresAt = cloneTime(s.SubscriptionExpiresAt)
	s.LastMessageAt = cloneTime(s.LastMessageAt)
	return s
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Field enumerates the CachedUserState fields that may be updated in place.
type Field int

const (
	FieldConsent Field = iota + 1
	FieldGender
	FieldSubscription
	FieldLanguage
	FieldLastMessageAt
)

func (f Field) String() string {
	switch f {
	case FieldConsent:
		return "consent"
	case FieldGender:
		return "gender"
	case FieldSubscription:
		return "subscription"
	case FieldLanguage:
		return "language"
	case FieldLastMessageAt:
		return "last_message_at"
	default:
		return fmt.Sprintf("field(%d)", int(f))
	}
}

// FieldUpdate is a single typed mutation of a CachedUserState. Build one
// with the Set* constructors; the zero value applies nothing.
type FieldUpdate struct {
	field        Field
	consent      bool
	gender       Gender
	subscription Subscription
	expiresAt    *time.Time
	language     string
	at           time.Time
}

// SetConsent records the consent flag.
func SetConsent(given bool) FieldUpdate {
	return FieldUpdate{field: FieldConsent, consent: given}
}

// SetGender records the persona preference.
func SetGender(g Gender) FieldUpdate {
	return FieldUpdate{field: FieldGender, gender: g}
}

// SetSubscription records tier and optional expiry together, they never
// change independently.
func SetSubscription(s Subscription, expiresAt *time.Time) FieldUpdate {
	return FieldUpdate{field: FieldSubscription, subscription: s, expiresAt: cloneTime(expiresAt)}
}

// SetLanguage records the language code.
func SetLanguage(code string) FieldUpdate {
	return FieldUpdate{field: FieldLanguage, language: code}
}

// SetLastMessageAt records the time of the last accepted message.
func SetLastMessageAt(at time.Time) FieldUpdate {
	return FieldUpdate{field: FieldLastMessageAt, at: at}
}

// Field returns which field u mutates.
func (u FieldUpdate) Field() Field { return u.field }

// Apply writes the update into s.
func (u FieldUpdate) Apply(s *CachedUserState) {
	switch u.field {
	case FieldConsent:
		s.ConsentGiven = u.consent
	case FieldGender:
		s.Gender = u.gender
	case FieldSubscription:
		s.Subscription = u.subscription
		s.SubscriptionExpiresAt = cloneTime(u.expiresAt)
	case FieldLanguage:
		s.Language = u.language
	case FieldLastMessageAt:
		at := u.at
		s.LastMessageAt = &at
	}
}

// ApplyToUser writes the update into the persistent record.
func (u FieldUpdate) ApplyToUser(usr *User) {
	switch u.field {
	case FieldConsent:
		usr.ConsentGiven = u.consent
	case FieldGender:
		usr.Gender = u.gender
	case FieldSubscription:
		usr.Subscription = u.subscription
		usr.SubscriptionExpiresAt = cloneTime(u.expiresAt)
	case FieldLanguage:
		usr.Language = u.language
	case FieldLastMessageAt:
		at := u.at
		usr.LastMessageAt = &at
	}
}
