package store

import "errors"

var (
	// ErrNotFound is returned when a lookup by id finds no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when an insert would violate an invariant
	// the database itself can't express as a constraint (owned-policy
	// single RTC per agent, single active writer, etc).
	ErrConflict = errors.New("store: conflict")
	// ErrPolicyForbidsCreation is returned by RtcQueries.Create when the
	// parent room's RtcSharingPolicy is PolicyNone.
	ErrPolicyForbidsCreation = errors.New("store: rtc_sharing_policy=none disallows rtc creation")
)
