package group

import "errors"

var (
	// ErrVersionConflict is returned when a propose call's base version no
	// longer matches the roster's current version.
	ErrVersionConflict = errors.New("group: version conflict")
	// ErrUnknownMember is returned when a role-update or removal names a
	// member-id absent from the roster.
	ErrUnknownMember = errors.New("group: unknown member")
	// ErrCannotRemoveSelf is returned when a remove-peer proposal names the
	// local member.
	ErrCannotRemoveSelf = errors.New("group: cannot remove local member")
	// ErrAlreadyMember is returned when a join proposal's address already
	// appears in the roster.
	ErrAlreadyMember = errors.New("group: address already a member")
	// ErrCorrupt is returned when the on-disk group file fails to parse.
	ErrCorrupt = errors.New("group: corrupt file")
)
