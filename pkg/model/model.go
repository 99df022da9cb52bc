// Package model defines the core domain types for parley.
package model

// Permission represents a specific action that can be checked against a role.
type Permission int

const (
	PermKickUser Permission = iota
	PermMuteUser
	PermPromoteUser
	PermDemoteUser
	PermDeleteMessage
	PermViewPrivate
)
