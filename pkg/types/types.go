package types

import (
	"github.com/gofrs/uuid"
)

// SourceKind tells whether a sync source is a folder tree or a single file.
type SourceKind string

const (
	// SourceKindFolder is a remote folder mirrored with its descendants.
	SourceKindFolder SourceKind = "folder"
	// SourceKindFile is a single remote file.
	SourceKindFile SourceKind = "file"
)

// SyncStatus is the state of a knowledge base's sync metadata.
//
//	idle → syncing → {idle, error, needs_reauth}
//
// needs_reauth only goes back to idle when a user re-authorizes.
type SyncStatus string

const (
	// SyncStatusIdle means no pass is running and the KB can be synced.
	SyncStatusIdle SyncStatus = "idle"
	// SyncStatusSyncing means a pass is running.
	SyncStatusSyncing SyncStatus = "syncing"
	// SyncStatusError means the last pass failed with a non-credential error.
	SyncStatusError SyncStatus = "error"
	// SyncStatusNeedsReauth means the stored credential was revoked.
	SyncStatusNeedsReauth SyncStatus = "needs_reauth"
)

// CanStartSync reports whether a pass can move the status to syncing.
func (s SyncStatus) CanStartSync() bool {
	return s == SyncStatusIdle || s == SyncStatusError || s == ""
}

// ShareRole is the relation a group is granted on a knowledge base.
type ShareRole string

const (
	// ShareRoleReader grants read access.
	ShareRoleReader ShareRole = "reader"
	// ShareRoleWriter grants write access.
	ShareRoleWriter ShareRole = "writer"
)

type (
	// Knowledge Base unique identifier
	KBUIDType = uuid.UUID
	// Synced file unique identifier
	FileUIDType = uuid.UUID
	// Sync source unique identifier
	SourceUIDType = uuid.UUID
	// Token record unique identifier
	TokenUIDType = uuid.UUID

	// Namespace that owns a knowledge base
	NamespaceUIDType = uuid.UUID
	// User unique identifier
	UserUIDType = uuid.UUID
)
