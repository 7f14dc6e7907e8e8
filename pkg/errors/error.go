// package errors contains the sync domain errors that different layers can
// use to add meaning to an error and that the HTTP handlers transform to a
// status code. This is implemented as a separate package in order to avoid
// cycle import errors.
//
// Generic conditions (not found, invalid argument, rate limiting,
// unauthenticated) reuse the sentinels in github.com/instill-ai/x/errors.
package errors

import (
	"fmt"

	errorsx "github.com/instill-ai/x/errors"
)

var (
	// ErrSyncInProgress is used when an operation conflicts with a running
	// sync pass (e.g. removing a source while the KB is syncing).
	ErrSyncInProgress = errorsx.AddMessage(fmt.Errorf("sync in progress"), "A sync is already running for this knowledge base.")
	// ErrNeedsReauth is used when the knowledge base has no usable credential
	// and a user must authorize the drive connection again.
	ErrNeedsReauth = errorsx.AddMessage(fmt.Errorf("needs re-authorization"), "The drive connection must be authorized again.")
	// ErrCredentialRevoked is returned when the identity provider reports the
	// refresh credential as permanently invalid (invalid_grant).
	ErrCredentialRevoked = fmt.Errorf("credential revoked: %w", ErrNeedsReauth)
	// ErrStaleCredential is returned when the stored refresh credential was
	// replaced by someone else between read and write.
	ErrStaleCredential = fmt.Errorf("stale refresh credential")
	// ErrDeltaTokenExpired is returned by the drive client when the
	// continuation token can't be used anymore and a full enumeration is
	// required.
	ErrDeltaTokenExpired = fmt.Errorf("delta token expired")
	// ErrPermissionConflict is used when a sharing operation would expose
	// synced content to principals that can't access the source.
	ErrPermissionConflict = errorsx.AddMessage(fmt.Errorf("permission conflict"), "Some group members don't have access to the synced sources.")
	// ErrSyncCanceled is used when a pass stops early because a cancel was
	// requested.
	ErrSyncCanceled = fmt.Errorf("sync canceled")
	// ErrUnsupportedFile is used when a remote file can't be ingested.
	ErrUnsupportedFile = fmt.Errorf("unsupported file")
	// ErrConcurrentUpdate is returned when an optimistic-concurrency update
	// finds the record changed since it was read.
	ErrConcurrentUpdate = fmt.Errorf("record was modified concurrently")
)
