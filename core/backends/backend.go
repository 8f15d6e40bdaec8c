// Package backends implements the executors behind the engine's dispatch
// table: one per data source kind, all satisfying the same contract.
package backends

import (
	"context"
	"fmt"
	"time"

	"github.com/querybridge/querybridge/core/definition"
	"github.com/querybridge/querybridge/core/shared/errors"
)

// Credential is the resolved form of a credential reference. The engine
// receives it from the resolver immediately before dispatch and never
// stores it.
type Credential struct {
	ID       string
	Username string
	Password string
	Token    string
}

// CredentialResolver resolves a credential reference into a usable
// credential. Credential storage and encryption live behind this interface.
type CredentialResolver interface {
	Resolve(ctx context.Context, credentialID string) (Credential, error)
}

// StaticCredentials is a fixed credential set, used for config-provisioned
// service accounts and in tests
type StaticCredentials map[string]Credential

// Resolve implements CredentialResolver
func (s StaticCredentials) Resolve(_ context.Context, credentialID string) (Credential, error) {
	cred, ok := s[credentialID]
	if !ok {
		return Credential{}, errors.New(errors.ErrCodeNotFound, fmt.Sprintf("credential '%s' not found", credentialID))
	}
	return cred, nil
}

// ExecContext carries the per-call execution context handed to an executor
type ExecContext struct {
	Credential Credential
	Timeout    time.Duration
}

// RawResult is the backend-native result shape. It is a closed variant set
// so the result mapper can switch exhaustively instead of duck-typing.
type RawResult interface {
	isRawResult()
}

// SQLRows is the raw result of a sql execution
type SQLRows struct {
	Columns []string
	Rows    [][]any
}

func (SQLRows) isRawResult() {}

// DirectoryEntry is one directory object: attribute name to one or more
// string values
type DirectoryEntry struct {
	DN         string
	Attributes map[string][]string
}

// DirectoryEntries is the raw result of a directory search
type DirectoryEntries struct {
	Entries []DirectoryEntry
}

func (DirectoryEntries) isRawResult() {}

// GraphPayload is the raw result of a graph API call
type GraphPayload struct {
	Value []map[string]any
}

func (GraphPayload) isRawResult() {}

// Executor executes bound queries against one backend kind
type Executor interface {
	// DataSource identifies the backend kind this executor serves
	DataSource() definition.DataSource

	// Execute runs a bound query. The context carries cancellation from
	// the caller; ExecContext carries the resolved credential and the
	// statement-level timeout.
	Execute(ctx context.Context, bound *definition.BoundQuery, ec ExecContext) (RawResult, error)

	// Ping is a lightweight connectivity probe, not a full query
	Ping(ctx context.Context) error

	// Schema queries the live backend for its available fields
	Schema(ctx context.Context) ([]definition.FieldMetadata, error)

	// Close releases backend resources
	Close() error
}
