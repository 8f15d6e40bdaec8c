package backends

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querybridge/querybridge/core/definition"
	"github.com/querybridge/querybridge/core/logging"
	"github.com/querybridge/querybridge/core/shared/errors"
)

// fakeDirectory substitutes the LDAP connection behind directoryConn.
type fakeDirectory struct {
	bindDN     string
	bindPw     string
	bindErr    error
	lastSearch *ldap.SearchRequest
	result     *ldap.SearchResult
	searchErr  error
	closed     bool
}

func (f *fakeDirectory) Bind(username, password string) error {
	f.bindDN, f.bindPw = username, password
	return f.bindErr
}

func (f *fakeDirectory) SearchWithPaging(req *ldap.SearchRequest, _ uint32) (*ldap.SearchResult, error) {
	f.lastSearch = req
	return f.result, f.searchErr
}

func (f *fakeDirectory) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	f.lastSearch = req
	return f.result, f.searchErr
}

func (f *fakeDirectory) Close() error {
	f.closed = true
	return nil
}

func fakeDirectoryExecutor(conn *fakeDirectory, cfg DirectoryConfig) *DirectoryExecutor {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	return &DirectoryExecutor{
		cfg:  cfg,
		dial: func(DirectoryConfig, time.Duration) (directoryConn, error) { return conn, nil },
		log:  logging.New("backends:directory"),
	}
}

func directoryBound(spec *definition.DirectorySpec, params map[string]any, maxResults int) *definition.BoundQuery {
	return &definition.BoundQuery{
		Definition: &definition.QueryDefinition{
			ID:          "q",
			DataSource:  definition.DataSourceDirectory,
			Constraints: definition.Constraints{MaxResults: maxResults},
			ResultMapping: definition.ResultMapping{
				Fields: []definition.FieldMapping{
					{Source: "sAMAccountName", Name: "username"},
					{Source: "mail", Name: "email"},
				},
			},
			Directory: spec,
		},
		Parameters: params,
	}
}

func TestRenderFilterEscapesValues(t *testing.T) {
	tests := []struct {
		name     string
		template string
		params   map[string]any
		expected string
	}{
		{
			name:     "plain value",
			template: "(&(objectClass=user)(sAMAccountName={{ inputs.login }}))",
			params:   map[string]any{"login": "jdoe"},
			expected: "(&(objectClass=user)(sAMAccountName=jdoe))",
		},
		{
			name:     "filter metacharacters are escaped",
			template: "(cn={{ inputs.name }})",
			params:   map[string]any{"name": "*)(objectClass=*"},
			expected: `(cn=\2a\29\28objectClass=\2a)`,
		},
		{
			name:     "whole numbers render without decimal point",
			template: "(logonCount>={{ inputs.count }})",
			params:   map[string]any{"count": float64(5)},
			expected: "(logonCount>=5)",
		},
		{
			name:     "booleans render as directory literals",
			template: "(enabled={{ inputs.enabled }})",
			params:   map[string]any{"enabled": true},
			expected: "(enabled=TRUE)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rendered, err := renderFilter(tt.template, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, rendered)
		})
	}
}

func TestRenderFilterUnboundParameter(t *testing.T) {
	_, err := renderFilter("(cn={{ inputs.name }})", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name")
}

func TestDirectoryExecuteMapsEntries(t *testing.T) {
	conn := &fakeDirectory{
		result: &ldap.SearchResult{
			Entries: []*ldap.Entry{
				{
					DN: "CN=jdoe,OU=Users,DC=example,DC=org",
					Attributes: []*ldap.EntryAttribute{
						{Name: "sAMAccountName", Values: []string{"jdoe"}},
						{Name: "mail", Values: []string{"jdoe@example.org"}},
					},
				},
			},
		},
	}
	exec := fakeDirectoryExecutor(conn, DirectoryConfig{
		URL: "ldap://localhost", BindDN: "cn=svc", BindPassword: "secret",
	})

	bound := directoryBound(&definition.DirectorySpec{
		BaseDN:         "DC=example,DC=org",
		FilterTemplate: "(sAMAccountName={{ inputs.login }})",
	}, map[string]any{"login": "jdoe"}, 0)

	raw, err := exec.Execute(context.Background(), bound, ExecContext{Timeout: 5 * time.Second})
	require.NoError(t, err)

	entries, ok := raw.(DirectoryEntries)
	require.True(t, ok)
	require.Len(t, entries.Entries, 1)
	assert.Equal(t, "CN=jdoe,OU=Users,DC=example,DC=org", entries.Entries[0].DN)
	assert.Equal(t, []string{"jdoe"}, entries.Entries[0].Attributes["sAMAccountName"])

	// The search asks only for the mapped attributes and the rendered filter.
	require.NotNil(t, conn.lastSearch)
	assert.Equal(t, "(sAMAccountName=jdoe)", conn.lastSearch.Filter)
	assert.ElementsMatch(t, []string{"sAMAccountName", "mail"}, conn.lastSearch.Attributes)
	assert.Equal(t, "cn=svc", conn.bindDN)
	assert.True(t, conn.closed)
}

func TestDirectoryExecuteCredentialOverridesBind(t *testing.T) {
	conn := &fakeDirectory{result: &ldap.SearchResult{}}
	exec := fakeDirectoryExecutor(conn, DirectoryConfig{
		URL: "ldap://localhost", BindDN: "cn=svc", BindPassword: "secret",
	})

	bound := directoryBound(&definition.DirectorySpec{
		BaseDN: "DC=example,DC=org", FilterTemplate: "(objectClass=user)",
	}, nil, 0)

	_, err := exec.Execute(context.Background(), bound, ExecContext{
		Credential: Credential{Username: "cn=reporting", Password: "other"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cn=reporting", conn.bindDN)
	assert.Equal(t, "other", conn.bindPw)
}

func TestDirectoryExecuteTruncatesAtMaxResults(t *testing.T) {
	var ldapEntries []*ldap.Entry
	for _, dn := range []string{"cn=a", "cn=b", "cn=c"} {
		ldapEntries = append(ldapEntries, &ldap.Entry{DN: dn})
	}
	conn := &fakeDirectory{result: &ldap.SearchResult{Entries: ldapEntries}}
	exec := fakeDirectoryExecutor(conn, DirectoryConfig{URL: "ldap://localhost"})

	bound := directoryBound(&definition.DirectorySpec{
		BaseDN: "DC=example,DC=org", FilterTemplate: "(objectClass=user)",
	}, nil, 2)

	raw, err := exec.Execute(context.Background(), bound, ExecContext{})
	require.NoError(t, err)
	assert.Len(t, raw.(DirectoryEntries).Entries, 2)
	assert.Equal(t, 2, conn.lastSearch.SizeLimit)
}

func TestDirectoryExecuteSizeLimitCutKeepsPartialResult(t *testing.T) {
	conn := &fakeDirectory{
		result: &ldap.SearchResult{Entries: []*ldap.Entry{{DN: "cn=a"}}},
		searchErr: ldap.NewError(ldap.LDAPResultSizeLimitExceeded,
			stderrors.New("size limit exceeded")),
	}
	exec := fakeDirectoryExecutor(conn, DirectoryConfig{URL: "ldap://localhost"})

	bound := directoryBound(&definition.DirectorySpec{
		BaseDN: "DC=example,DC=org", FilterTemplate: "(objectClass=user)",
	}, nil, 1)

	raw, err := exec.Execute(context.Background(), bound, ExecContext{})
	require.NoError(t, err, "a size-limit cut is exhaustion, not failure")
	assert.Len(t, raw.(DirectoryEntries).Entries, 1)
}

func TestDirectoryExecuteBindFailure(t *testing.T) {
	conn := &fakeDirectory{
		bindErr: ldap.NewError(ldap.LDAPResultInvalidCredentials, stderrors.New("invalid credentials")),
	}
	exec := fakeDirectoryExecutor(conn, DirectoryConfig{
		URL: "ldap://localhost", BindDN: "cn=svc", BindPassword: "wrong",
	})

	bound := directoryBound(&definition.DirectorySpec{
		BaseDN: "DC=example,DC=org", FilterTemplate: "(objectClass=user)",
	}, nil, 0)

	_, err := exec.Execute(context.Background(), bound, ExecContext{})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeBackendRejected, errors.CodeOf(err))
	assert.True(t, conn.closed)
}

func TestMapDirectoryError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected errors.ErrorCode
	}{
		{"invalid credentials", ldap.NewError(ldap.LDAPResultInvalidCredentials, stderrors.New("x")), errors.ErrCodeBackendRejected},
		{"insufficient access", ldap.NewError(ldap.LDAPResultInsufficientAccessRights, stderrors.New("x")), errors.ErrCodeBackendRejected},
		{"time limit", ldap.NewError(ldap.LDAPResultTimeLimitExceeded, stderrors.New("x")), errors.ErrCodeBackendTimeout},
		{"deadline", context.DeadlineExceeded, errors.ErrCodeBackendTimeout},
		{"protocol error", ldap.NewError(ldap.LDAPResultProtocolError, stderrors.New("x")), errors.ErrCodeBackendMalformedResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := mapDirectoryError(tt.err)
			require.Error(t, mapped)
			assert.Equal(t, tt.expected, errors.CodeOf(mapped))
		})
	}

	assert.NoError(t, mapDirectoryError(nil))
	assert.NoError(t, mapDirectoryError(ldap.NewError(ldap.LDAPResultSizeLimitExceeded, stderrors.New("x"))))
}

func TestDirectoryScope(t *testing.T) {
	assert.Equal(t, ldap.ScopeBaseObject, directoryScope("base"))
	assert.Equal(t, ldap.ScopeSingleLevel, directoryScope("one"))
	assert.Equal(t, ldap.ScopeWholeSubtree, directoryScope("sub"))
	assert.Equal(t, ldap.ScopeWholeSubtree, directoryScope(""))
}
