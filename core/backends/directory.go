package backends

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/querybridge/querybridge/core/definition"
	"github.com/querybridge/querybridge/core/logging"
	"github.com/querybridge/querybridge/core/shared/errors"
)

// DirectoryConfig configures the directory backend
type DirectoryConfig struct {
	URL          string `yaml:"url"` // ldap:// or ldaps://
	BindDN       string `yaml:"bindDN"`
	BindPassword string `yaml:"bindPassword"`
	PageSize     int    `yaml:"pageSize"`
}

// DirectoryExecutor executes directory definitions via LDAP search
type DirectoryExecutor struct {
	cfg  DirectoryConfig
	dial func(cfg DirectoryConfig, timeout time.Duration) (directoryConn, error)
	log  *logging.Logger
}

// directoryConn narrows *ldap.Conn to what the executor needs, so tests can
// substitute a fake directory.
type directoryConn interface {
	Bind(username, password string) error
	SearchWithPaging(req *ldap.SearchRequest, pagingSize uint32) (*ldap.SearchResult, error)
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Close() error
}

// Filter templates reference bound parameters as {{ inputs.name }}
var filterParamPattern = regexp.MustCompile(`\{\{\s*inputs\.(\w+)\s*\}\}`)

// NewDirectoryExecutor creates the directory executor; connections are
// dialed per call so a directory outage never wedges a held socket.
func NewDirectoryExecutor(cfg DirectoryConfig) *DirectoryExecutor {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	return &DirectoryExecutor{
		cfg:  cfg,
		dial: dialLDAP,
		log:  logging.New("backends:directory"),
	}
}

func dialLDAP(cfg DirectoryConfig, timeout time.Duration) (directoryConn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := ldap.DialURL(cfg.URL, ldap.DialWithDialer(dialer))
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		conn.SetTimeout(timeout)
	}
	return conn, nil
}

// DataSource implements Executor
func (e *DirectoryExecutor) DataSource() definition.DataSource {
	return definition.DataSourceDirectory
}

// Execute renders the definition's filter template with escaped parameter
// values and runs a paged search requesting only the mapped attributes.
func (e *DirectoryExecutor) Execute(ctx context.Context, bound *definition.BoundQuery, ec ExecContext) (RawResult, error) {
	spec := bound.Definition.Directory
	if spec == nil {
		return nil, errors.New(errors.ErrCodeUnsupportedDataSource,
			fmt.Sprintf("definition '%s' has no directory block", bound.Definition.ID))
	}

	filter, err := renderFilter(spec.FilterTemplate, bound.Parameters)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeValidationError, "filter template rendering failed", err)
	}

	conn, err := e.connect(ec)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	maxResults := bound.Definition.Constraints.MaxResults
	sizeLimit := 0
	if maxResults > 0 {
		sizeLimit = maxResults
	}

	req := ldap.NewSearchRequest(
		spec.BaseDN,
		directoryScope(spec.Scope),
		ldap.NeverDerefAliases,
		sizeLimit,
		int(ec.Timeout/time.Second),
		false,
		filter,
		bound.Definition.Attributes(),
		nil,
	)

	done := make(chan struct{})
	var result *ldap.SearchResult
	var searchErr error
	go func() {
		defer close(done)
		result, searchErr = conn.SearchWithPaging(req, uint32(e.cfg.PageSize))
	}()
	select {
	case <-ctx.Done():
		return nil, errors.Wrap(errors.ErrCodeBackendTimeout, "directory search cancelled", ctx.Err())
	case <-done:
	}
	if searchErr != nil {
		if mapped := mapDirectoryError(searchErr); mapped != nil {
			return nil, mapped
		}
		// size-limit cut: keep whatever the server returned
		if result == nil {
			result = &ldap.SearchResult{}
		}
	}

	entries := DirectoryEntries{Entries: make([]DirectoryEntry, 0, len(result.Entries))}
	for _, entry := range result.Entries {
		if maxResults > 0 && len(entries.Entries) >= maxResults {
			break
		}
		attrs := make(map[string][]string, len(entry.Attributes))
		for _, attr := range entry.Attributes {
			attrs[attr.Name] = attr.Values
		}
		entries.Entries = append(entries.Entries, DirectoryEntry{DN: entry.DN, Attributes: attrs})
	}
	return entries, nil
}

func (e *DirectoryExecutor) connect(ec ExecContext) (directoryConn, error) {
	conn, err := e.dial(e.cfg, ec.Timeout)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeBackendUnavailable, "directory unreachable", err)
	}

	bindDN, bindPassword := e.cfg.BindDN, e.cfg.BindPassword
	if ec.Credential.Username != "" {
		bindDN, bindPassword = ec.Credential.Username, ec.Credential.Password
	}
	if bindDN != "" {
		if err := conn.Bind(bindDN, bindPassword); err != nil {
			conn.Close()
			return nil, mapDirectoryError(err)
		}
	}
	return conn, nil
}

// renderFilter substitutes bound parameters into the filter template. Every
// value passes through ldap.EscapeFilter so filter metacharacters in user
// input cannot change the filter structure.
func renderFilter(template string, params map[string]any) (string, error) {
	var missing []string
	rendered := filterParamPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := filterParamPattern.FindStringSubmatch(match)[1]
		value, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		return ldap.EscapeFilter(directoryValue(value))
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("filter references unbound parameter(s): %s", strings.Join(missing, ", "))
	}
	return rendered, nil
}

func directoryValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		// Whole numbers render without a trailing .0 so numeric directory
		// attributes match.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func directoryScope(scope string) int {
	switch scope {
	case "base":
		return ldap.ScopeBaseObject
	case "one":
		return ldap.ScopeSingleLevel
	default:
		return ldap.ScopeWholeSubtree
	}
}

// Ping implements Executor with a connect-and-bind probe
func (e *DirectoryExecutor) Ping(ctx context.Context) error {
	timeout := 3 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	conn, err := e.connect(ExecContext{Timeout: timeout})
	if err != nil {
		return err
	}
	return conn.Close()
}

// Schema reads the directory's subschema attribute types, best effort
func (e *DirectoryExecutor) Schema(ctx context.Context) ([]definition.FieldMetadata, error) {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	conn, err := e.connect(ExecContext{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	rootReq := ldap.NewSearchRequest("", ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=*)", []string{"subschemaSubentry"}, nil)
	rootRes, err := conn.Search(rootReq)
	if err != nil {
		return nil, mapDirectoryError(err)
	}

	subschemaDN := "cn=subschema"
	if len(rootRes.Entries) > 0 {
		if v := rootRes.Entries[0].GetAttributeValue("subschemaSubentry"); v != "" {
			subschemaDN = v
		}
	}

	schemaReq := ldap.NewSearchRequest(subschemaDN, ldap.ScopeBaseObject, ldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=subschema)", []string{"attributeTypes"}, nil)
	schemaRes, err := conn.Search(schemaReq)
	if err != nil {
		return nil, mapDirectoryError(err)
	}

	var fields []definition.FieldMetadata
	for _, entry := range schemaRes.Entries {
		for _, raw := range entry.GetAttributeValues("attributeTypes") {
			if name := parseAttributeTypeName(raw); name != "" {
				fields = append(fields, definition.FieldMetadata{
					Name:       name,
					Type:       "string",
					Searchable: true,
				})
			}
		}
	}
	return fields, nil
}

var attributeTypeNamePattern = regexp.MustCompile(`NAME\s+'([^']+)'`)

func parseAttributeTypeName(raw string) string {
	m := attributeTypeNamePattern.FindStringSubmatch(raw)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// Close implements Executor; connections are per-call so nothing is held
func (e *DirectoryExecutor) Close() error {
	return nil
}

func mapDirectoryError(err error) error {
	switch {
	case err == nil:
		return nil
	case ldap.IsErrorWithCode(err, ldap.LDAPResultInsufficientAccessRights),
		ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials):
		return errors.Wrap(errors.ErrCodeBackendRejected, "directory rejected the request", err)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultTimeLimitExceeded):
		return errors.Wrap(errors.ErrCodeBackendTimeout, "directory search timed out", err)
	case ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded):
		// Server cut the result at its size limit; treated as exhaustion,
		// not failure, by callers that pass a sizeLimit.
		return nil
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Wrap(errors.ErrCodeBackendTimeout, "directory search timed out", err)
	default:
		var netErr net.Error
		if stderrors.As(err, &netErr) {
			if netErr.Timeout() {
				return errors.Wrap(errors.ErrCodeBackendTimeout, "directory search timed out", err)
			}
			return errors.Wrap(errors.ErrCodeBackendUnavailable, "directory unreachable", err)
		}
		return errors.Wrap(errors.ErrCodeBackendMalformedResponse, "directory search failed", err)
	}
}
