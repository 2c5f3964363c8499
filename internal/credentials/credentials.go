// Package credentials manages per-organization database connection
// settings. Usernames and passwords live in the secret store; records hold
// only references to them.
package credentials

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNotFound          = errors.New("database credential not found")
	ErrNameInvalid       = errors.New("credential name must contain letters or digits")
	ErrNameTaken         = errors.New("credential name already exists")
	ErrConnectionInvalid = errors.New("server host and company database are required")
)

// DefaultPort is the SAP HANA SQL port used when none is given.
const DefaultPort = 30015

// DatabaseCredential is a downstream database connection for an
// organization. It never holds a plaintext credential.
type DatabaseCredential struct {
	ID                string            `json:"id"`
	OrganizationID    string            `json:"organization_id"`
	Name              string            `json:"name"`
	ServerHost        string            `json:"server_host"`
	Port              int               `json:"port"`
	CompanyDatabase   string            `json:"company_database"`
	DBType            string            `json:"db_type"`
	Options           map[string]string `json:"options"`
	UsernameSecretRef string            `json:"username_secret_ref"`
	PasswordSecretRef string            `json:"password_secret_ref"`
	IsActive          bool              `json:"is_active"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func (c DatabaseCredential) ScopeOrganizationID() string { return c.OrganizationID }

// CreateParams holds a new credential. Username and Password go to the
// secret store only.
type CreateParams struct {
	Name            string            `json:"name"`
	ServerHost      string            `json:"server_host"`
	Port            int               `json:"port"`
	CompanyDatabase string            `json:"company_database"`
	DBType          string            `json:"db_type"`
	Options         map[string]string `json:"options"`
	Username        string            `json:"username"`
	Password        string            `json:"password"`
}

// Validate checks the connection parameters and fills defaults.
func (p *CreateParams) Validate() error {
	p.Name = strings.TrimSpace(p.Name)
	if secretSlug(p.Name) == "" {
		return ErrNameInvalid
	}
	if strings.TrimSpace(p.ServerHost) == "" || strings.TrimSpace(p.CompanyDatabase) == "" {
		return ErrConnectionInvalid
	}
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrConnectionInvalid, p.Port)
	}
	if p.DBType == "" {
		p.DBType = "hana"
	}
	if p.Username == "" || p.Password == "" {
		return errors.New("username and password are required")
	}
	if p.Options == nil {
		p.Options = map[string]string{}
	}
	return nil
}

// Resolved is a credential with its secrets fetched for a downstream
// connection. It must never be persisted or serialized to clients.
type Resolved struct {
	Credential DatabaseCredential
	Username   string
	Password   string
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

const maxSlugLen = 60

// secretSlug turns a credential name into a secret name fragment.
func secretSlug(name string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug
}

// SecretNames returns the username and password secret names for a
// credential in the organization with prefix.
func SecretNames(prefix, credentialName string) (username, password string) {
	base := prefix + "-" + secretSlug(credentialName)
	return base + "-user", base + "-password"
}
