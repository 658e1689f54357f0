// Package registry holds the statically configured OAuth clients and user
// accounts. Both registries are populated once at startup and expose only
// read accessors, so they are safe for concurrent use without locking.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/orvull/pizza-oauth/internal/auth"
	"github.com/orvull/pizza-oauth/internal/models"
)

var (
	// ErrClientNotFound is returned when no client is registered under the id.
	ErrClientNotFound = errors.New("client not found")
	// ErrUserNotFound is returned when no account is registered under the name.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidCredentials is returned for any failed secret or password check.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Clients is an immutable registry of OAuth clients keyed by client id.
type Clients struct {
	byID map[string]models.RegisteredClient
}

// NewClients builds the registry. Duplicate ids and clients without a
// secret hash are rejected.
func NewClients(clients ...models.RegisteredClient) (*Clients, error) {
	byID := make(map[string]models.RegisteredClient, len(clients))
	for _, c := range clients {
		if c.ClientID == "" {
			return nil, errors.New("client id is required")
		}
		if c.ClientSecretHash == "" {
			return nil, fmt.Errorf("client %s: secret hash is required", c.ClientID)
		}
		if _, dup := byID[c.ClientID]; dup {
			return nil, fmt.Errorf("client %s registered twice", c.ClientID)
		}
		byID[c.ClientID] = cloneClient(c)
	}
	return &Clients{byID: byID}, nil
}

// Lookup returns a copy of the registered client.
func (r *Clients) Lookup(clientID string) (*models.RegisteredClient, error) {
	c, ok := r.byID[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	cp := cloneClient(c)
	return &cp, nil
}

// Authenticate verifies the client secret against the stored bcrypt hash.
// Unknown clients and wrong secrets both yield ErrInvalidCredentials.
func (r *Clients) Authenticate(clientID, secret string) (*models.RegisteredClient, error) {
	c, err := r.Lookup(clientID)
	if err != nil {
		auth.CheckPassword("", secret)
		return nil, ErrInvalidCredentials
	}
	if !auth.CheckPassword(c.ClientSecretHash, secret) {
		return nil, ErrInvalidCredentials
	}
	return c, nil
}

func cloneClient(c models.RegisteredClient) models.RegisteredClient {
	c.AuthMethods = slices.Clone(c.AuthMethods)
	c.GrantTypes = slices.Clone(c.GrantTypes)
	c.RedirectURIs = slices.Clone(c.RedirectURIs)
	c.Scopes = slices.Clone(c.Scopes)
	return c
}

// Users is an immutable registry of end-user accounts keyed by username.
type Users struct {
	byName  map[string]models.UserAccount
	byEmail map[string]string
}

// NewUsers builds the registry. Accounts without an email get the
// username@example.com placeholder.
func NewUsers(users ...models.UserAccount) (*Users, error) {
	r := &Users{
		byName:  make(map[string]models.UserAccount, len(users)),
		byEmail: make(map[string]string, len(users)),
	}
	for _, u := range users {
		if u.Username == "" {
			return nil, errors.New("username is required")
		}
		if u.PasswordHash == "" {
			return nil, fmt.Errorf("user %s: password hash is required", u.Username)
		}
		if _, dup := r.byName[u.Username]; dup {
			return nil, fmt.Errorf("user %s registered twice", u.Username)
		}
		if u.Email == "" {
			u.Email = PlaceholderEmail(u.Username)
		}
		u.Roles = slices.Clone(u.Roles)
		r.byName[u.Username] = u
		r.byEmail[strings.ToLower(u.Email)] = u.Username
	}
	return r, nil
}

// PlaceholderEmail derives the demo email address for a username.
func PlaceholderEmail(username string) string {
	return username + "@example.com"
}

// Lookup returns a copy of the account.
func (r *Users) Lookup(username string) (*models.UserAccount, error) {
	u, ok := r.byName[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	u.Roles = slices.Clone(u.Roles)
	return &u, nil
}

// LookupByEmail resolves an account by its (case-insensitive) email.
func (r *Users) LookupByEmail(email string) (*models.UserAccount, error) {
	name, ok := r.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrUserNotFound
	}
	return r.Lookup(name)
}

// Authenticate verifies a password. Unknown users and wrong passwords both
// yield ErrInvalidCredentials.
func (r *Users) Authenticate(username, password string) (*models.UserAccount, error) {
	u, err := r.Lookup(username)
	if err != nil {
		auth.CheckPassword("", password)
		return nil, ErrInvalidCredentials
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}
