package authn

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnknownUser is returned by Passwords.Lookup for users not in the file.
var ErrUnknownUser = errors.New("authn: user not found")

// Account is one line of a password file.
type Account struct {
	Username     string
	PasswordHash string
	// Identities the account may act as besides itself. Empty allows only
	// the account's own name.
	Identities []string
}

// MayActAs reports whether the account is allowed to use identity as its
// authorization identity.
func (a *Account) MayActAs(identity string) bool {
	if strings.EqualFold(identity, a.Username) {
		return true
	}

	return slices.ContainsFunc(a.Identities, func(id string) bool {
		return strings.EqualFold(id, identity)
	})
}

// Passwords answers credential requests from a bcrypt password file with one
// account per line:
//
//	username bcrypt-hash [identity,identity...]
//
// Blank lines and lines starting with # are ignored.
type Passwords struct {
	accounts map[string]*Account
}

// LoadPasswords reads a password file from disk.
func LoadPasswords(file string) (*Passwords, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	p, err := ParsePasswords(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", file, err)
	}

	return p, nil
}

// ParsePasswords reads accounts from r.
func ParsePasswords(r io.Reader) (*Passwords, error) {
	p := &Passwords{accounts: make(map[string]*Account)}

	scanner := bufio.NewScanner(r)
	lineno := 0

	for scanner.Scan() {
		lineno++

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		account := parseAccount(line)
		if account == nil {
			return nil, fmt.Errorf("line %d: expected \"username hash [identities]\"", lineno)
		}

		p.accounts[strings.ToLower(account.Username)] = account
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return p, nil
}

// splitstr splits a string and ignores empty results.
func splitstr(s string, sep rune) []string {
	return strings.FieldsFunc(s, func(c rune) bool { return c == sep })
}

func parseAccount(line string) *Account {
	parts := strings.Fields(line)

	if len(parts) < 2 || len(parts) > 3 {
		return nil
	}

	account := Account{
		Username:     parts[0],
		PasswordHash: parts[1],
	}

	if len(parts) == 3 {
		account.Identities = splitstr(parts[2], ',')
	}

	return &account
}

// Lookup returns the account for username, ignoring case.
func (p *Passwords) Lookup(username string) (*Account, error) {
	account, ok := p.accounts[strings.ToLower(username)]
	if !ok {
		return nil, ErrUnknownUser
	}

	return account, nil
}

// Len returns the number of accounts.
func (p *Passwords) Len() int {
	return len(p.accounts)
}

// Check answers req: the password must match the authentication identity's
// hash and that account must be allowed to act as the authorization
// identity.
func (p *Passwords) Check(req Request) bool {
	account, err := p.Lookup(req.AuthenticationIdentity)
	if err != nil {
		return false
	}

	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)) != nil {
		return false
	}

	authz := req.AuthorizationIdentity
	if authz == "" {
		authz = req.AuthenticationIdentity
	}

	return account.MayActAs(authz)
}

// Answer builds the Reply for req.
func (p *Passwords) Answer(req Request) Reply {
	return Reply{ID: req.ID, Accepted: p.Check(req)}
}

// Hash returns the bcrypt hash of password for use in a password file.
func Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	return string(hash), nil
}
