package auth

import (
	"slices"
	"time"
)

// ClaimSet is the decoded identity carried by a credential.
type ClaimSet struct {
	Subject   string
	Name      string
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Roles     []string

	// Store credentials, present when the store authenticates per identity.
	Principal string
	Secret    string

	// Verified is set only after the signature and time policy were checked.
	Verified bool
}

// HasRole reports whether a verified claim set carries role.
func (c *ClaimSet) HasRole(role string) bool {
	if c == nil || !c.Verified {
		return false
	}
	return slices.Contains(c.Roles, role)
}

// PrincipalName is the store identity the claim set maps to.
func (c *ClaimSet) PrincipalName() string {
	if c.Principal != "" {
		return c.Principal
	}
	return c.Subject
}

// ClaimNames maps ClaimSet fields to token claim keys.
type ClaimNames struct {
	Name      string
	Principal string
	Secret    string
	Roles     string
}

func DefaultClaimNames() ClaimNames {
	return ClaimNames{
		Name:      "name",
		Principal: "user",
		Secret:    "password",
		Roles:     "roles",
	}
}
