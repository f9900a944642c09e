package domain

import "time"

// User represents a platform account.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash []byte
	Blocked      bool
	CreatedAt    time.Time
}

// Identity links a user to an account on a source hosting provider.
// Token holds the encrypted OAuth token used for provider API and git access.
type Identity struct {
	UserID           string
	AuthProviderHost string
	AuthID           string
	AuthName         string
	Token            []byte
	CreatedAt        time.Time
}

// Access token scopes.
const (
	ScopePrebuild = "prebuild"
)

// AccessToken authorises webhook deliveries on behalf of a user. Webhook
// senders carry it as "<userID>|<secret>"; only the bcrypt hash is stored.
type AccessToken struct {
	ID         string
	UserID     string
	SecretHash []byte
	Scopes     []string
	CreatedAt  time.Time
}

// HasScopes reports whether every scope in want is granted.
func (t AccessToken) HasScopes(want ...string) bool {
	for _, w := range want {
		found := false
		for _, s := range t.Scopes {
			if s == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AppInstallation records which user installed the GitHub App on an account.
type AppInstallation struct {
	Platform       string
	InstallationID string
	OwnerUserID    string
	State          string
	CreatedAt      time.Time
}

// App installation states.
const (
	AppInstallationStateInstalled   = "installed"
	AppInstallationStateUninstalled = "uninstalled"
)
