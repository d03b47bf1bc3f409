package session

import "time"

// Credentials is the closed set of per-connector secrets a session may hold.
// Implementations live in this package only.
type Credentials interface {
	credentials()
}

// FTPCredentials are the values submitted through a file-server login form.
// RootPath is the storage root or the publication path depending on the
// connector the credentials were given to.
type FTPCredentials struct {
	Host       string
	Port       int
	User       string
	Pass       string
	Secure     bool
	RootPath   string
	WebsiteURL string
}

// OAuthCredentials hold the token set of an OAuth backend plus the pending
// PKCE handshake values between authorize redirect and callback.
type OAuthCredentials struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time

	UserID   int64
	Username string

	State         string
	CodeVerifier  string
	CodeChallenge string
	// ReturnTo is where the browser goes once the callback completes.
	ReturnTo string
}

func (FTPCredentials) credentials()   {}
func (OAuthCredentials) credentials() {}

// LoggedIn reports whether the handshake has completed.
func (c OAuthCredentials) LoggedIn() bool { return c.AccessToken != "" }
