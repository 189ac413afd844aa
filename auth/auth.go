// Package auth provides the account credentials the engine presents on
// LOGIN, REGISTER and RE_LOGIN.
package auth

type Credentials struct {
	User string
	Pass string
}

type Provider interface {
	// Credentials returns the account to authenticate as.
	Credentials() (Credentials, error)
}
