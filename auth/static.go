package auth

import "fmt"

// Static holds fixed credentials, e.g. from flags.
type Static struct {
	User string
	Pass string
}

func (s *Static) Credentials() (Credentials, error) {
	if s.User == "" {
		return Credentials{}, fmt.Errorf("auth: empty user")
	}
	return Credentials{User: s.User, Pass: s.Pass}, nil
}
