package chatsync

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

// the user id baked into the bearer credential. The token is not verified
// here; verification is the server's job on CONNECT.
func (self *ClientAuth) UserId() (string, error) {
	if self.ByJwt == "" {
		return "", ErrMissingCredentials
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.ByJwt, gojwt.MapClaims{})
	if err != nil {
		return "", err
	}
	claims := token.Claims.(gojwt.MapClaims)

	for _, name := range []string{"userId", "user_id", "sub"} {
		if value, ok := claims[name]; ok {
			if userId, ok := value.(string); ok && userId != "" {
				return userId, nil
			}
		}
	}
	return "", fmt.Errorf("no user id claim in credential")
}

// two auths are the same identity when the credential and instance match
func (self *ClientAuth) sameIdentity(other *ClientAuth) bool {
	if other == nil {
		return false
	}
	return self.ByJwt == other.ByJwt && self.InstanceId == other.InstanceId
}

func (self *ClientAuth) headers() FrameHeaders {
	return FrameHeaders{
		"Authorization": "Bearer " + self.ByJwt,
		"token":         self.ByJwt,
	}
}
