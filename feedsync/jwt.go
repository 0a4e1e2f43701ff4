package feedsync

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ClientAuth identifies this client instance to the core service
type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) ActorId() (string, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return "", err
	}
	return byJwt.ActorId, nil
}

type ByJwt struct {
	ActorId  string
	DeviceId Id
}

// the token is verified by the core service; the client only needs the
// claims for display and scoping
func ParseByJwtUnverified(jwtStr string) (*ByJwt, error) {
	if jwtStr == "" {
		return nil, errors.New("empty jwt")
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if actorId, ok := claims["actor"]; ok {
		byJwt.ActorId, _ = actorId.(string)
	}
	if byJwt.ActorId == "" {
		if sub, ok := claims["sub"]; ok {
			byJwt.ActorId, _ = sub.(string)
		}
	}
	if deviceIdStr, ok := claims["device_id"]; ok {
		if s, ok := deviceIdStr.(string); ok {
			if deviceId, err := ParseId(s); err == nil {
				byJwt.DeviceId = deviceId
			}
		}
	}

	return byJwt, nil
}
