package coord

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// ParticipantJwt is the identity the document gateway issued to this device.
// Verification is the gateway's job; the client only extracts claims to know
// who it is acting as.
type ParticipantJwt struct {
	ParticipantId string
	Role          Role
	DisplayName   string
}

func ParseParticipantJwtUnverified(jwt string) (*ParticipantJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	participantJwt := &ParticipantJwt{}

	if participantId, ok := claims["participant_id"].(string); ok {
		participantJwt.ParticipantId = NormalizeParticipantId(participantId)
	}
	if role, ok := claims["role"].(string); ok {
		participantJwt.Role = Role(role)
	}
	if displayName, ok := claims["display_name"].(string); ok {
		participantJwt.DisplayName = displayName
	}

	return participantJwt, nil
}

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) ParticipantId() (string, error) {
	participantJwt, err := ParseParticipantJwtUnverified(self.ByJwt)
	if err != nil {
		return "", err
	}
	return participantJwt.ParticipantId, nil
}
