package events

import "encoding/json"

func marshalPayload(payload any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	if s, ok := payload.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
