package model

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrInvalidRoute is returned when a deep link does not identify a question.
var ErrInvalidRoute = errors.New("deep link does not identify a question")

// Route is the parsed deep link a visitor arrived through. It is parsed once
// and passed by value; nothing in the flow re-reads the URL.
type Route struct {
	QuestionID string `json:"questionId"`
	ClientID   string `json:"clientId"`
	ClientName string `json:"clientName,omitempty"`
}

// NewRoute builds a Route from already-extracted parts.
func NewRoute(questionID, clientID, clientName string) (Route, error) {
	r := Route{
		QuestionID: strings.TrimSpace(questionID),
		ClientID:   strings.TrimSpace(clientID),
		ClientName: strings.TrimSpace(clientName),
	}
	if r.QuestionID == "" {
		return Route{}, ErrInvalidRoute
	}
	return r, nil
}

// ParseDeepLink extracts the route from a link of the form
// /qr/{questionId}?clientId=...&clientName=... (absolute URLs are accepted).
func ParseDeepLink(raw string) (Route, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Route{}, fmt.Errorf("%w: %v", ErrInvalidRoute, err)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	questionID := ""
	for i, s := range segments {
		if s == "qr" && i+1 < len(segments) {
			questionID = segments[i+1]
			break
		}
	}
	if questionID == "" {
		return Route{}, ErrInvalidRoute
	}

	q := u.Query()
	return NewRoute(questionID, q.Get("clientId"), q.Get("clientName"))
}

// DisplayName returns the tenant name shown before branding is resolved.
func (r Route) DisplayName() string {
	return r.ClientName
}
