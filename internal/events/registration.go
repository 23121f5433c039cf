// Package events defines the wire shape of the "user registered" event.
package events

import (
	"errors"
	"fmt"
	"time"

	errspkg "github.com/drblury/userevents/internal/runtime/errors"
	"github.com/drblury/userevents/internal/runtime/jsoncodec"
)

// Registration records that a user registered at a point in time.
type Registration struct {
	UserID       string    `json:"UserId"`
	Email        string    `json:"Email"`
	RegisteredAt time.Time `json:"RegisteredAt"`
}

// wireRegistration distinguishes absent fields from zero values.
type wireRegistration struct {
	UserID       *string    `json:"UserId"`
	Email        *string    `json:"Email"`
	RegisteredAt *time.Time `json:"RegisteredAt"`
}

// NewRegistration builds an event with the timestamp normalised to UTC.
func NewRegistration(userID, email string, at time.Time) Registration {
	return Registration{
		UserID:       userID,
		Email:        email,
		RegisteredAt: at.UTC(),
	}
}

// Validate reports which required fields are empty.
func (r Registration) Validate() error {
	var missing []string
	if r.UserID == "" {
		missing = append(missing, "UserId")
	}
	if r.Email == "" {
		missing = append(missing, "Email")
	}
	if r.RegisteredAt.IsZero() {
		missing = append(missing, "RegisteredAt")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %v", errspkg.ErrIncompleteEvent, missing)
	}
	return nil
}

// Equal compares all three fields; timestamps compare by instant.
func (r Registration) Equal(other Registration) bool {
	return r.UserID == other.UserID &&
		r.Email == other.Email &&
		r.RegisteredAt.Equal(other.RegisteredAt)
}

// Encode serializes the event as the queue body. All fields must be set.
func Encode(r Registration) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	r.RegisteredAt = r.RegisteredAt.UTC()
	return jsoncodec.Marshal(r)
}

// Decode parses a queue body. Unknown fields are ignored. Anything that is
// not a JSON object carrying all three fields is a *MalformedMessageError.
func Decode(body []byte) (Registration, error) {
	malformed := func(err error) (Registration, error) {
		return Registration{}, &errspkg.MalformedMessageError{Body: string(body), Err: err}
	}

	if !jsoncodec.IsObject(body) {
		return malformed(errors.New("body is not a JSON object"))
	}

	var wire wireRegistration
	if err := jsoncodec.Unmarshal(body, &wire); err != nil {
		return malformed(err)
	}

	r := Registration{}
	if wire.UserID != nil {
		r.UserID = *wire.UserID
	}
	if wire.Email != nil {
		r.Email = *wire.Email
	}
	if wire.RegisteredAt != nil {
		r.RegisteredAt = wire.RegisteredAt.UTC()
	}
	if err := r.Validate(); err != nil {
		return malformed(err)
	}
	return r, nil
}
