// Package cursor implements the opaque keyset-pagination cursor used by
// delta pulls. A cursor marks the last row a client has seen as an
// (updated_at, id) pair; rows are totally ordered by (updated_at, id)
// ascending with id breaking timestamp ties.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"
)

// Cursor is the decoded position of a delta pull within the (updated_at, id)
// ordering. A cursor only ever moves forward.
type Cursor struct {
	UpdatedAt time.Time `json:"updated_at"`
	ID        string    `json:"id"`
}

// Encode serializes the cursor into an opaque token. The encoding is
// base64-wrapped JSON; clients must treat the token as opaque.
func Encode(updatedAt time.Time, id string) string {
	payload, _ := json.Marshal(Cursor{UpdatedAt: updatedAt.UTC(), ID: id})
	return base64.StdEncoding.EncodeToString(payload)
}

// Decode parses an opaque token back into a cursor. Malformed tokens are not
// an error: decoding fails soft, returning ok=false so the caller restarts
// pagination from the beginning. The failure is logged as a warning.
func Decode(token string) (Cursor, bool) {
	if token == "" {
		return Cursor{}, false
	}

	payload, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		logrus.WithError(err).WithField("token", token).Warn("Malformed sync cursor, restarting from beginning")
		return Cursor{}, false
	}

	var c Cursor
	if err := json.Unmarshal(payload, &c); err != nil {
		logrus.WithError(err).Warn("Malformed sync cursor payload, restarting from beginning")
		return Cursor{}, false
	}

	if c.UpdatedAt.IsZero() || c.ID == "" {
		logrus.WithField("token", token).Warn("Incomplete sync cursor, restarting from beginning")
		return Cursor{}, false
	}

	return c, true
}

// Less reports whether the row (updatedAt, id) sorts before the cursor
// position, i.e. the row has already been seen.
func (c Cursor) Less(updatedAt time.Time, id string) bool {
	if !updatedAt.Equal(c.UpdatedAt) {
		return updatedAt.Before(c.UpdatedAt)
	}
	return id <= c.ID
}
