package sync

import (
	"time"

	"github.com/sirupsen/logrus"
)

// RejectionNewerVersion is the user-visible reason attached to conflict
// rejections. Clients surface it distinctly from network failures: a
// conflict needs local reconciliation, a network failure only needs a retry.
const RejectionNewerVersion = "server has a newer version"

// Resolution is the outcome of comparing the stored row against an incoming
// mutation.
type Resolution struct {
	Accepted bool
	Winner   string // "server" or "client"
}

// Resolve implements whole-record last-write-wins between the stored row's
// updated_at and the incoming clientUpdatedAt. The server is authoritative
// only when strictly newer; a client writing at the same instant wins, which
// keeps idempotent re-submission of an accepted update accepted.
//
// No field-level merge is attempted: concurrent edits to different fields of
// one record by two devices lose one edit. That is a deliberate product
// decision carried over from the record-granularity conflict policy.
func Resolve(storedUpdatedAt, clientUpdatedAt time.Time) Resolution {
	if storedUpdatedAt.After(clientUpdatedAt) {
		logrus.WithFields(logrus.Fields{
			"stored_updated_at": storedUpdatedAt,
			"client_updated_at": clientUpdatedAt,
		}).Debug("Conflict resolved: server wins")
		return Resolution{Accepted: false, Winner: "server"}
	}
	return Resolution{Accepted: true, Winner: "client"}
}
