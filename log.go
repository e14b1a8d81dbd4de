package callcore

import (
	"github.com/sirupsen/logrus"
)

// logTermination traces a Call's final status at debug level: never on the
// hot path (terminate runs at most once per Call), never carrying message
// payloads, only the fields useful for correlating a call across logs.
func logTermination(log *logrus.Entry, status StatusObject) {
	log.WithFields(logrus.Fields{
		"code":    status.Code,
		"details": status.Details,
	}).Debug("call terminated")
}

// logFilterFailure traces a filter transform's error at debug level under a
// "direction" field. Call.terminateFromError passes the fixed label
// "transform" for every filter failure, so the field does not tell the send
// direction from the receive direction.
func logFilterFailure(log *logrus.Entry, direction string, err error) {
	log.WithFields(logrus.Fields{
		"direction": direction,
		"error":     err,
	}).Debug("filter transform failed")
}
