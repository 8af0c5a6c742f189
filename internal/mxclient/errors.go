package mxclient

import (
	"context"
	"time"

	"github.com/n42blockchain/matrixcore/matrixerr"
)

// reachabilityRetryDelay is how long Client waits before retrying a sync
// that failed for transport reasons (spec §4.6 "sync_failed" recovery).
const reachabilityRetryDelay = 30 * time.Second

// handleSyncError classifies an error surfaced from a sync iteration and
// decides what the start-up/run loop should do next (spec §4.6 error
// handling table):
//   - M_UNKNOWN_TOKEN with a stored password on file: the session was
//     revoked server-side; forget the stored credentials and device, then
//     re-enter the login step from scratch.
//   - a transport-kind error (request never reached the homeserver, or came
//     back malformed): mark the client syncFailed and let the caller retry
//     after reachabilityRetryDelay.
//   - anything else (a well-formed Matrix protocol error that isn't a
//     revoked token, or a local/storage/crypto error): surfaced to the
//     application callback untouched; the run loop does not retry it.
func (c *Client) handleSyncError(ctx context.Context, err error) syncErrorAction {
	if me, ok := err.(*matrixerr.Error); ok && me.Matrix != nil && me.Matrix.ErrCode == "M_UNKNOWN_TOKEN" {
		c.mu.Lock()
		hadPassword := c.password != ""
		c.mu.Unlock()
		if hadPassword {
			c.log.Warn("access token revoked by homeserver, re-entering login", "user_id", c.userID)
			if delErr := c.store.DeleteAccount(ctx, c.userID, c.deviceID); delErr != nil {
				c.log.Error("failed to delete revoked account row", "error", delErr)
			}
			return syncErrorReLogin
		}
	}

	if matrixerr.Is(err, matrixerr.KindTransport) {
		c.mu.Lock()
		c.syncFailed = true
		c.mu.Unlock()
		c.log.Warn("sync transport error, will retry", "error", err, "retry_in", reachabilityRetryDelay)
		return syncErrorRetry
	}

	return syncErrorFatal
}

type syncErrorAction int

const (
	syncErrorRetry syncErrorAction = iota
	syncErrorReLogin
	syncErrorFatal
)
