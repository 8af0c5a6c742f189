package mxclient

// Action names the single kind of notification a Client delivers to its
// application callback (spec §4.6 "on_event(client, action, ...)"). Keeping
// one callback surface instead of many methods matches the single-entry
// event hooks the teacher's bridge exposes to its message processor.
type Action string

const (
	ActionGetHomeserver     Action = "get_homeserver"
	ActionVerifyHomeserver  Action = "verify_homeserver"
	ActionPasswordLogin     Action = "password_login"
	ActionAccessTokenLogin  Action = "access_token_login"
	ActionUploadKey         Action = "upload_key"
	ActionRedPill           Action = "red_pill"
	ActionVerificationEvent Action = "verification_event"
)

// Event is the payload passed to a Callback invocation. Exactly the fields
// relevant to Action are populated; the rest are left zero.
type Event struct {
	Action  Action
	RoomID  string
	EventID string
	JSON    map[string]interface{}
	Err     error
}

// Callback is the application's single hook into a running Client. It is
// invoked from the goroutine running Start and from the client's own sync
// goroutine; implementations must not
// block indefinitely or call back into the Client synchronously (spec §4.6
// "must not re-enter the client").
type Callback func(c *Client, ev Event)

// SetCallback installs or replaces the Client's single callback. Safe to
// call before or after Start; takes effect for the next notification.
func (c *Client) SetCallback(cb Callback) {
	c.mu.Lock()
	c.callback = cb
	c.mu.Unlock()
}

func (c *Client) notify(ev Event) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb == nil {
		return
	}
	cb(c, ev)
}
