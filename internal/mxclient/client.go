package mxclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/n42blockchain/matrixcore/internal/credstore"
	"github.com/n42blockchain/matrixcore/internal/crypto"
	"github.com/n42blockchain/matrixcore/internal/directory"
	"github.com/n42blockchain/matrixcore/internal/room"
	"github.com/n42blockchain/matrixcore/internal/store"
	"github.com/n42blockchain/matrixcore/internal/verification"
	"github.com/n42blockchain/matrixcore/matrixerr"
)

// Config is the caller-supplied setup for one Client (spec §4.6 "new").
type Config struct {
	// Homeserver is either an https:// base URL or a bare server name to
	// resolve via .well-known.
	Homeserver string
	Username   string
	Password   string
	// AccessToken, when set, skips password login entirely (spec §4.6
	// "resume from a stored access token").
	AccessToken string
	DeviceID    string
	DisplayName string
	Rotation    crypto.RotationPolicy
	Callback    Callback
	// Cred is where the Olm pickle passphrase is read from and written back
	// to (spec §6.3) -- it is never persisted through Store. Nil falls back
	// to an in-process credstore.MemoryStore, adequate for tests only.
	Cred credstore.CredentialSink
	// Registerer receives this Client's Prometheus collectors. Defaults to
	// prometheus.DefaultRegisterer when nil.
	Registerer prometheus.Registerer
}

// Client is the Client component from SPEC_FULL.md §4.6: one logged-in
// (user, device) account, its HTTP transport, EncEngine, UserDirectory, and
// the set of Rooms it has joined.
type Client struct {
	log       *slog.Logger
	store     *store.Store
	api       *httpAPI
	engine    *crypto.Engine
	directory *directory.Directory
	callback  Callback
	metrics   *metrics
	rotation  crypto.RotationPolicy
	cred      credstore.CredentialSink

	userID, deviceID string
	displayName      string

	mu          sync.Mutex
	password    string
	nextBatch   string
	filterID    string
	rooms       map[string]*room.Room
	sessions    map[string]*verification.Session // transaction_id -> Session
	syncFailed  bool
	isLoggingIn bool
	stopped     bool
	loopStarted bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Client bound to one account. It does not touch the
// network; call Start to run the login/sync handshake.
func New(log *slog.Logger, st *store.Store, cfg Config) *Client {
	l := log.With("component", "mxclient")
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	cred := cfg.Cred
	if cred == nil {
		cred = credstore.NewMemoryStore()
	}
	c := &Client{
		log:         l,
		store:       st,
		api:         newHTTPAPI(l, cfg.Homeserver),
		callback:    cfg.Callback,
		metrics:     newMetrics(reg),
		rotation:    cfg.Rotation,
		cred:        cred,
		displayName: cfg.DisplayName,
		password:    cfg.Password,
		userID:      cfg.Username,
		deviceID:    cfg.DeviceID,
		rooms:       make(map[string]*room.Room),
		sessions:    make(map[string]*verification.Session),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	if cfg.AccessToken != "" {
		c.api.setAuth(cfg.Username, cfg.AccessToken)
	}
	return c
}

func (c *Client) accountID() store.AccountID {
	return store.AccountID{UserID: c.userID, DeviceID: c.deviceID}
}

// accountSnapshot builds the Account row to persist. It leaves OlmPickle
// empty; Engine.Persist fills it in before saving. The pickle key is never
// part of the row. Caller holds c.mu.
func (c *Client) accountSnapshot() store.Account {
	acc := store.Account{
		UserID:        c.userID,
		DeviceID:      c.deviceID,
		HomeserverURL: c.api.getBaseURL(),
		AccessToken:   c.currentAccessToken(),
		NextBatch:     c.nextBatch,
		FilterID:      c.filterID,
		Enabled:       true,
	}
	return acc
}

func (c *Client) currentAccessToken() string {
	c.api.mu.RLock()
	defer c.api.mu.RUnlock()
	return c.api.accessToken
}

// loadPickleKey resolves the Olm pickle passphrase stored under attrs, if
// any, so crypto.New can unpickle a prior olm_pickle blob. A cold-start miss
// (credstore.ErrNotFound) is not an error -- it means this is a fresh
// identity and crypto.New will generate one (spec §6.3).
func (c *Client) loadPickleKey(ctx context.Context, attrs credstore.Attributes) ([]byte, error) {
	val, err := c.cred.Get(ctx, attrs)
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load pickle key: %w", err)
	}
	if val.PickleKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(val.PickleKey)
	if err != nil {
		return nil, fmt.Errorf("decode pickle key: %w", err)
	}
	return key, nil
}

// savePickleKey writes the engine's current pickle passphrase back to
// credstore, preserving whatever other fields (password, access token,
// device id) are already stored under attrs rather than clobbering them.
func (c *Client) savePickleKey(ctx context.Context, attrs credstore.Attributes, pickleKey []byte) error {
	val, err := c.cred.Get(ctx, attrs)
	if err != nil {
		if !errors.Is(err, credstore.ErrNotFound) {
			return fmt.Errorf("load credential entry: %w", err)
		}
		val = &credstore.Value{UserID: c.userID}
	}
	val.UserID = c.userID
	val.PickleKey = base64.StdEncoding.EncodeToString(pickleKey)
	if err := c.cred.Set(ctx, attrs, val); err != nil {
		return fmt.Errorf("save pickle key: %w", err)
	}
	return nil
}

// Ed25519Key implements verification.DeviceKeyLookup by delegating to the
// local UserDirectory cache -- a verification MAC check is a local lookup,
// never a network round trip (spec §4.5).
func (c *Client) Ed25519Key(userID, deviceID string) (id.Ed25519, bool) {
	u := c.directory.User(userID)
	if u == nil {
		return "", false
	}
	dev, ok := u.Devices[deviceID]
	if !ok {
		return "", false
	}
	return dev.Ed25519Key, true
}

// Start runs the full spec §4.6 start-up sequence, then enters the long-poll
// sync loop in a background goroutine. A call made while another Start on
// the same Client is still in progress returns an error instead of joining
// it; Start does not check whether a sync loop is already running. runLoop
// calls Start again itself to re-login after a revoked access token. It
// blocks only for the synchronous part of start-up (homeserver discovery
// through the initial filter upload); Stop cancels the background loop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.isLoggingIn {
		c.mu.Unlock()
		return fmt.Errorf("client is already starting")
	}
	c.isLoggingIn = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.isLoggingIn = false
		c.mu.Unlock()
	}()

	existing, err := c.store.LoadAccount(ctx, c.userID, c.deviceID)
	if err != nil {
		return matrixerr.Wrap(matrixerr.KindStorage, err)
	}

	baseURL := c.api.getBaseURL()
	c.notify(Event{Action: ActionGetHomeserver})
	resolved, err := resolveHomeserver(ctx, c.api.client, baseURL)
	if err != nil {
		c.notify(Event{Action: ActionVerifyHomeserver, Err: err})
		return err
	}
	c.api.setBaseURL(resolved)
	c.notify(Event{Action: ActionVerifyHomeserver})

	if existing != nil {
		if c.deviceID == "" {
			c.deviceID = existing.DeviceID
		}
		c.api.setAuth(existing.UserID, existing.AccessToken)
		c.nextBatch = existing.NextBatch
		c.filterID = existing.FilterID
	}

	if c.deviceID == "" {
		c.deviceID = generateDeviceID()
	}

	attrs := credstore.Attributes{Username: c.userID, Server: resolved, Protocol: "matrix"}
	existingPickleKey, err := c.loadPickleKey(ctx, attrs)
	if err != nil {
		return matrixerr.Wrap(matrixerr.KindCrypto, err)
	}

	engine, err := crypto.New(ctx, c.log, c.store, c.accountID(), c.rotation, existing, existingPickleKey)
	if err != nil {
		return matrixerr.Wrap(matrixerr.KindCrypto, err)
	}
	c.engine = engine
	c.directory = directory.New(c.log, c.store, c.accountID(), c.api)

	if err := c.savePickleKey(ctx, attrs, engine.PickleKey()); err != nil {
		return matrixerr.Wrap(matrixerr.KindCrypto, err)
	}

	haveToken := c.currentAccessToken() != ""
	if !haveToken {
		c.notify(Event{Action: ActionPasswordLogin})
		resp, err := c.api.passwordLogin(ctx, c.userID, c.password, c.deviceID, c.displayName)
		if err != nil {
			c.notify(Event{Action: ActionPasswordLogin, Err: err})
			return err
		}
		c.userID = resp.UserID
		c.deviceID = resp.DeviceID
		c.api.setAuth(resp.UserID, resp.AccessToken)
	} else {
		c.notify(Event{Action: ActionAccessTokenLogin})
	}

	if err := c.engine.Persist(ctx, &store.Account{UserID: c.userID, DeviceID: c.deviceID, HomeserverURL: resolved, AccessToken: c.currentAccessToken(), NextBatch: c.nextBatch, FilterID: c.filterID, Enabled: true}); err != nil {
		return matrixerr.Wrap(matrixerr.KindStorage, err)
	}

	if err := c.uploadKeys(ctx, true); err != nil {
		c.notify(Event{Action: ActionUploadKey, Err: err})
		return err
	}
	c.notify(Event{Action: ActionUploadKey})

	if existing == nil {
		if _, err := c.api.joinedRooms(ctx); err != nil {
			c.log.Warn("failed to fetch joined rooms on first start", "error", err)
		}
	}

	if c.filterID == "" {
		filterID, err := c.api.uploadFilter(ctx, c.userID, defaultSyncFilter())
		if err != nil {
			c.log.Warn("failed to upload sync filter, proceeding without one", "error", err)
		} else {
			c.filterID = filterID
		}
	}

	c.mu.Lock()
	c.loopStarted = true
	c.mu.Unlock()
	go c.runLoop()
	return nil
}

// defaultSyncFilter matches spec §4.6's sync filter: a bounded timeline and
// lazy-loaded room members, keeping steady-state /sync payloads small.
func defaultSyncFilter() map[string]interface{} {
	return map[string]interface{}{
		"room": map[string]interface{}{
			"timeline": map[string]interface{}{"limit": 20},
			"state":    map[string]interface{}{"lazy_load_members": true},
		},
	}
}

// uploadKeys publishes device keys (when includeDeviceKeys is set, as Start
// does on every start) and tops up one-time keys via /keys/upload
// (spec §4.2/§4.6).
func (c *Client) uploadKeys(ctx context.Context, includeDeviceKeys bool) error {
	var deviceKeys map[string]interface{}
	if includeDeviceKeys {
		dk, err := c.engine.DeviceKeysJSON()
		if err != nil {
			return fmt.Errorf("build device keys: %w", err)
		}
		deviceKeys = dk
	}

	c.engine.GenerateOneTimeKeys(oneTimeKeyTarget)
	otk, err := c.engine.GetOneTimeKeysJSON()
	if err != nil {
		return fmt.Errorf("build one-time keys: %w", err)
	}

	if err := c.api.keysUpload(ctx, deviceKeys, otk); err != nil {
		return err
	}
	c.engine.PublishOneTimeKeys()
	return nil
}

// runLoop drives the long-poll sync loop until Stop is called, retrying
// transport failures after reachabilityRetryDelay and re-entering login on
// a revoked access token (spec §4.6 "run").
func (c *Client) runLoop() {
	// After a successful re-login, the loop started by Start owns doneCh.
	handedOff := false
	defer func() {
		if !handedOff {
			close(c.doneCh)
		}
	}()
	ctx := context.Background()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		err := c.syncOnce(ctx)
		if err == nil {
			c.mu.Lock()
			c.syncFailed = false
			c.mu.Unlock()
			c.notify(Event{Action: ActionRedPill})
			continue
		}

		switch c.handleSyncError(ctx, err) {
		case syncErrorReLogin:
			c.api.setAuth(c.userID, "")
			if startErr := c.Start(ctx); startErr != nil {
				c.notify(Event{Action: ActionRedPill, Err: startErr})
				return
			}
			handedOff = true
			return
		case syncErrorRetry:
			select {
			case <-c.stopCh:
				return
			case <-time.After(reachabilityRetryDelay):
			}
		default:
			c.notify(Event{Action: ActionRedPill, Err: err})
		}
	}
}

// Stop signals the sync loop to exit and waits for it to finish.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.loopStarted
	c.mu.Unlock()

	close(c.stopCh)
	if started {
		<-c.doneCh
	}
	for _, r := range c.rooms {
		r.Close()
	}
}

func remarshal(in map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
