// Package matrixcore is a client-side library for the Matrix
// client-server protocol with end-to-end encryption enabled by default
// (spec §1). An embedding application constructs a MatrixContext, adds one
// or more accounts from its configuration, and starts them; decrypted room
// events and other notifications arrive through each Client's callback.
package matrixcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/n42blockchain/matrixcore/internal/config"
	"github.com/n42blockchain/matrixcore/internal/credstore"
	"github.com/n42blockchain/matrixcore/internal/crypto"
	"github.com/n42blockchain/matrixcore/internal/mxclient"
	"github.com/n42blockchain/matrixcore/internal/store"
)

// Re-exported so callers never need to import the internal packages
// directly to use the public surface of this library.
type (
	Client       = mxclient.Client
	ClientConfig = mxclient.Config
	Event        = mxclient.Event
	Action       = mxclient.Action
	Callback     = mxclient.Callback
)

// MatrixContext owns the Store shared by every account and the set of
// running Clients (spec §2's closing paragraph: "An application typically
// holds a MatrixContext owning one open Store and any number of Clients").
type MatrixContext struct {
	log   *slog.Logger
	store *store.Store
	cred  credstore.CredentialSink
	reg   prometheus.Registerer

	mu      sync.Mutex
	clients map[string]*mxclient.Client // userID -> Client
}

// Open opens the Store described by cfg and returns a MatrixContext ready
// to have accounts added to it. cred may be nil, in which case an
// in-process credstore.MemoryStore is used -- adequate for tests, not for
// production (spec §6.3 treats the real OS credential store as an external
// collaborator this library never implements). reg may be nil, in which
// case prometheus.DefaultRegisterer is used.
func Open(log *slog.Logger, cfg config.StoreConfig, cred credstore.CredentialSink, reg prometheus.Registerer) (*MatrixContext, error) {
	st, err := store.Open(cfg.Dir, cfg.Filename)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if cred == nil {
		cred = credstore.NewMemoryStore()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &MatrixContext{
		log:     log,
		store:   st,
		cred:    cred,
		reg:     reg,
		clients: make(map[string]*mxclient.Client),
	}, nil
}

// AddAccount constructs (but does not start) a Client for one configured
// account, registering it under its username. Calling AddAccount twice for
// the same username replaces the prior (unstarted) Client.
func (mc *MatrixContext) AddAccount(acc config.AccountConfig, rotation config.RotationConfig) *mxclient.Client {
	cl := mxclient.New(mc.log, mc.store, mxclient.Config{
		Homeserver:  acc.Homeserver,
		Username:    acc.Username,
		Password:    acc.Password,
		AccessToken: acc.AccessToken,
		DeviceID:    acc.DeviceID,
		DisplayName: acc.DisplayName,
		Cred:        mc.cred,
		Rotation: crypto.RotationPolicy{
			MessageCount: rotation.MessageCount,
			Period:       rotation.Duration(),
		},
		Registerer: mc.reg,
	})

	mc.mu.Lock()
	mc.clients[acc.Username] = cl
	mc.mu.Unlock()
	return cl
}

// LoadAccounts adds a Client for every account in cfg.Accounts whose
// Enabled flag is set (spec §3 "Account.enabled drives whether
// MatrixContext spins up a Client for that row"), skipping the rest, and
// returns the Clients it created in configuration order.
func (mc *MatrixContext) LoadAccounts(cfg *config.Config) []*mxclient.Client {
	var added []*mxclient.Client
	for _, acc := range cfg.Accounts {
		if !acc.Enabled {
			continue
		}
		added = append(added, mc.AddAccount(acc, cfg.Rotation))
	}
	return added
}

// Client returns the Client registered for userID, if any.
func (mc *MatrixContext) Client(userID string) (*mxclient.Client, bool) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	cl, ok := mc.clients[userID]
	return cl, ok
}

// StartAll calls Start on every registered Client, stopping at (and
// returning) the first error. Clients are started one at a time in map
// iteration order, which is not the order they were registered in.
func (mc *MatrixContext) StartAll(ctx context.Context) error {
	mc.mu.Lock()
	clients := make([]*mxclient.Client, 0, len(mc.clients))
	for _, cl := range mc.clients {
		clients = append(clients, cl)
	}
	mc.mu.Unlock()

	for _, cl := range clients {
		if err := cl.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every registered Client and closes the underlying Store.
// It is safe to call even if some Clients were never started.
func (mc *MatrixContext) StopAll() error {
	mc.mu.Lock()
	clients := make([]*mxclient.Client, 0, len(mc.clients))
	for _, cl := range mc.clients {
		clients = append(clients, cl)
	}
	mc.mu.Unlock()

	for _, cl := range clients {
		cl.Stop()
	}
	return mc.store.Close()
}

// CredentialSink exposes the credential-store handle so callers can
// populate or rotate stored secrets without reaching into the Store itself
// (spec §6.3).
func (mc *MatrixContext) CredentialSink() credstore.CredentialSink { return mc.cred }
