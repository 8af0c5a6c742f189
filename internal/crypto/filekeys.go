package crypto

import (
	"context"
	"fmt"

	"github.com/n42blockchain/matrixcore/internal/store"
)

// CacheFileKey records an attachment's AES decryption metadata in the
// in-memory cache and writes it through to the Store, so a later view of
// the same mxc:// URI can skip re-parsing the m.room.message "file" block.
func (e *Engine) CacheFileKey(ctx context.Context, key store.FileKey) error {
	e.mu.Lock()
	e.fileKeys[key.MXCURI] = key
	e.mu.Unlock()

	if err := e.st.SaveFileEnc(ctx, e.accID, key); err != nil {
		return fmt.Errorf("persist file encryption key for %s: %w", key.MXCURI, err)
	}
	return nil
}

// FileKey returns the cached decryption metadata for an mxc:// URI, reading
// through to the Store on a cache miss.
func (e *Engine) FileKey(ctx context.Context, mxcURI string) (*store.FileKey, error) {
	e.mu.Lock()
	key, ok := e.fileKeys[mxcURI]
	e.mu.Unlock()
	if ok {
		return &key, nil
	}

	found, err := e.st.FindFileEnc(ctx, e.accID, mxcURI)
	if err != nil {
		return nil, fmt.Errorf("lookup file encryption key for %s: %w", mxcURI, err)
	}
	if found == nil {
		return nil, nil
	}
	e.mu.Lock()
	e.fileKeys[mxcURI] = *found
	e.mu.Unlock()
	return found, nil
}
