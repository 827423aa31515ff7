package secrets

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// CredentialsFile is the on-disk shape of ~/.respgate/credentials: one API
// key per configured provider plus the gateway's own bearer token, kept
// outside the vault for the common case where an operator manages it with
// a text editor rather than the admin API.
type CredentialsFile struct {
	GatewayToken string            `json:"gateway_token,omitempty"`
	ProviderKeys map[string]string `json:"provider_keys"`
	// UsageTokens holds the separate bearer used by the budget_info usage
	// dialect (spec §4.4), distinct from the provider's API key.
	UsageTokens map[string]string `json:"usage_tokens,omitempty"`
}

// ProviderKeyName and UsageTokenName are the vault entry names a provider's
// two credential kinds are stored under once imported from the credentials
// file, so internal/quota has one naming convention regardless of whether a
// credential originated from the file or was set later via the admin API.
func ProviderKeyName(provider string) string { return "provider_key:" + provider }
func UsageTokenName(provider string) string  { return "usage_token:" + provider }

// LoadCredentialsFile reads and parses the credentials file at path. It
// refuses to load a file with permissions looser than 0600: this file
// holds plaintext API keys, and a world- or group-readable copy is a
// misconfiguration worth failing loudly over rather than silently trusting.
func LoadCredentialsFile(path string) (CredentialsFile, error) {
	info, err := os.Stat(path)
	if err != nil {
		return CredentialsFile{}, fmt.Errorf("stat credentials file: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return CredentialsFile{}, fmt.Errorf("credentials file %s has permissions %04o, expected 0600 or stricter", path, info.Mode().Perm())
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return CredentialsFile{}, fmt.Errorf("read credentials file: %w", err)
	}
	var cf CredentialsFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return CredentialsFile{}, fmt.Errorf("parse credentials file: %w", err)
	}
	if cf.ProviderKeys == nil {
		cf.ProviderKeys = map[string]string{}
	}
	if cf.UsageTokens == nil {
		cf.UsageTokens = map[string]string{}
	}
	return cf, nil
}

// WatchCredentialsFile starts an fsnotify watch on path and invokes onChange
// with the freshly reloaded file whenever it is written or recreated (many
// editors replace-on-save rather than truncate-and-write, which fsnotify
// sees as a Remove followed by a Create). Parse or permission errors are
// logged and otherwise ignored — a bad intermediate write during a save
// should not crash the gateway; the previously loaded credentials remain in
// effect until a valid file appears.
//
// The returned stop function closes the watcher; it is safe to call once.
func WatchCredentialsFile(path string, onChange func(CredentialsFile)) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	var once sync.Once
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cf, err := LoadCredentialsFile(path)
				if err != nil {
					slog.Warn("credentials file reload failed, keeping previous values", "path", path, "error", err)
					continue
				}
				onChange(cf)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("credentials watcher error", "error", err)
			}
		}
	}()

	stop = func() error {
		var closeErr error
		once.Do(func() { closeErr = watcher.Close() })
		return closeErr
	}
	return stop, nil
}
