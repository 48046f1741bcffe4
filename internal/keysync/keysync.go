// Package keysync implements the optional leader/worker key
// synchronization controller, active only in enclave deployments where
// private key material must be mirrored from a leader replica to its
// workers through the enclave host's attested channel.
package keysync

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"

	"github.com/katzenpost/randsrv/internal/apierr"
	"github.com/katzenpost/randsrv/internal/config"
	"github.com/katzenpost/randsrv/internal/epoch"
	"gopkg.in/op/go-logging.v1"
)

// Role is one of the two roles an enclave-deployed process latches into
// on its first key-sync operation.
type Role int

const (
	// RoleUnset means neither PutKeys nor GetKeys has been called yet.
	RoleUnset Role = iota
	RoleLeader
	RoleWorker
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleWorker:
		return "worker"
	default:
		return "unset"
	}
}

// Controller owns the write-once role cell and mediates PutKeys/GetKeys
// against a Registry. It is only constructed when enclave_key_sync is
// enabled in configuration.
type Controller struct {
	mu            sync.Mutex
	role          Role
	registry      *epoch.Registry
	nitridingPort uint16
	log           *logging.Logger

	// httpClient sends the leader's key push to the enclave host. A
	// plain client, not a retrying one: a failed push is fatal to the
	// process, so retry logic would only delay the abort.
	httpClient *http.Client
}

// NewController constructs a key-sync controller bound to registry. It
// wires registry.RebuildOnExhaustion and registry.OnRebuild once a role
// is latched.
func NewController(cfg *config.Config, registry *epoch.Registry, log *logging.Logger) *Controller {
	return &Controller{
		registry:      registry,
		nitridingPort: cfg.NitridingInternalPort,
		log:           log,
		httpClient:    &http.Client{},
	}
}

// Role reports the latched role, if any. It never latches a role
// itself; it exists purely for observability (tests, diagnostics).
func (c *Controller) Role() (Role, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role, c.role != RoleUnset
}

// latch assigns want as the process's role on first call. A later call
// requesting the other role fails with InvalidPrivateKeyCall and leaves
// state untouched; a later call requesting the same role is a no-op.
func (c *Controller) latch(want Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role == RoleUnset {
		c.role = want
		switch want {
		case RoleLeader:
			c.registry.RebuildOnExhaustion = func() bool { return true }
			c.registry.OnRebuild = c.pushKeysOrFatal
		case RoleWorker:
			c.registry.RebuildOnExhaustion = func() bool { return false }
		}
		return nil
	}
	if c.role != want {
		return apierr.New(apierr.InvalidPrivateKeyCall,
			"key-sync role already latched as %s, cannot also act as %s", c.role, want)
	}
	return nil
}

// PutKeys is the worker side of key sync: latches the worker role, then
// installs every instance named in the payload whose incoming state
// differs from what is currently held and whose epoch equals the held
// instance's active epoch (an empty slot accepts any entry). Instances
// absent from the payload are left untouched. A payload that fails to
// decode is rejected without latching a role.
func (c *Controller) PutKeys(data []byte) error {
	bundle, decodeErr := decodeKeyBundle(data)
	if role, latched := c.Role(); decodeErr != nil && (!latched || role == RoleWorker) {
		return apierr.New(apierr.BadBase64, "keysync: malformed key bundle: %v", decodeErr)
	}
	if err := c.latch(RoleWorker); err != nil {
		return err
	}

	for name, info := range bundle {
		if !c.registry.HasInstance(name) {
			continue
		}

		view, err := c.registry.Get(name)
		if err != nil {
			continue
		}
		cur := view.Instance()
		if cur != nil {
			same := bytes.Equal(cur.Server.ExportPrivateKey(), info.KeyState)
			behind := info.Epoch != cur.ActiveTag
			view.Release()
			if same {
				continue
			}
			if behind {
				// Leader is ahead of what this push carries for this
				// instance; keep our own schedule and wait for a later
				// push or our own scheduler to catch up.
				continue
			}
		} else {
			view.Release()
		}

		if err := c.registry.InstallImported(name, info.Epoch, info.KeyState); err != nil {
			return fmt.Errorf("keysync: installing imported key for %q: %w", name, err)
		}
	}
	return nil
}

// GetKeys is the leader side of key sync: ensures every instance
// exists, then snapshots (epoch, exported private key) for all
// instances under write locks taken in a fixed, name-sorted order.
func (c *Controller) GetKeys() ([]byte, error) {
	if err := c.latch(RoleLeader); err != nil {
		return nil, err
	}
	if err := c.registry.EnsureAllPopulated(); err != nil {
		return nil, err
	}

	bundle := make(keyBundle, len(c.registry.Names()))
	c.registry.WithAllWriteLocks(func(name string, inst *epoch.Instance) {
		if inst == nil {
			return
		}
		bundle[name] = keyInfo{
			Epoch:    inst.ActiveTag,
			KeyState: inst.Server.ExportPrivateKey(),
		}
	})
	return encodeKeyBundle(bundle)
}

// pushKeysOrFatal runs after a leader-side rebuild: export all keys and
// PUT them to the enclave host. A failure here is fatal to the process,
// since the cluster would otherwise silently diverge.
func (c *Controller) pushKeysOrFatal() {
	data, err := c.GetKeys()
	if err != nil {
		panic("keysync: BUG: failed to export keys for push: " + err.Error())
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/enclave/state", c.nitridingPort)
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		panic("keysync: BUG: failed to build enclave key push request: " + err.Error())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		panic("keysync: BUG: failed to push updated keys to enclave host: " + err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		panic(fmt.Sprintf("keysync: BUG: enclave host rejected key push: status %d", resp.StatusCode))
	}

	if c.log != nil {
		c.log.Noticef("pushed updated keys to enclave host after rebuild")
	}
}
