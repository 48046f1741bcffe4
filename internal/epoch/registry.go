package epoch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/katzenpost/randsrv/internal/apierr"
	"github.com/katzenpost/randsrv/internal/config"
	"github.com/katzenpost/randsrv/internal/ppoprf"
	"gopkg.in/op/go-logging.v1"
)

// Slot is a lockable cell holding an Instance or nothing. An empty slot
// means "awaiting key material in key-sync mode"; request handlers must
// reject evaluation against it with NotReady.
type Slot struct {
	mu       sync.RWMutex
	name     string
	instance *Instance
}

// taskToken uniquely identifies one scheduler goroutine's claim on a
// slot, so a goroutine that wakes up after being superseded can tell.
// Tokens are compared by pointer identity; the padding byte keeps the
// struct nonzero-sized so every allocation has a distinct address.
type taskToken struct{ _ [1]byte }

// RebuildPolicy decides, when an instance's epoch range is exhausted,
// whether to rebuild it in place (non-key-sync mode, or the key-sync
// leader) or to pause it pending new keys from the leader (a key-sync
// worker). A nil RebuildPolicy always rebuilds, matching non-key-sync
// mode.
type RebuildPolicy func() (rebuild bool)

// Registry is the name-indexed mapping from instance name to Slot.
type Registry struct {
	cfg   *config.Config
	log   *logging.Logger
	names []string
	slots map[string]*Slot

	taskSetOnce sync.Once
	tasks       *schedulerSet

	// RebuildOnExhaustion, when non-nil, is consulted by the scheduler on
	// epoch-range exhaustion to pick between the leader/non-key-sync
	// rebuild path and the worker pause path. Wired up by the keysync
	// controller once a role is chosen; left nil when key-sync is
	// disabled entirely.
	RebuildOnExhaustion RebuildPolicy

	// OnRebuild, when non-nil, is invoked (without any slot lock held)
	// after an instance is rebuilt in place. Used by the key-sync leader
	// to push updated keys to the enclave host.
	OnRebuild func()
}

// NewRegistry constructs a Registry from validated configuration. It
// does not itself populate slots or start schedulers: call Build for
// non-key-sync startup, or leave slots empty and let the key-sync
// controller populate them lazily via EnsureAllPopulated.
func NewRegistry(cfg *config.Config, log *logging.Logger) *Registry {
	r := &Registry{
		cfg:   cfg,
		log:   log,
		names: append([]string(nil), cfg.InstanceNames...),
		slots: make(map[string]*Slot, len(cfg.InstanceNames)),
	}
	for _, name := range cfg.InstanceNames {
		r.slots[name] = &Slot{name: name}
	}
	return r
}

// DefaultName returns the configured default instance name.
func (r *Registry) DefaultName() string {
	return r.cfg.DefaultInstanceName()
}

// Names returns all configured instance names, in configuration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Build populates every slot with a freshly constructed instance,
// puncturing historical tags, and launches a scheduler per instance.
// Used for non-key-sync startup.
func (r *Registry) Build() error {
	for _, name := range r.names {
		inst, err := newInstance(r.cfg, name, true)
		if err != nil {
			return err
		}
		slot := r.slots[name]
		slot.mu.Lock()
		slot.instance = inst
		slot.mu.Unlock()
		r.startScheduler(name)
	}
	return nil
}

// HasInstance reports whether name is a configured instance, regardless
// of whether its slot currently holds an Instance.
func (r *Registry) HasInstance(name string) bool {
	_, ok := r.slots[name]
	return ok
}

// Get returns a read-locked view of the named slot. Callers must call
// Release on the returned view when done. Returns apierr.InstanceNotFound
// if name is not configured at all.
func (r *Registry) Get(name string) (*SlotView, error) {
	slot, ok := r.slots[name]
	if !ok {
		return nil, apierr.New(apierr.InstanceNotFound, "instance %q not found", name)
	}
	slot.mu.RLock()
	return &SlotView{slot: slot}, nil
}

// SlotView is a read-locked snapshot handle on a Slot. Release must be
// called exactly once.
type SlotView struct {
	slot *Slot
}

// Instance returns the slot's Instance, or nil if the slot is empty
// ("None" / awaiting key-sync).
func (v *SlotView) Instance() *Instance {
	return v.slot.instance
}

// Release drops the read lock taken by Registry.Get.
func (v *SlotView) Release() {
	v.slot.mu.RUnlock()
}

// EnsureAllPopulated constructs an instance (puncturing historical
// tags) and launches its scheduler for every slot that is currently
// empty. This is the key-sync leader's lazy-init path.
func (r *Registry) EnsureAllPopulated() error {
	for _, name := range r.names {
		slot := r.slots[name]
		slot.mu.RLock()
		empty := slot.instance == nil
		slot.mu.RUnlock()
		if !empty {
			continue
		}
		inst, err := newInstance(r.cfg, name, true)
		if err != nil {
			return err
		}
		slot.mu.Lock()
		if slot.instance == nil {
			slot.instance = inst
		}
		slot.mu.Unlock()
		r.startScheduler(name)
	}
	return nil
}

// InstallImported replaces (or creates) the named instance with one
// built from imported key material. Any existing scheduler for this
// slot is aborted first; a fresh scheduler is launched for the
// installed instance.
func (r *Registry) InstallImported(name string, epoch uint8, privateKey []byte) error {
	slot, ok := r.slots[name]
	if !ok {
		return apierr.New(apierr.InstanceNotFound, "instance %q not found", name)
	}

	r.abortScheduler(name)

	slot.mu.Lock()
	var inst *Instance
	var err error
	if slot.instance != nil {
		// Reuse the existing schedule state; only the key material and
		// active tag move.
		inst = slot.instance
	} else {
		inst, err = newInstance(r.cfg, name, false)
		if err != nil {
			slot.mu.Unlock()
			return err
		}
		if inst.ActiveTag != epoch {
			slot.mu.Unlock()
			return fmt.Errorf("epoch: imported epoch %d for instance %q does not match locally computed epoch %d",
				epoch, name, inst.ActiveTag)
		}
	}

	tags := make([]uint8, 0, int(r.cfg.LastEpoch)-int(r.cfg.FirstEpoch)+1)
	for t := int(r.cfg.FirstEpoch); t <= int(r.cfg.LastEpoch); t++ {
		tags = append(tags, uint8(t))
	}
	importedServer, err := ppoprf.ImportPrivateKey(privateKey, tags)
	if err != nil {
		slot.mu.Unlock()
		return fmt.Errorf("epoch: importing key for instance %q: %w", name, err)
	}
	inst.Server = importedServer
	inst.ActiveTag = epoch
	inst.task = nil
	slot.instance = inst
	slot.mu.Unlock()

	r.startScheduler(name)
	return nil
}

// Pause clears the named slot back to empty. It does not abort any task
// itself: a scheduler attached to the slot finds it empty when it next
// wakes and returns. (The scheduler's own worker-side pause on
// epoch-range exhaustion clears the slot directly, not through Pause.)
func (r *Registry) Pause(name string) {
	slot, ok := r.slots[name]
	if !ok {
		return
	}
	slot.mu.Lock()
	slot.instance = nil
	slot.mu.Unlock()
}

// SortedNames returns instance names in sorted order, used by the key
// export path to take all write locks in a fixed order.
func (r *Registry) SortedNames() []string {
	names := append([]string(nil), r.names...)
	sort.Strings(names)
	return names
}

// WithAllWriteLocks takes the write lock of every slot, in name-sorted
// order, then runs fn once per name with that slot's current Instance,
// and only then releases every lock (in reverse order). Every slot is
// held locked for the whole snapshot, not just one at a time, so no
// rotation can mutate an instance already snapshotted or one not yet
// reached while the snapshot is in progress.
func (r *Registry) WithAllWriteLocks(fn func(name string, inst *Instance)) {
	names := r.SortedNames()
	for _, name := range names {
		r.slots[name].mu.Lock()
	}
	defer func() {
		for i := len(names) - 1; i >= 0; i-- {
			r.slots[names[i]].mu.Unlock()
		}
	}()
	for _, name := range names {
		fn(name, r.slots[name].instance)
	}
}
