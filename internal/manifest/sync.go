package manifest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/go-logr/logr"

	sgv1alpha1 "github.com/anvil-platform/servicegraph/api/v1alpha1"
	"github.com/anvil-platform/servicegraph/engine"
)

// Syncer keeps a container in line with a desired set of manifests. Each
// manifest is tracked under a caller-chosen key (a file entry or a
// namespace/name).
type Syncer struct {
	ct      *engine.Container
	catalog Catalog
	log     logr.Logger

	// applyMu serializes Sync, Apply and Delete. mu only guards entries, so
	// Name and Key stay usable from engine listeners while an apply waits
	// for replaced services to go away.
	applyMu sync.Mutex
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	name        engine.Name
	fingerprint string
}

// Result summarizes one Sync or Apply call.
type Result struct {
	Installed   []engine.Name
	Reinstalled []engine.Name
	Removed     []engine.Name
	// Invalid holds manifests that could not be translated, by key.
	Invalid map[string]error
	// Install is the engine's answer for the batch, nil when nothing was
	// installed.
	Install *engine.InstallResult
}

func (r *Result) Changed() bool {
	return len(r.Installed)+len(r.Reinstalled)+len(r.Removed) > 0
}

func NewSyncer(ct *engine.Container, cat Catalog, log logr.Logger) *Syncer {
	if cat == nil {
		cat = DefaultCatalog()
	}
	return &Syncer{ct: ct, catalog: cat, log: log, entries: make(map[string]entry)}
}

// Fingerprint identifies the parts of a manifest the engine sees.
func Fingerprint(spec sgv1alpha1.ServiceManifestSpec) string {
	spec.ConfigMapRef = nil
	raw, _ := json.Marshal(spec)
	sum := sha1.Sum(raw)
	return hex.EncodeToString(sum[:])
}

// Name returns the service installed for key.
func (s *Syncer) Name(key string) (engine.Name, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e.name, ok
}

// Key is the reverse of Name.
func (s *Syncer) Key(name engine.Name) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, e := range s.entries {
		if e.name == name {
			return k, true
		}
	}
	return "", false
}

// Sync makes the tracked set equal to desired: keys that disappeared are
// removed, changed manifests are removed and reinstalled, and new ones are
// installed, all new and changed manifests in one batch.
func (s *Syncer) Sync(ctx context.Context, desired map[string]*sgv1alpha1.ServiceManifest) (*Result, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	res := &Result{Invalid: make(map[string]error)}
	var remove []string
	s.mu.RLock()
	for key := range s.entries {
		if _, ok := desired[key]; !ok {
			remove = append(remove, key)
		}
	}
	s.mu.RUnlock()
	return res, s.applyLocked(ctx, desired, remove, res)
}

// Apply installs or updates a single manifest.
func (s *Syncer) Apply(ctx context.Context, key string, m *sgv1alpha1.ServiceManifest) (*Result, error) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	res := &Result{Invalid: make(map[string]error)}
	err := s.applyLocked(ctx, map[string]*sgv1alpha1.ServiceManifest{key: m}, nil, res)
	if ierr, ok := res.Invalid[key]; ok && err == nil {
		err = ierr
	}
	return res, err
}

// Delete removes the service tracked under key. It does not wait for the
// removal to finish.
func (s *Syncer) Delete(key string) (engine.Name, bool) {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	e, ok := s.forget(key)
	if !ok {
		return engine.Name{}, false
	}
	s.ct.Remove(e.name)
	return e.name, true
}

func (s *Syncer) applyLocked(ctx context.Context, desired map[string]*sgv1alpha1.ServiceManifest, remove []string, res *Result) error {
	keys := make([]string, 0, len(desired))
	for k := range desired {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var install, reinstall []string
	fingerprints := make(map[string]string, len(keys))
	for _, key := range keys {
		m := desired[key]
		if err := s.preflight(m); err != nil {
			res.Invalid[key] = err
			continue
		}
		fp := Fingerprint(m.Spec)
		fingerprints[key] = fp
		s.mu.RLock()
		cur, ok := s.entries[key]
		s.mu.RUnlock()
		switch {
		case !ok:
			install = append(install, key)
		case cur.fingerprint != fp:
			reinstall = append(reinstall, key)
		}
	}

	sort.Strings(remove)
	drop := append(append([]string(nil), remove...), reinstall...)
	pending := append(append([]string(nil), install...), reinstall...)

	// The new batch is checked against the graph as it will be once drop is
	// gone, so a rejected update leaves the running services alone.
	var b *engine.Batch
	if len(pending) > 0 {
		b = s.ct.NewBatch()
		for _, key := range pending {
			if _, err := Translate(b, desired[key], s.catalog, s.log); err != nil {
				// preflight accepted it, so this is a catalog that changed underneath us.
				return err
			}
		}
		replacing := make([]engine.Name, 0, len(drop))
		for _, key := range drop {
			if n, ok := s.Name(key); ok {
				replacing = append(replacing, n)
			}
		}
		if ir, err := b.Check(ctx, replacing...); err != nil {
			res.Install = ir
			return s.rejected(b, len(pending), err)
		}
	}

	gone := make([]engine.Name, 0, len(drop))
	for i, key := range drop {
		e, _ := s.forget(key)
		if i < len(remove) {
			res.Removed = append(res.Removed, e.name)
		}
		gone = append(gone, e.name)
		if s.ct.Remove(e.name) {
			s.log.V(1).Info("removing service", "key", key, "service", e.name.String())
		}
	}
	if len(pending) == 0 {
		return nil
	}
	if len(gone) > 0 {
		// Names and capabilities must be free before they are claimed again.
		if err := s.ct.AwaitRemoved(ctx, gone...); err != nil {
			return fmt.Errorf("manifest: waiting for removals: %w", err)
		}
	}

	ir, err := b.Install(ctx)
	res.Install = ir
	if err != nil {
		return s.rejected(b, len(pending), err)
	}
	for _, key := range install {
		n := s.track(key, desired[key], fingerprints[key])
		res.Installed = append(res.Installed, n)
	}
	for _, key := range reinstall {
		n := s.track(key, desired[key], fingerprints[key])
		res.Reinstalled = append(res.Reinstalled, n)
	}
	s.log.Info("installed batch", "batch", b.ID().String(), "installed", len(install), "reinstalled", len(reinstall))
	return nil
}

func (s *Syncer) rejected(b *engine.Batch, services int, err error) error {
	s.log.Error(err, "batch rejected", "batch", b.ID().String(), "services", services)
	if errors.Is(err, engine.ErrContainerClosed) {
		return err
	}
	return fmt.Errorf("manifest: install: %w", err)
}

func (s *Syncer) track(key string, m *sgv1alpha1.ServiceManifest, fp string) engine.Name {
	n := engine.MustParseName(m.Spec.ServiceName)
	s.mu.Lock()
	s.entries[key] = entry{name: n, fingerprint: fp}
	s.mu.Unlock()
	return n
}

func (s *Syncer) forget(key string) (entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	delete(s.entries, key)
	return e, ok
}

// preflight translates m into a throwaway batch so a bad manifest never leaves a
// half-built declaration in the real one.
func (s *Syncer) preflight(m *sgv1alpha1.ServiceManifest) error {
	bl, err := Translate(s.ct.NewBatch(), m, s.catalog, logr.Discard())
	if err != nil {
		return err
	}
	return bl.Validate()
}
