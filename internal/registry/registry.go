// Package registry stores versioned type descriptors and enum tables.
//
// Descriptors arrive in immutable bundles: a published (type_id, version,
// descriptor) triple can never be redefined, tags are add-only across
// versions of a type, and version numbering is dense. Republishing a
// byte-identical bundle is idempotent; byte identity is judged on the
// JCS-canonicalized form so formatting differences do not break replays.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gowebpki/jcs"
)

var (
	// ErrInvalidBundle is returned for malformed bundle JSON or field specs.
	ErrInvalidBundle = errors.New("registry: invalid bundle")
	// ErrDescriptorConflict is returned when a publish violates immutability,
	// tag add-only evolution, or dense versioning.
	ErrDescriptorConflict = errors.New("registry: descriptor conflict")
)

// PublishOutcome reports what a PublishBundle call did.
type PublishOutcome int

const (
	// PublishCreated means the bundle was new and has been registered.
	PublishCreated PublishOutcome = iota
	// PublishUnchanged means a byte-identical bundle was already present.
	PublishUnchanged
)

// FieldSpec describes one tagged field of a descriptor.
type FieldSpec struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Optional     bool   `json:"optional,omitempty"`
	EnumID       string `json:"enum_id,omitempty"`
	NestedTypeID string `json:"nested_type_id,omitempty"`
	Semantic     string `json:"semantic,omitempty"`
}

// Descriptor is the tag -> field mapping for one (type_id, version).
type Descriptor struct {
	TypeID  string
	Version uint32
	Fields  map[uint64]FieldSpec
}

// bundleJSON is the wire shape of a published bundle.
type bundleJSON struct {
	BundleID string                       `json:"bundle_id"`
	Types    map[string]typeEntryJSON     `json:"types"`
	Enums    map[string]map[string]string `json:"enums"`
}

type typeEntryJSON struct {
	Versions map[string]versionEntryJSON `json:"versions"`
}

type versionEntryJSON struct {
	Fields map[string]FieldSpec `json:"fields"`
}

type typeSpec struct {
	versions map[uint32]*Descriptor
	// tagSchema pins each tag's first-seen spec so later versions can
	// neither repurpose nor drop it.
	tagSchema map[uint64]FieldSpec
}

// Registry is the in-process descriptor store backed by bundle files under
// dir. One RWMutex guards the whole registry: reads share it and a publish
// holds it exclusively, so a publish waits for in-flight reads of any type
// and blocks new reads while it runs.
type Registry struct {
	dir string

	mu           sync.RWMutex
	bundles      map[string][]byte
	types        map[string]*typeSpec
	enums        map[string]map[uint64]string
	lastBundleID string
}

// Open loads all bundle files from dir, validating them as a replay of
// publishes in file-name order.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create dir: %w", err)
	}
	r := &Registry{
		dir:     dir,
		bundles: make(map[string][]byte),
		types:   make(map[string]*typeSpec),
		enums:   make(map[string]map[uint64]string),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("registry: read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("registry: read bundle %s: %w", name, err)
		}
		if _, err := r.ingest(raw, false); err != nil {
			return nil, fmt.Errorf("registry: load bundle %s: %w", name, err)
		}
	}
	return r, nil
}

// PublishBundle registers a bundle. Byte-identical republish (after JCS
// canonicalization) returns PublishUnchanged; any conflicting redefinition
// fails with ErrDescriptorConflict and leaves the registry untouched.
func (r *Registry) PublishBundle(raw []byte) (PublishOutcome, error) {
	return r.ingest(raw, true)
}

func (r *Registry) ingest(raw []byte, persist bool) (PublishOutcome, error) {
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: not valid JSON: %v", ErrInvalidBundle, err)
	}

	var bundle bundleJSON
	if err := json.Unmarshal(canonical, &bundle); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if bundle.BundleID == "" {
		return 0, fmt.Errorf("%w: missing bundle_id", ErrInvalidBundle)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bundles[bundle.BundleID]; ok {
		if string(existing) == string(canonical) {
			return PublishUnchanged, nil
		}
		return 0, fmt.Errorf("%w: bundle %q already exists with different content",
			ErrDescriptorConflict, bundle.BundleID)
	}

	// Validate the whole bundle against current state before mutating
	// anything, so a failed publish has no partial effect.
	staged, stagedEnums, err := r.stage(&bundle)
	if err != nil {
		return 0, err
	}

	if persist {
		path := filepath.Join(r.dir, bundleFilename(bundle.BundleID))
		if err := os.WriteFile(path, canonical, 0o644); err != nil {
			return 0, fmt.Errorf("registry: write bundle: %w", err)
		}
	}

	for enumID, mapping := range stagedEnums {
		r.enums[enumID] = mapping
	}
	for typeID, spec := range staged {
		r.types[typeID] = spec
	}
	r.bundles[bundle.BundleID] = canonical
	r.lastBundleID = bundle.BundleID
	return PublishCreated, nil
}

// stage merges the bundle into copies of the affected type and enum
// entries, enforcing R1 (immutability), R2 (add-only tags) and R3 (dense
// versions). Nothing in the registry is modified.
func (r *Registry) stage(bundle *bundleJSON) (map[string]*typeSpec, map[string]map[uint64]string, error) {
	stagedEnums := make(map[string]map[uint64]string)
	for enumID, mapping := range bundle.Enums {
		parsed := make(map[uint64]string, len(mapping))
		for valueStr, label := range mapping {
			value, err := strconv.ParseUint(valueStr, 10, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: enum %q value %q is not numeric", ErrInvalidBundle, enumID, valueStr)
			}
			parsed[value] = label
		}
		if existing, ok := r.enums[enumID]; ok {
			if !reflect.DeepEqual(existing, parsed) {
				return nil, nil, fmt.Errorf("%w: enum %q already exists with different mapping",
					ErrDescriptorConflict, enumID)
			}
			continue
		}
		stagedEnums[enumID] = parsed
	}

	staged := make(map[string]*typeSpec)
	for typeID, entry := range bundle.Types {
		spec := r.cloneTypeSpec(typeID)
		staged[typeID] = spec

		versions := make([]uint32, 0, len(entry.Versions))
		parsed := make(map[uint32]map[uint64]FieldSpec, len(entry.Versions))
		for versionStr, versionDef := range entry.Versions {
			v64, err := strconv.ParseUint(versionStr, 10, 32)
			if err != nil || v64 == 0 {
				return nil, nil, fmt.Errorf("%w: type %q version %q", ErrInvalidBundle, typeID, versionStr)
			}
			version := uint32(v64)
			fields, err := parseFields(typeID, version, versionDef.Fields)
			if err != nil {
				return nil, nil, err
			}
			versions = append(versions, version)
			parsed[version] = fields
		}
		sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

		for _, version := range versions {
			if err := addVersion(typeID, version, parsed[version], spec); err != nil {
				return nil, nil, err
			}
		}
	}

	// Enum references must resolve after the merge.
	lookupEnum := func(enumID string) bool {
		if _, ok := r.enums[enumID]; ok {
			return true
		}
		_, ok := stagedEnums[enumID]
		return ok
	}
	for typeID, spec := range staged {
		for version, desc := range spec.versions {
			for tag, field := range desc.Fields {
				if field.EnumID != "" && !lookupEnum(field.EnumID) {
					return nil, nil, fmt.Errorf("%w: type %q version %d tag %d references missing enum %q",
						ErrInvalidBundle, typeID, version, tag, field.EnumID)
				}
			}
		}
	}

	return staged, stagedEnums, nil
}

func (r *Registry) cloneTypeSpec(typeID string) *typeSpec {
	clone := &typeSpec{
		versions:  make(map[uint32]*Descriptor),
		tagSchema: make(map[uint64]FieldSpec),
	}
	if existing, ok := r.types[typeID]; ok {
		for v, d := range existing.versions {
			clone.versions[v] = d
		}
		for tag, sig := range existing.tagSchema {
			clone.tagSchema[tag] = sig
		}
	}
	return clone
}

func addVersion(typeID string, version uint32, fields map[uint64]FieldSpec, spec *typeSpec) error {
	if existing, ok := spec.versions[version]; ok {
		if reflect.DeepEqual(existing.Fields, fields) {
			return nil
		}
		return fmt.Errorf("%w: type %q version %d already exists with different fields",
			ErrDescriptorConflict, typeID, version)
	}

	// R3: dense version numbering.
	if version > 1 {
		if _, ok := spec.versions[version-1]; !ok {
			return fmt.Errorf("%w: type %q version %d published before version %d",
				ErrDescriptorConflict, typeID, version, version-1)
		}
	}

	// R2: tags are add-only. Every tag of the previous version must be
	// present and unchanged; any tag ever seen may not be repurposed.
	if prev, ok := spec.versions[version-1]; ok {
		for tag, prevField := range prev.Fields {
			cur, ok := fields[tag]
			if !ok {
				return fmt.Errorf("%w: type %q version %d removes tag %d",
					ErrDescriptorConflict, typeID, version, tag)
			}
			if !specCompatible(prevField, cur) {
				return fmt.Errorf("%w: type %q version %d repurposes tag %d",
					ErrDescriptorConflict, typeID, version, tag)
			}
		}
	}
	for tag, field := range fields {
		if pinned, ok := spec.tagSchema[tag]; ok {
			if !specCompatible(pinned, field) {
				return fmt.Errorf("%w: type %q version %d repurposes tag %d",
					ErrDescriptorConflict, typeID, version, tag)
			}
		} else {
			spec.tagSchema[tag] = field
		}
	}

	spec.versions[version] = &Descriptor{TypeID: typeID, Version: version, Fields: fields}
	return nil
}

// specCompatible reports whether a tag keeps its meaning between versions.
// Optionality may change; name, type, enum, nesting and semantics may not.
func specCompatible(a, b FieldSpec) bool {
	return a.Name == b.Name && a.Type == b.Type && a.EnumID == b.EnumID &&
		a.NestedTypeID == b.NestedTypeID && a.Semantic == b.Semantic
}

func parseFields(typeID string, version uint32, raw map[string]FieldSpec) (map[uint64]FieldSpec, error) {
	fields := make(map[uint64]FieldSpec, len(raw))
	for tagStr, field := range raw {
		tag, err := strconv.ParseUint(tagStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: type %q version %d tag %q is not numeric",
				ErrInvalidBundle, typeID, version, tagStr)
		}
		if field.Name == "" || field.Type == "" {
			return nil, fmt.Errorf("%w: type %q version %d tag %d missing name or type",
				ErrInvalidBundle, typeID, version, tag)
		}
		fields[tag] = field
	}
	return fields, nil
}

// Lookup returns the descriptor for (typeID, version).
func (r *Registry) Lookup(typeID string, version uint32) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.types[typeID]
	if !ok {
		return nil, false
	}
	desc, ok := spec.versions[version]
	return desc, ok
}

// LatestVersion returns the highest registered version of typeID.
func (r *Registry) LatestVersion(typeID string) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.types[typeID]
	if !ok || len(spec.versions) == 0 {
		return 0, false
	}
	var latest uint32
	for v := range spec.versions {
		if v > latest {
			latest = v
		}
	}
	return latest, true
}

// EnumLabel resolves an enum value to its label.
func (r *Registry) EnumLabel(enumID string, value uint64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mapping, ok := r.enums[enumID]
	if !ok {
		return "", false
	}
	label, ok := mapping[value]
	return label, ok
}

// GetBundle returns the canonical bytes of a published bundle.
func (r *Registry) GetBundle(bundleID string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	raw, ok := r.bundles[bundleID]
	return raw, ok
}

// LastBundleID returns the ID of the bundle ingested last, if any: the latest
// publish since Open, or else the last bundle file Open loaded in file-name
// order.
func (r *Registry) LastBundleID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastBundleID
}

// Stats describes the registry's contents.
type Stats struct {
	Bundles int `json:"bundles"`
	Types   int `json:"types"`
	Enums   int `json:"enums"`
}

// Stats returns bundle, type and enum counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Bundles: len(r.bundles), Types: len(r.types), Enums: len(r.enums)}
}

// bundleFilename maps a bundle ID to a safe file name.
func bundleFilename(bundleID string) string {
	safe := strings.NewReplacer("/", "_", ":", "_", "#", "_", "..", "_").Replace(bundleID)
	return safe + ".json"
}
