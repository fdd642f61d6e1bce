package registry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cxdb/internal/registry"
)

const messageV1 = `{
  "bundle_id": "conversation-v1",
  "types": {
    "com.example.Message": {
      "versions": {
        "1": {
          "fields": {
            "1": {"name": "role", "type": "string"},
            "2": {"name": "text", "type": "string"}
          }
        }
      }
    }
  },
  "enums": {}
}`

func openRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	return r
}

func TestPublishAndLookup(t *testing.T) {
	r := openRegistry(t)

	outcome, err := r.PublishBundle([]byte(messageV1))
	require.NoError(t, err)
	assert.Equal(t, registry.PublishCreated, outcome)

	desc, ok := r.Lookup("com.example.Message", 1)
	require.True(t, ok)
	assert.Equal(t, "role", desc.Fields[1].Name)
	assert.Equal(t, "text", desc.Fields[2].Name)

	v, ok := r.LatestVersion("com.example.Message")
	require.True(t, ok)
	assert.EqualValues(t, 1, v)

	_, ok = r.Lookup("com.example.Message", 2)
	assert.False(t, ok)
	assert.Equal(t, "conversation-v1", r.LastBundleID())
}

func TestRepublishIdenticalIsIdempotent(t *testing.T) {
	r := openRegistry(t)

	_, err := r.PublishBundle([]byte(messageV1))
	require.NoError(t, err)

	// Same content, different whitespace and key order: canonicalization
	// makes it byte-identical.
	reordered := `{"enums":{},"types":{"com.example.Message":{"versions":{"1":{"fields":{"2":{"name":"text","type":"string"},"1":{"name":"role","type":"string"}}}}}},"bundle_id":"conversation-v1"}`
	outcome, err := r.PublishBundle([]byte(reordered))
	require.NoError(t, err)
	assert.Equal(t, registry.PublishUnchanged, outcome)
	assert.Equal(t, 1, r.Stats().Bundles)
}

func TestConflictingBundleRejected(t *testing.T) {
	r := openRegistry(t)
	_, err := r.PublishBundle([]byte(messageV1))
	require.NoError(t, err)

	conflicting := `{
	  "bundle_id": "conversation-v1",
	  "types": {"com.example.Message": {"versions": {"1": {"fields": {
	    "1": {"name": "speaker", "type": "string"}
	  }}}}},
	  "enums": {}
	}`
	_, err = r.PublishBundle([]byte(conflicting))
	assert.ErrorIs(t, err, registry.ErrDescriptorConflict)
}

func TestSchemaEvolutionAddsTag(t *testing.T) {
	r := openRegistry(t)
	_, err := r.PublishBundle([]byte(messageV1))
	require.NoError(t, err)

	v2 := `{
	  "bundle_id": "conversation-v2",
	  "types": {"com.example.Message": {"versions": {"2": {"fields": {
	    "1": {"name": "role", "type": "string"},
	    "2": {"name": "text", "type": "string"},
	    "3": {"name": "timestamp", "type": "u64", "semantic": "unix_ms"}
	  }}}}},
	  "enums": {}
	}`
	outcome, err := r.PublishBundle([]byte(v2))
	require.NoError(t, err)
	assert.Equal(t, registry.PublishCreated, outcome)

	v, ok := r.LatestVersion("com.example.Message")
	require.True(t, ok)
	assert.EqualValues(t, 2, v)
}

func TestRemovedTagRejected(t *testing.T) {
	r := openRegistry(t)
	_, err := r.PublishBundle([]byte(messageV1))
	require.NoError(t, err)

	v2 := `{
	  "bundle_id": "conversation-v2",
	  "types": {"com.example.Message": {"versions": {"2": {"fields": {
	    "1": {"name": "role", "type": "string"},
	    "3": {"name": "timestamp", "type": "u64", "semantic": "unix_ms"}
	  }}}}},
	  "enums": {}
	}`
	_, err = r.PublishBundle([]byte(v2))
	assert.ErrorIs(t, err, registry.ErrDescriptorConflict)
}

func TestRepurposedTagRejected(t *testing.T) {
	r := openRegistry(t)
	_, err := r.PublishBundle([]byte(messageV1))
	require.NoError(t, err)

	v2 := `{
	  "bundle_id": "conversation-v2",
	  "types": {"com.example.Message": {"versions": {"2": {"fields": {
	    "1": {"name": "role", "type": "string"},
	    "2": {"name": "text", "type": "bytes"}
	  }}}}},
	  "enums": {}
	}`
	_, err = r.PublishBundle([]byte(v2))
	assert.ErrorIs(t, err, registry.ErrDescriptorConflict)
}

func TestSparseVersionRejected(t *testing.T) {
	r := openRegistry(t)

	v3 := `{
	  "bundle_id": "sparse",
	  "types": {"com.example.Note": {"versions": {"3": {"fields": {
	    "1": {"name": "body", "type": "string"}
	  }}}}},
	  "enums": {}
	}`
	_, err := r.PublishBundle([]byte(v3))
	assert.ErrorIs(t, err, registry.ErrDescriptorConflict)
}

func TestEnumHandling(t *testing.T) {
	r := openRegistry(t)

	bundle := `{
	  "bundle_id": "enums-1",
	  "types": {"com.example.Event": {"versions": {"1": {"fields": {
	    "1": {"name": "kind", "type": "u32", "enum_id": "com.example.EventKind"}
	  }}}}},
	  "enums": {"com.example.EventKind": {"0": "created", "1": "updated"}}
	}`
	_, err := r.PublishBundle([]byte(bundle))
	require.NoError(t, err)

	label, ok := r.EnumLabel("com.example.EventKind", 1)
	require.True(t, ok)
	assert.Equal(t, "updated", label)

	_, ok = r.EnumLabel("com.example.EventKind", 99)
	assert.False(t, ok)

	// Conflicting enum mapping in a later bundle fails.
	conflict := `{
	  "bundle_id": "enums-2",
	  "types": {},
	  "enums": {"com.example.EventKind": {"0": "made", "1": "updated"}}
	}`
	_, err = r.PublishBundle([]byte(conflict))
	assert.ErrorIs(t, err, registry.ErrDescriptorConflict)
}

func TestMissingEnumReferenceRejected(t *testing.T) {
	r := openRegistry(t)

	bundle := `{
	  "bundle_id": "bad-ref",
	  "types": {"com.example.Event": {"versions": {"1": {"fields": {
	    "1": {"name": "kind", "type": "u32", "enum_id": "com.example.Missing"}
	  }}}}},
	  "enums": {}
	}`
	_, err := r.PublishBundle([]byte(bundle))
	assert.ErrorIs(t, err, registry.ErrInvalidBundle)
}

func TestFailedPublishLeavesNoPartialState(t *testing.T) {
	r := openRegistry(t)

	// Version 1 is fine, version 2 removes a tag; the whole bundle must
	// be rejected atomically.
	bundle := `{
	  "bundle_id": "atomic",
	  "types": {"com.example.Doc": {"versions": {
	    "1": {"fields": {"1": {"name": "a", "type": "string"}, "2": {"name": "b", "type": "string"}}},
	    "2": {"fields": {"1": {"name": "a", "type": "string"}}}
	  }}},
	  "enums": {}
	}`
	_, err := r.PublishBundle([]byte(bundle))
	require.ErrorIs(t, err, registry.ErrDescriptorConflict)

	_, ok := r.Lookup("com.example.Doc", 1)
	assert.False(t, ok, "rejected bundle must not register any version")
	assert.Equal(t, 0, r.Stats().Bundles)
}

func TestReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	r, err := registry.Open(dir)
	require.NoError(t, err)
	_, err = r.PublishBundle([]byte(messageV1))
	require.NoError(t, err)

	r2, err := registry.Open(dir)
	require.NoError(t, err)
	desc, ok := r2.Lookup("com.example.Message", 1)
	require.True(t, ok)
	assert.Equal(t, "role", desc.Fields[1].Name)

	raw, ok := r2.GetBundle("conversation-v1")
	require.True(t, ok)
	assert.NotEmpty(t, raw)
}
