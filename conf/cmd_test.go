package conf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFlagToken(t *testing.T) {
	key, value, has := splitFlagToken("-store=wss://example/v1")
	assert.Equal(t, "store", key)
	assert.Equal(t, "wss://example/v1", value)
	assert.True(t, has)

	key, _, has = splitFlagToken("--verbose")
	assert.Equal(t, "verbose", key)
	assert.False(t, has)
}

func TestApplyFlagRejectsUnknown(t *testing.T) {
	opts := &AppOptions{}
	err := applyFlag(opts, "-bogus", "bogus", "", false)
	assert.Error(t, err)
}

func TestApplyFlagValues(t *testing.T) {
	opts := &AppOptions{}
	require.NoError(t, applyFlag(opts, "-v", "v", "", false))
	require.NoError(t, applyFlag(opts, "-store", "store", "wss://s/v1", true))
	require.NoError(t, applyFlag(opts, "-name", "name", "Alice", true))
	assert.True(t, opts.Verbose)
	assert.Equal(t, "wss://s/v1", opts.StoreURL)
	assert.Equal(t, "Alice", opts.DisplayName)

	assert.Error(t, applyFlag(opts, "-store", "store", "", false))
	assert.Error(t, applyFlag(opts, "-v", "v", "banana", true))
}

func TestLoadOrCreateProfileFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	p, err := loadOrCreateProfile(path, "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)
	_, err = uuid.Parse(p.PeerID)
	assert.NoError(t, err, "generated peer id must be a uuid")

	// second load returns the same identity
	p2, err := loadOrCreateProfile(path, "")
	require.NoError(t, err)
	assert.Equal(t, p.PeerID, p2.PeerID)
	assert.Equal(t, "Alice", p2.DisplayName)
}

func TestLoadOrCreateProfileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := loadOrCreateProfile(path, "")
	assert.Error(t, err)
}

func writeContact(t *testing.T, root, name, id string) {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "termcall"), []byte(id+"\n"), 0o644))
}

func TestLoadContacts(t *testing.T) {
	root := t.TempDir()
	writeContact(t, root, "Alice", "11111111-1111-1111-1111-111111111111")
	writeContact(t, root, "Bob", "22222222-2222-2222-2222-222222222222")

	// folder without a termcall file is not a contact
	require.NoError(t, os.MkdirAll(filepath.Join(root, "NotAContact"), 0o755))

	contacts, err := LoadContacts(root)
	require.NoError(t, err)
	require.Len(t, contacts, 2)

	byName := map[string]string{}
	for _, c := range contacts {
		byName[c.Name] = c.PeerID
	}
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", byName["Alice"])
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", byName["Bob"])
}

func TestLoadContactsEmptyRoot(t *testing.T) {
	contacts, err := LoadContacts("")
	require.NoError(t, err)
	assert.Nil(t, contacts)
}

func TestResolveTargetContactName(t *testing.T) {
	root := t.TempDir()
	writeContact(t, root, "Alice", "11111111-1111-1111-1111-111111111111")

	opts := &AppOptions{ContactsDir: root, CallTarget: "alice"}
	id, name, err := opts.ResolveTarget()
	require.NoError(t, err)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", id)
	assert.Equal(t, "Alice", name)
}

func TestResolveTargetRawPeerID(t *testing.T) {
	raw := uuid.NewString()
	opts := &AppOptions{CallTarget: raw}
	id, name, err := opts.ResolveTarget()
	require.NoError(t, err)
	assert.Equal(t, raw, id)
	assert.Equal(t, raw, name)
}

func TestResolveTargetUnknown(t *testing.T) {
	opts := &AppOptions{ContactsDir: t.TempDir(), CallTarget: "nobody"}
	_, _, err := opts.ResolveTarget()
	assert.Error(t, err)
}
