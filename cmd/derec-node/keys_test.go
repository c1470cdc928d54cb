package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/derec-engine/cryptoutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreateIdentity(t *testing.T) {
	cp := cryptoutils.NewProvider()
	path := filepath.Join(t.TempDir(), "helper.key.json")

	created, fresh, err := loadOrCreateIdentity(cp, path, "bob", "bob@example.com", "http://bob:8080/derec")
	require.NoError(t, err)
	assert.True(t, fresh)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, fresh, err := loadOrCreateIdentity(cp, path, "ignored", "ignored", "http://bob:9090/derec")
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, "bob", loaded.Name)
	assert.Equal(t, "http://bob:9090/derec", loaded.Address)
	assert.Equal(t, created.PublicEncryptionKey, loaded.PublicEncryptionKey)
	assert.Equal(t, created.PrivateSignatureKey, loaded.PrivateSignatureKey)
	assert.Equal(t, created.EncryptionKeyDigest, loaded.EncryptionKeyDigest)
}

func TestContactCards(t *testing.T) {
	cp := cryptoutils.NewProvider()
	dir := t.TempDir()

	lib, _, err := loadOrCreateIdentity(cp, filepath.Join(dir, "k.json"), "carol", "carol@example.com", "srv+http://_derec._tcp.carol.test/derec")
	require.NoError(t, err)

	cardPath := filepath.Join(dir, "carol.card.json")
	require.NoError(t, writeCard(cardPath, lib.Identity))

	peers, err := readCards(cp, []string{cardPath})
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, lib.EncryptionKeyDigest, peers[0].EncryptionKeyDigest)
	assert.Equal(t, lib.Address, peers[0].Address)
	assert.Nil(t, peers[0].PublicSignatureKey())

	tampered := filepath.Join(dir, "tampered.card.json")
	require.NoError(t, os.WriteFile(tampered, []byte(`{"name":"x","encryption_key":"0x0102","key_id":1}`), 0o644))
	_, err = readCards(cp, []string{tampered})
	assert.Error(t, err)
}
