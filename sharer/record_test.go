package sharer

import (
	"bytes"
	"testing"

	"github.com/ruteri/derec-engine/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretMessage_RoundTrip(t *testing.T) {
	ts := newTestSharer(t, DefaultConfig())
	helpers := newTestHelpers(t, 3)
	sec := pairedSecret(t, ts, helpers)
	require.NoError(t, ts.RemoveHelpers(sec.ID, publicIdentities(helpers[2:])))

	v, ok := sec.Version(sec.MaxVersion())
	require.True(t, ok)
	data, err := ts.createSecretMessage(sec, v)
	require.NoError(t, err)

	rec, err := ParseSecretMessage(ts.cp, data)
	require.NoError(t, err)

	assert.Equal(t, sec.ID, rec.SecretID)
	assert.Equal(t, sec.Description, rec.Description)
	assert.Equal(t, v.Number, rec.Version)
	assert.Equal(t, v.Payload, rec.Payload)

	self := ts.Identity()
	assert.True(t, self.Identity.Equal(rec.Sharer))
	assert.Equal(t, self.PublicSignatureKey(), rec.Sharer.PublicSignatureKey())
	assert.False(t, bytes.Contains(data, self.PrivateEncryptionKey), "private encryption key serialized")
	assert.False(t, bytes.Contains(data, self.PrivateSignatureKey), "private signature key serialized")

	require.Len(t, rec.Helpers, 3)
	for i, h := range sec.Helpers() {
		assert.True(t, h.Helper.Equal(rec.Helpers[i].Helper), "helper %d", i)
		assert.Equal(t, h.Status, rec.Helpers[i].Status)
	}
	assert.Equal(t, interfaces.StatusPendingRemoval, rec.Helpers[2].Status)
}

func TestParseSecretMessage_RejectsGarbage(t *testing.T) {
	_, err := ParseSecretMessage(newTestSharer(t, DefaultConfig()).cp, nil)
	assert.Error(t, err)
	_, err = ParseSecretMessage(newTestSharer(t, DefaultConfig()).cp, []byte{0xff, 0x01})
	assert.Error(t, err)
}
