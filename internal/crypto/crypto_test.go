package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/swaprelay/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestOrderIDDeterministic(t *testing.T) {
	p := domain.OrderParams{
		Maker:            "0xmaker",
		SourceChain:      "sepolia",
		DestinationChain: "algorand",
		MakerAsset:       domain.NativeAsset,
		TakerAsset:       "31566704",
		MakerAmount:      domain.NewAmount(1_000_000),
		TakerAmount:      domain.NewAmount(15_000_000),
	}
	salt := domain.Hash{7}

	a := OrderID(p, salt)
	assert.Equal(t, a, OrderID(p, salt))
	assert.True(t, strings.HasPrefix(string(a), "0x"))
	assert.Len(t, string(a), 66)

	assert.NotEqual(t, a, OrderID(p, domain.Hash{8}))
	p.TakerAmount = domain.NewAmount(15_000_001)
	assert.NotEqual(t, a, OrderID(p, salt))
}

func TestSealOpenKey(t *testing.T) {
	blob, err := SealKey("0x"+testKey, FormatHex, "hunter2")
	require.NoError(t, err)

	key, format, err := OpenKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey, key)
	assert.Equal(t, FormatHex, format)

	_, _, err = OpenKey(blob, "wrong")
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))
	loaded, err := LoadKey(KeyConfig{Format: FormatHex, EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, testKey, loaded)

	_, err = LoadKey(KeyConfig{Format: FormatMnemonic, EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.Error(t, err)
}

func TestSignerAddress(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	assert.Equal(t, "0x627306090abaB3A6e1400e9345bC60c78a8BEf57", s.Address().Hex())
}

func TestNoticeSigner(t *testing.T) {
	n := &NoticeSigner{Secret: "shared-secret"}
	body := []byte(`{"order_id":"0x01"}`)
	sig := n.Sign(body, 1700000000)
	assert.True(t, n.Verify(body, 1700000000, sig))
	assert.False(t, n.Verify(body, 1700000001, sig))
	assert.False(t, n.Verify([]byte(`{}`), 1700000000, sig))
	assert.NotContains(t, n.String(), "shared-secret")
}
