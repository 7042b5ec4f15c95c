package configstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/syncd/internal/connector"
	"github.com/ternarybob/syncd/internal/crypto"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.DecodeKey(strings.Repeat("cd", 32))
	require.NoError(t, err)
	return key
}

func TestDecryptFields_DecryptsTopLevelPasswordField(t *testing.T) {
	key := testKey(t)
	encrypted, err := crypto.Encrypt("sk_live_secret", key)
	require.NoError(t, err)

	bag := map[string]any{"apiKey": encrypted, "projectId": "proj_1"}
	fields := []connector.SchemaField{
		{Name: "apiKey", Type: connector.FieldPassword},
		{Name: "projectId", Type: connector.FieldString},
	}

	err = decryptFields(bag, fields, key)
	require.NoError(t, err)
	assert.Equal(t, "sk_live_secret", bag["apiKey"])
	assert.Equal(t, "proj_1", bag["projectId"]) // untouched, not an encrypted field
}

func TestDecryptFields_SkipsMissingOrNilFields(t *testing.T) {
	key := testKey(t)
	bag := map[string]any{"other": "value"}
	fields := []connector.SchemaField{
		{Name: "apiKey", Type: connector.FieldPassword},
	}

	err := decryptFields(bag, fields, key)
	require.NoError(t, err)
	assert.Equal(t, "value", bag["other"])
}

func TestDecryptFields_RecursesThroughObjectArrayItemFields(t *testing.T) {
	key := testKey(t)
	encryptedToken, err := crypto.Encrypt("hdr-secret", key)
	require.NoError(t, err)

	bag := map[string]any{
		"entities": []any{
			map[string]any{"entity": "widgets", "token": encryptedToken},
		},
	}
	fields := []connector.SchemaField{
		{
			Name: "entities",
			Type: connector.FieldObjectArray,
			ItemFields: []connector.SchemaField{
				{Name: "entity", Type: connector.FieldString},
				{Name: "token", Type: connector.FieldPassword},
			},
		},
	}

	err = decryptFields(bag, fields, key)
	require.NoError(t, err)

	arr := bag["entities"].([]any)
	item := arr[0].(map[string]any)
	assert.Equal(t, "hdr-secret", item["token"])
	assert.Equal(t, "widgets", item["entity"])
}

func TestDecryptFields_MarkedEncryptedNonPasswordFieldIsAlsoDecrypted(t *testing.T) {
	key := testKey(t)
	encrypted, err := crypto.Encrypt("plain-but-sensitive", key)
	require.NoError(t, err)

	bag := map[string]any{"secretNote": encrypted}
	fields := []connector.SchemaField{
		{Name: "secretNote", Type: connector.FieldString, Encrypted: true},
	}

	err = decryptFields(bag, fields, key)
	require.NoError(t, err)
	assert.Equal(t, "plain-but-sensitive", bag["secretNote"])
}

func TestDecryptFields_PropagatesDecryptFailure(t *testing.T) {
	key := testKey(t)
	bag := map[string]any{"apiKey": "not-a-valid-ciphertext-form:zz"}
	fields := []connector.SchemaField{
		{Name: "apiKey", Type: connector.FieldPassword},
	}

	err := decryptFields(bag, fields, key)
	assert.Error(t, err)
}

func TestDecryptFields_NonObjectArrayShapeIsSkippedNotErrored(t *testing.T) {
	key := testKey(t)
	bag := map[string]any{"entities": "not-an-array"}
	fields := []connector.SchemaField{
		{Name: "entities", Type: connector.FieldObjectArray, ItemFields: []connector.SchemaField{
			{Name: "token", Type: connector.FieldPassword},
		}},
	}

	err := decryptFields(bag, fields, key)
	require.NoError(t, err)
	assert.Equal(t, "not-an-array", bag["entities"])
}
