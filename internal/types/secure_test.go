package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "crm-secret-api-key-12345"

func TestSecretString_FormatVerbs(t *testing.T) {
	s := SecretString(testSecret)

	for _, verb := range []string{"%s", "%v", "%+v"} {
		t.Run(verb, func(t *testing.T) {
			result := fmt.Sprintf("key="+verb, s)
			assert.NotContains(t, result, testSecret)
			assert.Equal(t, "key="+redactedPlaceholder, result)
		})
	}
}

func TestSecretString_MarshalJSON_InStruct(t *testing.T) {
	type crmConfig struct {
		APIKey SecretString `json:"api_key"`
		Region string       `json:"region"`
	}

	data, err := json.Marshal(crmConfig{APIKey: SecretString(testSecret), Region: "eu"})
	require.NoError(t, err)

	assert.NotContains(t, string(data), testSecret)
	assert.Contains(t, string(data), redactedPlaceholder)
}

func TestSecretString_SlogAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	logger.Info("crm client configured", "api_key", SecretString(testSecret))

	assert.NotContains(t, buf.String(), testSecret)
	assert.True(t, strings.Contains(buf.String(), redactedPlaceholder))
}

func TestSecretString_Unmask(t *testing.T) {
	s := SecretString(testSecret)
	assert.Equal(t, testSecret, s.Unmask())
	assert.False(t, s.IsZero())
	assert.True(t, SecretString("").IsZero())
}
