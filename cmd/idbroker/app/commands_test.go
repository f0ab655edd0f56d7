// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	envmocks "github.com/stacklok/toolhive-core/env/mocks"

	"github.com/stacklok/idbroker/pkg/versions"
)

const testConfig = `
issuer: https://broker.example
hmacSecretEnv: IDBROKER_HMAC_SECRET
upstreams:
  - name: idporten
    issuer: https://idporten.example
    clientId: broker
    clientSecretEnv: IDPORTEN_SECRET
    redirectUri: https://broker.example/upstream/callback
clients:
  - clientId: rp
    redirectUris: ["https://rp.example/cb"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idbroker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLoadConfig(t *testing.T) { //nolint:paralleltest // mutates viper
	tests := []struct {
		name    string
		config  string
		listen  string
		env     map[string]string
		wantErr string
	}{
		{
			name:   "valid with listen override",
			config: testConfig,
			listen: "127.0.0.1:9999",
			env: map[string]string{
				"IDBROKER_HMAC_SECRET": "0123456789abcdef0123456789abcdef",
				"IDPORTEN_SECRET":      "upstream-secret",
			},
		},
		{
			name:    "missing secret",
			config:  testConfig,
			env:     map[string]string{"IDPORTEN_SECRET": "upstream-secret"},
			wantErr: "failed to resolve secrets",
		},
		{
			name:    "invalid config",
			config:  "issuer: http://broker.example\nupstreams: []\n",
			wantErr: "invalid config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper(t)
			viper.Set(keyConfig, writeConfig(t, tt.config))
			viper.Set(keyListen, tt.listen)

			ctrl := gomock.NewController(t)
			mockEnv := envmocks.NewMockReader(ctrl)
			for k, v := range tt.env {
				mockEnv.EXPECT().Getenv(k).Return(v).AnyTimes()
			}
			mockEnv.EXPECT().Getenv(gomock.Any()).Return("").AnyTimes()

			cfg, err := loadConfig(mockEnv)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.listen, cfg.Listen)
			assert.Equal(t, "upstream-secret", cfg.Upstreams[0].ClientSecret)
		})
	}
}

// useXDGConfigHome points the XDG config lookup at a fresh directory and
// returns it.
func useXDGConfigHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Cleanup(xdg.Reload)
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("XDG_CONFIG_DIRS", t.TempDir())
	xdg.Reload()
	return dir
}

func TestLoadConfig_RequiresPath(t *testing.T) { //nolint:paralleltest // mutates viper and the environment
	resetViper(t)
	useXDGConfigHome(t)

	_, err := loadConfig(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--config")
	assert.Contains(t, err.Error(), defaultConfigName)
}

func TestLoadConfig_XDGDefault(t *testing.T) { //nolint:paralleltest // mutates viper and the environment
	resetViper(t)
	home := useXDGConfigHome(t)
	require.NoError(t, os.MkdirAll(filepath.Join(home, "idbroker"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(home, defaultConfigName), []byte(testConfig), 0o600))

	ctrl := gomock.NewController(t)
	mockEnv := envmocks.NewMockReader(ctrl)
	mockEnv.EXPECT().Getenv("IDBROKER_HMAC_SECRET").Return("0123456789abcdef0123456789abcdef").AnyTimes()
	mockEnv.EXPECT().Getenv("IDPORTEN_SECRET").Return("upstream-secret").AnyTimes()
	mockEnv.EXPECT().Getenv(gomock.Any()).Return("").AnyTimes()

	cfg, err := loadConfig(mockEnv)
	require.NoError(t, err)
	assert.Equal(t, "https://broker.example", cfg.Issuer)

	// An explicit path wins over the XDG default.
	viper.Set(keyConfig, writeConfig(t, "issuer: http://broker.example\nupstreams: []\n"))
	_, err = loadConfig(mockEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestVersionCmd(t *testing.T) { //nolint:paralleltest // mutates viper
	resetViper(t)
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version", "--json"})
	require.NoError(t, cmd.Execute())

	var info versions.VersionInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.Platform)
}

func TestValidateCmd(t *testing.T) { //nolint:paralleltest // mutates viper and the environment
	resetViper(t)
	t.Setenv("IDBROKER_HMAC_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("IDPORTEN_SECRET", "upstream-secret")

	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", writeConfig(t, testConfig)})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "configuration is valid")
}
