package testserver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// Well-known instance settings.
const (
	SettingHTTPPort         = "http.port"
	SettingTransportPort    = "transport.port"
	SettingTransportTCPPort = "transport.tcp.port"
	SettingClusterName      = "cluster.name"
	SettingSecurityEnabled  = "xpack.security.enabled"
)

// configFile is the server's settings file relative to the installation directory.
var configFile = filepath.Join("config", "elasticsearch.yml")

// instanceSettings are written into the server's settings file before launch.
type instanceSettings map[string]any

// writeTo merges s over the settings file below installDir. Keys already in
// the file and not in s are kept. clusterName is used when neither sets one.
func (s instanceSettings) writeTo(installDir, clusterName string) error {
	if len(s) == 0 {
		return nil
	}
	path := filepath.Join(installDir, configFile)

	merged := make(map[string]any)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return fmt.Errorf("reading %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &merged); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		if merged == nil {
			merged = make(map[string]any)
		}
	}

	for k, v := range s {
		merged[k] = v
	}
	if _, ok := merged[SettingClusterName]; !ok {
		merged[SettingClusterName] = clusterName
	}

	out, err := yaml.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := renameio.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
