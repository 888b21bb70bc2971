package internal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TorchDevice selects which accelerated-compute wheel set to install.
type TorchDevice string

const (
	DeviceCPU         TorchDevice = "cpu"
	DeviceNvidia      TorchDevice = "nvidia"
	DeviceMps         TorchDevice = "mps"
	DeviceUnsupported TorchDevice = "unsupported"
)

// Mirrors holds optional registry overrides for restricted networks.
type Mirrors struct {
	Python string `json:"pythonInstallMirror,omitempty"`
	PyPI   string `json:"pypiInstallMirror,omitempty"`
	Torch  string `json:"torchInstallMirror,omitempty"`
}

// StoredConfig is the persisted document behind the config store.
type StoredConfig struct {
	InstallState   InstallState `json:"installState,omitempty"`
	BasePath       string       `json:"basePath,omitempty"`
	SelectedDevice TorchDevice  `json:"selectedDevice,omitempty"`
	PythonVersion  string       `json:"pythonVersion,omitempty"`
	Mirrors        Mirrors      `json:"mirrors,omitempty"`
}

// ConfigStore is the in-memory config with external JSON persistence.
// Reads are synchronous; every setter writes through to disk.
type ConfigStore struct {
	path string
	mu   sync.Mutex
	cfg  StoredConfig
}

// DefaultConfigPath returns the config file location next to the binary.
func DefaultConfigPath() (string, error) {
	exePath, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(exePath), WardenConfigFile), nil
}

// LoadConfigStore reads the config file at path, returning an empty
// store when the file does not exist yet.
func LoadConfigStore(path string) (*ConfigStore, error) {
	store := &ConfigStore{path: path}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store, nil
		}
		return nil, err
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&store.cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return store, nil
}

func (s *ConfigStore) save() error {
	f, err := os.Create(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(s.cfg)
}

// Path returns the backing file location.
func (s *ConfigStore) Path() string {
	return s.path
}

// Snapshot returns a copy of the current config.
func (s *ConfigStore) Snapshot() StoredConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// SetInstallState records the installation state label.
func (s *ConfigStore) SetInstallState(state InstallState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.InstallState = state
	return s.save()
}

// SetBasePath records the chosen data root.
func (s *ConfigStore) SetBasePath(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.BasePath = path
	return s.save()
}

// SetSelectedDevice records the compute device choice.
func (s *ConfigStore) SetSelectedDevice(device TorchDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.SelectedDevice = device
	return s.save()
}

// ClearInstall removes the install-related entries, leaving mirrors and
// device selection intact for a future reinstall.
func (s *ConfigStore) ClearInstall() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.InstallState = ""
	s.cfg.BasePath = ""
	return s.save()
}

// ApplyEnvOverrides lets a .env file next to the binary override the
// stored values, matching how the CLI tools in this family have always
// been configured.
func (s *ConfigStore) ApplyEnvOverrides(envFile string) {
	env, err := godotenv.Read(envFile)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v := env[BasePathKey]; v != "" {
		s.cfg.BasePath = v
	}
	if v := env[TorchDeviceKey]; v != "" {
		s.cfg.SelectedDevice = TorchDevice(v)
	}
	if v := env[PythonVersionKey]; v != "" {
		s.cfg.PythonVersion = v
	}
	if v := env[PythonMirrorKey]; v != "" {
		s.cfg.Mirrors.Python = v
	}
	if v := env[PypiMirrorKey]; v != "" {
		s.cfg.Mirrors.PyPI = v
	}
	if v := env[TorchMirrorKey]; v != "" {
		s.cfg.Mirrors.Torch = v
	}
}

// legacyModelsConfig is the subset of the old extra_models_config.yaml
// needed to recognize a pre-rewrite install.
type legacyModelsConfig struct {
	ComfyUI struct {
		BasePath string `yaml:"base_path"`
	} `yaml:"comfyui"`
}

// DetectLegacyConfig reports whether an older install left its models
// config at path, and the base path it pointed at. A present but
// unparseable file still counts as legacy presence.
func DetectLegacyConfig(path string) (basePath string, present bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	var cfg legacyModelsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", true
	}
	return cfg.ComfyUI.BasePath, true
}
