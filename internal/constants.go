package internal

// Directory and file names
const (
	DotVenvDir         = ".venv"
	ResourcesDirName   = "resources"
	ComfyUIDirName     = "ComfyUI"
	CustomNodesDirName = "custom_nodes"
	ManagerDirName     = "ComfyUI-Manager"

	EnvFileName        = ".env"
	WardenConfigFile   = "comfy-warden.json"
	LegacyModelsConfig = "extra_models_config.yaml"
	RequirementsTxt    = "requirements.txt"
	UvCacheDirName     = "uv-cache"
	ComfyUILogFile     = "comfyui.log"
	MainPyFile         = "main.py"
	VCRuntimeDLL       = "vcruntime140.dll"
)

// Environment variable keys
const (
	BasePathKey       = "COMFYUI_BASE_PATH"
	TorchDeviceKey    = "TORCH_DEVICE"
	PythonVersionKey  = "PYTHON_VERSION"
	PythonMirrorKey   = "PYTHON_INSTALL_MIRROR"
	PypiMirrorKey     = "PYPI_MIRROR"
	TorchMirrorKey    = "TORCH_MIRROR"
	OneDriveEnvKey    = "OneDrive"
	SystemDriveEnvKey = "SystemDrive"
)

// Default values
const (
	DefaultPythonVersion = "3.12.9"

	// The install footprint differs mostly because the Windows torch
	// wheels ship bundled CUDA libraries.
	RequiredSpaceDefault int64 = 5 << 30
	RequiredSpaceWindows int64 = 10 << 30
)

// Legacy install namespaces. The updater keeps caches under both the
// bare and the scoped package name depending on which release channel
// performed the last upgrade, so both stay blocked.
const (
	LegacyInstallDirName   = "comfyui-electron"
	UpdaterCacheName       = "comfyui-electron-updater"
	UpdaterCacheScopedName = "@comfyorgcomfyui-electron-updater"
)

// Command names
const (
	GitCommand = "git"
	UvCommand  = "uv"
)
