package registry

import (
	"encoding/json"
	"os"
	"path"
)

const (
	REGISTRY_FILENAME = "alptrack.registry.json"
)

// Registry persists follower offsets and disk-buffered segment paths
// between runs so streams resume where they left off.
type Registry struct {
	Offsets       map[string]int64  `json:"stream_offsets"`
	BufferedPaths map[string]string `json:"buffered_paths"`

	regPath string
}

func GetRegistry(regDir string) (*Registry, error) {
	regPath := path.Join(regDir, REGISTRY_FILENAME)

	// Read registry file if exists
	// If not, return an empty registry
	reg := &Registry{
		Offsets:       make(map[string]int64),
		BufferedPaths: make(map[string]string),
		regPath:       regPath,
	}
	if _, err := os.Stat(regPath); !os.IsNotExist(err) {
		registryFile, err := os.ReadFile(regPath)
		if err != nil {
			return nil, err
		}
		if err = json.Unmarshal(registryFile, reg); err != nil {
			return nil, err
		}
		if reg.Offsets == nil {
			reg.Offsets = make(map[string]int64)
		}
		if reg.BufferedPaths == nil {
			reg.BufferedPaths = make(map[string]string)
		}
	}

	return reg, nil
}

func (r Registry) GetRegistryPath() string {
	return r.regPath
}

func (r Registry) GetRegistryDirPath() string {
	return path.Dir(r.regPath)
}

// UpdateRegistry writes the registry's current content back to disk
func (r Registry) UpdateRegistry() error {
	marshalled, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return os.WriteFile(r.regPath, marshalled, 0644)
}

// SaveLastPosition updates the registry file with new stream offsets
func SaveLastPosition(regDir string, lastReadPositions map[string]int64) error {
	reg, err := GetRegistry(regDir)
	if err != nil {
		return err
	}

	for file, pos := range lastReadPositions {
		reg.Offsets[file] = pos
	}

	return reg.UpdateRegistry()
}

// SaveDiskBufferedFilePaths maps sink signatures to their persisted
// buffer files in the registry
func SaveDiskBufferedFilePaths(regDir string, diskBufferedFilepaths map[string]string) error {
	reg, err := GetRegistry(regDir)
	if err != nil {
		return err
	}

	for signature, bufferedPath := range diskBufferedFilepaths {
		reg.BufferedPaths[signature] = bufferedPath
	}

	return reg.UpdateRegistry()
}
