package persist

import (
	"fmt"
)

// NewStore creates a Store instance based on the provided configuration.
// Supported types are StoreTypeFileSystem and StoreTypeS3.
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		basePath, _ := config.Config["base_path"].(string)
		pathPrefix, _ := config.Config["path_prefix"].(string)
		return NewFileSystemStore(basePath, pathPrefix)

	case StoreTypeS3:
		return NewS3StoreFromConfig(config)

	case "":
		return nil, fmt.Errorf("storage type is required")

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}
