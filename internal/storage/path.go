package storage

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

const warehouseRoot = "warehouse"

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// DatasetPrefix is the object prefix under which every table of a dataset is
// stored as warehouse/<dataset>/<table>/<file>.parquet.
func DatasetPrefix(datasetID string) (string, error) {
	if err := validatePathComponent(datasetID, "dataset id"); err != nil {
		return "", err
	}
	return path.Join(warehouseRoot, datasetID) + "/", nil
}

func BuildTableFilePath(datasetID, tableName, fileName string) (string, error) {
	if err := validatePathComponent(datasetID, "dataset id"); err != nil {
		return "", err
	}
	if err := validatePathComponent(tableName, "table name"); err != nil {
		return "", err
	}
	if err := validatePathComponent(fileName, "file name"); err != nil {
		return "", err
	}
	if !strings.HasSuffix(fileName, ".parquet") {
		return "", fmt.Errorf("file name %q must end in .parquet", fileName)
	}
	return path.Join(warehouseRoot, datasetID, tableName, fileName), nil
}

// ParseTableFilePath reverses BuildTableFilePath. Keys that do not follow the
// layout report ok=false.
func ParseTableFilePath(key string) (datasetID, tableName string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	if len(parts) != 4 || parts[0] != warehouseRoot || !strings.HasSuffix(parts[3], ".parquet") {
		return "", "", false
	}
	if validatePathComponent(parts[1], "dataset id") != nil || validatePathComponent(parts[2], "table name") != nil {
		return "", "", false
	}
	return parts[1], parts[2], true
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
