package sandbox

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// envFileName is the single file WriteEnvFile maintains inside the
// env-file directory mounted into every container.
const envFileName = "container.env"

// WriteEnvFile snapshots the host environment filtered to allowedKeys into
// <dir>/container.env. Keys absent from the host environment are omitted;
// nothing outside allowedKeys ever reaches the file, which is the only env
// source the container sees beyond the explicit -e flags.
func WriteEnvFile(dir string, allowedKeys []string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create env file dir %s", dir)
	}

	var b strings.Builder
	for _, key := range allowedKeys {
		value, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(sanitizeEnvValue(value))
		b.WriteByte('\n')
	}

	path := filepath.Join(dir, envFileName)
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return errors.Wrapf(err, "write env file %s", path)
	}
	return nil
}
