// Package rmname persists the resource manager name used to register with
// the native registry, so the same registry handle is re-derived on restart.
package rmname

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	rrserrors "github.com/Aidin1998/rrsbridge/pkg/errors"
)

// MaxNameLength is the longest resource manager name the registry accepts.
const MaxNameLength = 32

// Record is the content of the resource manager name log.
type Record struct {
	RMName    string    `yaml:"rm_name"`
	LogName   string    `yaml:"log_name"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Init creates the name log at path with a fresh name under prefix. If the log
// already exists it is loaded and validated instead.
func Init(path, prefix string) (*Record, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path, prefix)
	}
	if err := validPrefix(prefix); err != nil {
		return nil, err
	}

	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	name := prefix + "." + suffix
	if len(name) > MaxNameLength {
		name = name[:MaxNameLength]
	}
	rec := &Record{
		RMName:    name,
		LogName:   name + ".LOG",
		CreatedAt: time.Now().UTC(),
	}

	data, err := yaml.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rm name log: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create rm name log directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write rm name log: %w", err)
	}
	return rec, nil
}

// Load reads the name log at path. A missing log, or a name that does not
// carry prefix, is a configuration error.
func Load(path, prefix string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, rrserrors.Configuration.Explain("rm name log %s does not exist", path)
		}
		return nil, rrserrors.Configuration.Explain("failed to read rm name log %s", path).Wrap(err)
	}

	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, rrserrors.Configuration.Explain("failed to parse rm name log %s", path).Wrap(err)
	}
	if rec.RMName == "" || rec.LogName == "" {
		return nil, rrserrors.Configuration.Explain("rm name log %s is incomplete", path)
	}
	if !strings.HasPrefix(rec.RMName, prefix+".") {
		return nil, rrserrors.Configuration.Explain("rm name %s does not match prefix %s", rec.RMName, prefix)
	}
	return &rec, nil
}

func validPrefix(prefix string) error {
	if prefix == "" {
		return rrserrors.Configuration.Explain("rm name prefix is empty")
	}
	if len(prefix) > MaxNameLength/2 {
		return rrserrors.Configuration.Explain("rm name prefix %s longer than %d characters", prefix, MaxNameLength/2)
	}
	if strings.ContainsAny(prefix, " \t\n") {
		return rrserrors.Configuration.Explain("rm name prefix %q contains whitespace", prefix)
	}
	return nil
}
