package sequencer

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"

	"github.com/freerangeinternet/fri-provisioning/pkg/statusproto"
)

var whitespace = regexp.MustCompile(`\s`)

// NormalizeVersion strips the UI label and replaces whitespace with "_", so
// "Hardware Version: Archer AX55 v1.0" becomes "Archer_AX55_v1.0".
func NormalizeVersion(raw string) string {
	raw = strings.ReplaceAll(raw, "Firmware Version:", "")
	raw = strings.ReplaceAll(raw, "Hardware Version:", "")
	return strings.Trim(whitespace.ReplaceAllString(strings.TrimSpace(raw), "_"), "_")
}

// Firmware is the image chosen for a hardware version.
type Firmware struct {
	Path    string
	Version string
	// Current is true when the router already runs Version.
	Current bool
}

// Repository holds firmware images named <hardware>_<firmware>.<ext>.
type Repository struct {
	Dir string
	// FS lists Dir's contents; it defaults to the OS directory.
	FS fs.FS
}

// Lookup finds the single image for hardware and compares it with the
// running software version.
func (r Repository) Lookup(hardware, software string) (Firmware, error) {
	hw := NormalizeVersion(hardware)
	sw := NormalizeVersion(software)
	if hw == "" {
		return Firmware{}, fail(statusproto.KindUnknownUIState, "Hardware version is empty")
	}
	fsys := r.FS
	if fsys == nil {
		fsys = os.DirFS(r.Dir)
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return Firmware{}, errors.Wrapf(err, "read firmware directory %s", r.Dir)
	}
	var matching []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), hw+"_") {
			continue
		}
		matching = append(matching, e.Name())
	}
	switch len(matching) {
	case 0:
		return Firmware{}, fail(statusproto.KindMissingFirmware, "No firmware found for %s", hw)
	case 1:
	default:
		return Firmware{}, fail(statusproto.KindAmbiguousFirmware, "Multiple firmware found for %s: %s", hw, strings.Join(matching, ", "))
	}
	name := matching[0]
	version := strings.TrimPrefix(name, hw+"_")
	version = strings.TrimSuffix(version, filepath.Ext(version))
	return Firmware{
		Path:    filepath.Join(r.Dir, name),
		Version: version,
		Current: strings.HasPrefix(sw, version),
	}, nil
}
