package env

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// FileVar names an explicit settings file and skips the search.
const FileVar = "PROVISIONER_ENV_FILE"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads the provisioning settings (API keys, router passwords, CPE
// credentials) from a dotenv file once per process and returns its path, or
// "" when there was none. The file is FileVar if set, else the nearest .env
// from the working directory up, else the one beside the executable. Values
// already in the environment win, so a job spawned by serve sees what serve
// saw even when it runs elsewhere.
func Ensure() (string, error) {
	// Tests must not pick up a bench .env; opt in with GOTEST_LOAD_DOTENV=1.
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return "", nil
	}
	loadOnce.Do(func() {
		loadedPath, loadErr = load()
	})
	return loadedPath, loadErr
}

func load() (string, error) {
	path, err := locate()
	if err != nil || path == "" {
		return "", err
	}
	if err := godotenv.Load(path); err != nil {
		return "", errors.Wrapf(err, "env: load %s", path)
	}
	return path, nil
}

func locate() (string, error) {
	if path := strings.TrimSpace(os.Getenv(FileVar)); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", errors.Wrapf(err, "env: %s", FileVar)
		}
		return path, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", errors.Wrap(err, "env: working directory")
	}
	if path, err := searchUp(wd); err != nil || path != "" {
		return path, err
	}
	exe, err := os.Executable()
	if err != nil {
		return "", nil
	}
	return dotEnvIn(filepath.Dir(exe))
}

func searchUp(dir string) (string, error) {
	for {
		path, err := dotEnvIn(dir)
		if err != nil || path != "" {
			return path, err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func dotEnvIn(dir string) (string, error) {
	candidate := filepath.Join(dir, ".env")
	info, err := os.Stat(candidate)
	switch {
	case err == nil && !info.IsDir():
		return candidate, nil
	case err == nil, errors.Is(err, os.ErrNotExist):
		return "", nil
	default:
		return "", errors.Wrapf(err, "env: stat %s", candidate)
	}
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}
