package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveRoots(t *testing.T) {
	os.Unsetenv("PROCTOR_INSTALL_ROOT")
	os.Unsetenv("PROCTOR_DATA_ROOT")
	assert.Equal(t, DefaultInstallRoot, ResolveInstallRoot())
	assert.Equal(t, DefaultDataRoot, ResolveDataRoot())

	os.Setenv("PROCTOR_INSTALL_ROOT", "/custom/install")
	os.Setenv("PROCTOR_DATA_ROOT", "/custom/data")
	defer os.Unsetenv("PROCTOR_INSTALL_ROOT")
	defer os.Unsetenv("PROCTOR_DATA_ROOT")
	assert.Equal(t, "/custom/install", ResolveInstallRoot())
	assert.Equal(t, "/custom/data", ResolveDataRoot())
}

func TestSafeJoin(t *testing.T) {
	base := "/var/lib/proctorkernel/data"

	cases := []struct {
		name     string
		elements []string
		valid    bool
	}{
		{"normal", []string{"logs", "app.log"}, true},
		{"parent", []string{"..", "other"}, false},
		{"nested_parent", []string{"logs", "..", "..", "secrets"}, false},
		{"absolute", []string{"/etc/passwd"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := SafeJoin(base, tc.elements...)
			if tc.valid {
				assert.NoError(t, err)
				assert.Contains(t, res, base)
			} else {
				if assert.Error(t, err) {
					assert.Contains(t, err.Error(), "traversal")
				}
			}
		})
	}
}

func TestEnsureDirs(t *testing.T) {
	tmpRoot := filepath.Join(os.TempDir(), "proctorkernel_test_data")
	os.Setenv("PROCTOR_DATA_ROOT", tmpRoot)
	defer os.RemoveAll(tmpRoot)
	defer os.Unsetenv("PROCTOR_DATA_ROOT")

	err := EnsureDirs()
	assert.NoError(t, err)

	subdirs := []string{"config", "logs", "spool", "tmp"}
	for _, sub := range subdirs {
		_, err := os.Stat(filepath.Join(tmpRoot, sub))
		assert.NoError(t, err, "subdirectory %s should exist", sub)
	}
}
