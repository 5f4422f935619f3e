package systemd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// UnitFilePaths are the paths checked for the daemon unit file.
var UnitFilePaths = []string{
	"/etc/systemd/system/lockcd.service",
	"/usr/lib/systemd/system/lockcd.service",
}

// UnitHashPath is where the install-time hash of the unit file is stored.
var UnitHashPath = "/var/lib/lockc/unit-file.sha256"

// CheckUnitFileIntegrity compares the current unit file hash against the
// stored install-time hash. A tampered unit file can strip the daemon's
// restart policy or redirect ExecStart, so the daemon warns about it at
// startup. Returns a warning message on mismatch, or empty string when
// integrity holds or checking is not applicable (no unit file, no stored
// hash).
func CheckUnitFileIntegrity() string {
	var unitPath string
	for _, p := range UnitFilePaths {
		if _, err := os.Stat(p); err == nil {
			unitPath = p
			break
		}
	}
	if unitPath == "" {
		return ""
	}

	stored, err := os.ReadFile(UnitHashPath)
	if err != nil {
		return ""
	}
	expected := strings.TrimSpace(string(stored))
	if len(expected) != 64 {
		return ""
	}

	data, err := os.ReadFile(unitPath)
	if err != nil {
		return fmt.Sprintf("cannot read unit file %s: %v", unitPath, err)
	}
	h := sha256.Sum256(data)
	actual := hex.EncodeToString(h[:])

	if actual == expected {
		return ""
	}
	return fmt.Sprintf("systemd unit file %s has been modified since installation (expected %s, got %s)",
		unitPath, expected[:16], actual[:16])
}

// RecordUnitFileHash writes the SHA-256 hash of the installed unit file
// to UnitHashPath. Called at install time to record the baseline.
func RecordUnitFileHash() error {
	for _, p := range UnitFilePaths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		h := sha256.Sum256(data)
		hash := hex.EncodeToString(h[:])
		return os.WriteFile(UnitHashPath, []byte(hash+"\n"), 0600)
	}
	return fmt.Errorf("no unit file found at expected paths")
}
