package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerow7/corevm/pkg/config"
	"github.com/aerow7/corevm/pkg/machine"
)

const sampleTOML = `
ram_mib = 1024
hdd_image_path = "hdd.img"
cdrom_image_path = "install.iso"
boot_drive = "cd"
boot_from_cd_if_present = true
`

func writeSample(t *testing.T, dir string) string {
	path := filepath.Join(dir, "machine.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o644))
	return path
}

func TestLoadParsesFields(t *testing.T) {
	dir := t.TempDir()
	path := writeSample(t, dir)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.EqualValues(t, 1024, cfg.RAMMiB)
	assert.Equal(t, "hdd.img", cfg.HDDImagePath)
	assert.Equal(t, "cd", cfg.BootDrive)
	assert.True(t, cfg.BootFromCdIfPresent)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestResolveOpensConfiguredImages(t *testing.T) {
	dir := t.TempDir()
	hddPath := filepath.Join(dir, "hdd.img")
	require.NoError(t, os.WriteFile(hddPath, make([]byte, 512*16), 0o644))

	cfg := &config.MachineConfig{RAMMiB: 256, HDDImagePath: hddPath}
	resolved, err := cfg.Resolve(machine.Config{})
	require.NoError(t, err)
	assert.NotNil(t, resolved.HDD)
	assert.EqualValues(t, 256<<20, resolved.RAMSize)
	assert.EqualValues(t, 16, resolved.HDD.SectorCount())
}

func TestResolveFailsOnMissingImage(t *testing.T) {
	cfg := &config.MachineConfig{HDDImagePath: "/nonexistent/hdd.img"}
	_, err := cfg.Resolve(machine.Config{})
	assert.Error(t, err)
}

func TestApplyBootPolicySetsCdBootDrive(t *testing.T) {
	dir := t.TempDir()
	hddPath := filepath.Join(dir, "hdd.img")
	require.NoError(t, os.WriteFile(hddPath, make([]byte, 512*16), 0o644))

	mCfg := &config.MachineConfig{HDDImagePath: hddPath}
	resolved, err := mCfg.Resolve(machine.Config{})
	require.NoError(t, err)

	m := machine.NewWithWin7Storage(resolved)
	cfg := &config.MachineConfig{BootDrive: "cd", BootFromCdIfPresent: false}
	cfg.ApplyBootPolicy(m)
	assert.EqualValues(t, machine.BootDriveCD, m.ActiveBootDevice())
}

func TestFileDiskBackendReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 512*4), 0o644))

	backend, err := config.OpenFileDiskBackend(path)
	require.NoError(t, err)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, backend.WriteSectors(1, payload))

	readBack := make([]byte, 512)
	require.NoError(t, backend.ReadSectors(1, readBack))
	assert.Equal(t, payload, readBack)
	assert.NoError(t, backend.Flush())
}

func TestFileDiskBackendRejectsSecondLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 512), 0o644))

	_, err := config.OpenFileDiskBackend(path)
	require.NoError(t, err)

	_, err = config.OpenFileDiskBackend(path)
	assert.Error(t, err)
}

func TestFileIsoBackendSectorCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "install.iso")
	require.NoError(t, os.WriteFile(path, make([]byte, 2048*3), 0o644))

	backend, err := config.OpenFileIsoBackend(path)
	require.NoError(t, err)
	assert.EqualValues(t, 3, backend.SectorCount())
}
