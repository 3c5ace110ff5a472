package machine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aerow7/corevm/pkg/machine"
)

// fakeDisk is a minimal in-memory ide.DiskBackend/blk.Backend.
type fakeDisk struct {
	sectors [][512]byte
}

func newFakeDisk(n int) *fakeDisk { return &fakeDisk{sectors: make([][512]byte, n)} }

func (d *fakeDisk) ReadSectors(lba uint64, dst []byte) error {
	for i := 0; i < len(dst)/512; i++ {
		copy(dst[i*512:(i+1)*512], d.sectors[lba+uint64(i)][:])
	}
	return nil
}

func (d *fakeDisk) WriteSectors(lba uint64, src []byte) error {
	for i := 0; i < len(src)/512; i++ {
		copy(d.sectors[lba+uint64(i)][:], src[i*512:(i+1)*512])
	}
	return nil
}

func (d *fakeDisk) Flush() error { return nil }

func (d *fakeDisk) SectorCount() uint64 { return uint64(len(d.sectors)) }

type fakeIso struct{}

func (fakeIso) ReadSector(lba uint64, dst []byte) error { return nil }
func (fakeIso) SectorCount() uint64                     { return 0 }

func newTestMachine() *machine.Machine {
	return machine.NewWithWin7Storage(machine.Config{
		HDD: newFakeDisk(64),
	})
}

func TestNewWithWin7StorageConstructsWithoutPanicking(t *testing.T) {
	require.NotPanics(t, func() {
		newTestMachine()
	})
}

func TestDefaultBootDriveIsHDD(t *testing.T) {
	m := newTestMachine()
	assert.EqualValues(t, machine.BootDriveHDD, m.ActiveBootDevice())
}

func TestSetBootDriveRejectsUnknownValue(t *testing.T) {
	m := newTestMachine()
	m.SetBootDrive(0x42)
	assert.EqualValues(t, machine.BootDriveHDD, m.ActiveBootDevice())
}

func TestCdFirstIfPresentOverridesConfiguredBootDrive(t *testing.T) {
	m := newTestMachine()
	m.SetBootDrive(machine.BootDriveHDD)
	m.SetBootFromCdIfPresent(true)
	assert.EqualValues(t, machine.BootDriveHDD, m.ActiveBootDevice(), "no disc attached yet")

	m.AttachInstallMediaISO(fakeIso{}, "/images/win7.iso")
	assert.EqualValues(t, machine.BootDriveCD, m.ActiveBootDevice())
}

func TestResetPreservesConfiguredBootDriveUnderCdFirstFallback(t *testing.T) {
	m := newTestMachine()
	m.SetBootDrive(machine.BootDriveHDD)
	m.SetBootFromCdIfPresent(true)
	m.AttachInstallMediaISO(fakeIso{}, "/images/win7.iso")

	m.Reset()

	assert.EqualValues(t, machine.BootDriveCD, m.ActiveBootDevice())
	assert.Contains(t, m.DebugDump(), "boot_drive=0x80")
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := newTestMachine()

	env := m.Snapshot()
	require.NotEmpty(t, env.Records)

	reopened := map[uint32]bool{}
	err := m.Restore(env, func(diskID uint32) error {
		reopened[diskID] = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, reopened[machine.DiskAHCIHDD])
}

func TestInjectionHelpersDoNotPanic(t *testing.T) {
	m := newTestMachine()
	require.NotPanics(t, func() {
		m.InjectKeyEvent([]byte{0x1C}, 30, true)
		m.InjectMousePacket([]byte{0x08, 0x05, 0xFB}, 5, -5, 0x01)
		m.InjectGamepadReport(make([]byte, 8))
	})
}

func TestDebugDumpMentionsCanonicalBdfs(t *testing.T) {
	m := newTestMachine()
	dump := m.DebugDump()
	assert.Contains(t, dump, "00:02.0") // AHCI
	assert.Contains(t, dump, "00:0d.0") // xHCI
}
