// Package config loads a Machine's static descriptor from TOML: a single
// self-contained machine descriptor rather than an INI file with
// sections, decoded with BurntSushi/toml.
package config

import (
	"os"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/aerow7/corevm/pkg/corelog"
	"github.com/aerow7/corevm/pkg/machine"
)

var log = corelog.For("config")

const (
	sectorSize    = 512
	isoSectorSize = 2048
)

// MachineConfig is the on-disk TOML shape loaded by Load. Each field's TOML
// key is given by its struct tag.
type MachineConfig struct {
	CPUCount uint32 `toml:"cpu_count"` // informational only; the CPU core is an external collaborator
	RAMMiB   uint64 `toml:"ram_mib"`

	HDDImagePath       string `toml:"hdd_image_path"`
	CDROMImagePath     string `toml:"cdrom_image_path"`
	SecondHDDImagePath string `toml:"second_hdd_image_path"`
	VirtioDiskImagePath string `toml:"virtio_disk_image_path"`

	BootDrive           string `toml:"boot_drive"` // "hdd" or "cd"
	CDBootDrive         string `toml:"cd_boot_drive"`
	BootFromCdIfPresent bool   `toml:"boot_from_cd_if_present"`

	EnableVirtioNet bool   `toml:"enable_virtio_net"`
	VirtioNetMAC    string `toml:"virtio_net_mac"` // "xx:xx:xx:xx:xx:xx"
	EnableVirtioSnd bool   `toml:"enable_virtio_snd"`
}

// Load parses a TOML file at path into a MachineConfig.
func Load(path string) (*MachineConfig, error) {
	var cfg MachineConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errors.Wrapf(err, "decode machine config %s", path)
	}
	return &cfg, nil
}

// Resolve opens every backing image path the config names and merges them
// into base (already carrying any host-supplied NetLink/Audio/NetMAC),
// returning a ready-to-construct machine.Config. Callers are responsible
// for closing the returned backends' underlying files via the Machine's
// lifetime (no explicit Close is exposed at the machine.Config layer; the
// host process exit releases the file descriptors).
func (c *MachineConfig) Resolve(base machine.Config) (machine.Config, error) {
	out := base
	out.RAMSize = c.RAMMiB << 20
	out.HDDImagePath = c.HDDImagePath
	out.CDROMImagePath = c.CDROMImagePath
	out.SecondHDDImagePath = c.SecondHDDImagePath

	if c.HDDImagePath != "" {
		backend, err := OpenFileDiskBackend(c.HDDImagePath)
		if err != nil {
			return out, errors.Wrap(err, "open hdd image")
		}
		out.HDD = backend
	}
	if c.CDROMImagePath != "" {
		backend, err := OpenFileIsoBackend(c.CDROMImagePath)
		if err != nil {
			return out, errors.Wrap(err, "open cdrom image")
		}
		out.CDROM = backend
	}
	if c.SecondHDDImagePath != "" {
		backend, err := OpenFileDiskBackend(c.SecondHDDImagePath)
		if err != nil {
			return out, errors.Wrap(err, "open second hdd image")
		}
		out.SecondHDD = backend
	}
	if c.VirtioDiskImagePath != "" {
		backend, err := OpenFileDiskBackend(c.VirtioDiskImagePath)
		if err != nil {
			return out, errors.Wrap(err, "open virtio disk image")
		}
		out.VirtioDisk = backend
	}
	return out, nil
}

// ApplyBootPolicy pushes the config's boot-drive fields onto an already
// constructed Machine, since boot-drive selection is facade state exposed
// as separate setters rather than a constructor argument, so it can be
// changed after construction, e.g. from a UI toggle.
func (c *MachineConfig) ApplyBootPolicy(m *machine.Machine) {
	if c.BootDrive == "cd" {
		m.SetBootDrive(machine.BootDriveCD)
	} else {
		m.SetBootDrive(machine.BootDriveHDD)
	}
	if c.CDBootDrive == "cd" || c.CDBootDrive == "" {
		m.SetCdBootDrive(machine.BootDriveCD)
	}
	m.SetBootFromCdIfPresent(c.BootFromCdIfPresent)
}

// fileDiskBackend implements ide.DiskBackend (and, by identical shape,
// virtio/blk.Backend) over an *os.File, locked against concurrent host
// processes via unix.Flock.
type fileDiskBackend struct {
	mu   sync.Mutex
	file *os.File
}

// OpenFileDiskBackend opens path read-write and takes an exclusive
// advisory lock to guard the image against a second concurrent host
// process.
func OpenFileDiskBackend(path string) (*fileDiskBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open disk image %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "lock disk image %s", path)
	}
	return &fileDiskBackend{file: f}, nil
}

func (b *fileDiskBackend) ReadSectors(lba uint64, dst []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.file.ReadAt(dst, int64(lba)*sectorSize)
	if err != nil && n != len(dst) {
		return errors.Wrap(err, "read sectors")
	}
	return nil
}

func (b *fileDiskBackend) WriteSectors(lba uint64, src []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.file.WriteAt(src, int64(lba)*sectorSize); err != nil {
		return errors.Wrap(err, "write sectors")
	}
	return nil
}

func (b *fileDiskBackend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Wrap(b.file.Sync(), "flush disk image")
}

func (b *fileDiskBackend) SectorCount() uint64 {
	st, err := b.file.Stat()
	if err != nil {
		log.WithError(err).Warn("stat disk image failed")
		return 0
	}
	return uint64(st.Size()) / sectorSize
}

// fileIsoBackend implements ide.IsoBackend over a read-only *os.File.
type fileIsoBackend struct {
	file *os.File
}

// OpenFileIsoBackend opens an ISO image read-only.
func OpenFileIsoBackend(path string) (*fileIsoBackend, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open iso image %s", path)
	}
	return &fileIsoBackend{file: f}, nil
}

func (b *fileIsoBackend) ReadSector(lba uint64, dst []byte) error {
	n, err := b.file.ReadAt(dst, int64(lba)*isoSectorSize)
	if err != nil && n != len(dst) {
		return errors.Wrap(err, "read iso sector")
	}
	return nil
}

func (b *fileIsoBackend) SectorCount() uint64 {
	st, err := b.file.Stat()
	if err != nil {
		log.WithError(err).Warn("stat iso image failed")
		return 0
	}
	return uint64(st.Size()) / isoSectorSize
}
