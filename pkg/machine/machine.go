// Package machine is the composition root for an aero-w7 core instance: it
// owns every bus, instantiates every controller at its canonical BDF, and
// implements the facade: storage attach, boot-drive policy, reset, and
// whole-machine snapshot/restore.
package machine

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/aerow7/corevm/pkg/ahci"
	"github.com/aerow7/corevm/pkg/corelog"
	"github.com/aerow7/corevm/pkg/i8042"
	"github.com/aerow7/corevm/pkg/ide"
	"github.com/aerow7/corevm/pkg/irq"
	"github.com/aerow7/corevm/pkg/membus"
	"github.com/aerow7/corevm/pkg/pci"
	"github.com/aerow7/corevm/pkg/snapshot"
	"github.com/aerow7/corevm/pkg/usb"
	"github.com/aerow7/corevm/pkg/usb/ehci"
	"github.com/aerow7/corevm/pkg/usb/uhci"
	"github.com/aerow7/corevm/pkg/usb/xhci"
	"github.com/aerow7/corevm/pkg/virtio/blk"
	"github.com/aerow7/corevm/pkg/virtio/input"
	"github.com/aerow7/corevm/pkg/virtio/net"
	"github.com/aerow7/corevm/pkg/virtio/snd"
)

// Canonical PCI topology. These BDFs are part of the on-disk/guest-visible
// ABI; never renumber them.
var (
	bdfISABridge        = pci.BDF{Bus: 0, Device: 1, Function: 0}
	bdfIDE              = pci.BDF{Bus: 0, Device: 1, Function: 1}
	bdfUHCI             = pci.BDF{Bus: 0, Device: 1, Function: 2}
	bdfAHCI             = pci.BDF{Bus: 0, Device: 2, Function: 0}
	bdfVirtioInputKbd   = pci.BDF{Bus: 0, Device: 0x0A, Function: 0}
	bdfVirtioInputMouse = pci.BDF{Bus: 0, Device: 0x0A, Function: 1}
	bdfVirtioInputTab   = pci.BDF{Bus: 0, Device: 0x0A, Function: 2}
	bdfXHCI             = pci.BDF{Bus: 0, Device: 0x0D, Function: 0}

	// Slots assigned for this core's domain-stack expansion
	// (virtio-blk/net/snd, EHCI); see DESIGN.md.
	bdfEHCI      = pci.BDF{Bus: 0, Device: 0x01, Function: 3}
	bdfVirtioBlk = pci.BDF{Bus: 0, Device: 0x09, Function: 0}
	bdfVirtioNet = pci.BDF{Bus: 0, Device: 0x0B, Function: 0}
	bdfVirtioSnd = pci.BDF{Bus: 0, Device: 0x0C, Function: 0}
)

// Canonical disk_id values. Changing these breaks snapshot ABI.
const (
	DiskAHCIHDD  uint32 = 0
	DiskIDECDROM uint32 = 1
	DiskIDEHDD   uint32 = 2
)

// Boot-drive BIOS DL values.
const (
	BootDriveHDD = 0x80
	BootDriveCD  = 0xE0
)

// Config is the fully-resolved set of host backends a Machine is built
// from. pkg/config loads a TOML descriptor and resolves its image paths into
// this shape (opening the backing files) before NewWithWin7Storage is
// called; NetMAC, NetLink and Audio come from the caller-supplied base.
type Config struct {
	RAMSize uint64

	HDD       ide.DiskBackend // disk_id 0, surfaced on AHCI port 0
	CDROM     ide.IsoBackend  // disk_id 1, IDE secondary master ATAPI (may be nil: no disc)
	SecondHDD ide.DiskBackend // disk_id 2, optional IDE primary master ATA

	// Image paths recorded verbatim into the snapshot envelope's DISKS
	// section so the host can locate and reattach the matching backend by
	// disk_id on restore. Overlay management is out of scope (image
	// formats/caching); only the base image identity is tracked here.
	HDDImagePath       string
	CDROMImagePath     string
	SecondHDDImagePath string

	VirtioDisk blk.Backend // additional virtio-blk-backed disk, no fixed disk_id

	NetMAC  [6]byte
	NetLink net.HostLink
	Audio   snd.HostAudio
}

// Machine composes every bus and controller and implements the save/
// restore and boot-drive facade.
type Machine struct {
	log *logrus.Entry

	bus     *pci.Bus
	router  *irq.Router
	ioBus   *membus.IOBus
	mmioBus *membus.MMIOBus
	mem     *membus.RAM

	ide   *ide.Controller
	ahci  *ahci.Controller
	i8042 *i8042.Controller

	uhciHub *usb.Hub
	ehciHub *usb.Hub
	xhciHub *usb.Hub
	uhci    *uhci.Controller
	ehci    *ehci.Controller
	xhci    *xhci.Controller

	vBlk    *blk.Device
	vNet    *net.Device
	vSnd    *snd.Device
	vKbd    *input.Device
	vMouse  *input.Device
	vTablet *input.Device

	hasCDROM     bool
	hasSecondHDD bool

	hddImagePath       string
	cdromImagePath     string
	secondHDDImagePath string

	bootDrive           byte
	cdBootDrive         byte
	bootFromCdIfPresent bool
}

// NewWithWin7Storage constructs a Machine with the canonical Windows 7
// storage topology: AHCI HDD (disk_id 0), optional IDE secondary ATAPI CD
// (disk_id 1), optional IDE primary ATA HDD (disk_id 2), plus the full USB
// and virtio complex ("new_with_win7_storage").
func NewWithWin7Storage(cfg Config) *Machine {
	m := &Machine{
		log:         corelog.For("machine"),
		bus:         pci.NewBus(),
		router:      irq.NewRouter(nil),
		ioBus:       membus.NewIOBus(),
		mmioBus:     membus.NewMMIOBus(),
		bootDrive:   BootDriveHDD,
		cdBootDrive: BootDriveCD,
	}
	ramSize := cfg.RAMSize
	if ramSize == 0 {
		ramSize = 512 << 20
	}
	m.mem = membus.NewRAM(ramSize)
	m.bus.AttachTo(m.ioBus)

	m.attachISABridge()
	m.attachIDE(cfg)
	m.attachAHCI(cfg)
	m.i8042 = i8042.New(m.router.Line("gsi1", 1), m.router.Line("gsi12", 12))
	m.i8042.AttachTo(m.ioBus)

	m.attachUSB()
	m.attachVirtio(cfg)

	m.hasCDROM = cfg.CDROM != nil
	m.hasSecondHDD = cfg.SecondHDD != nil
	m.hddImagePath = cfg.HDDImagePath
	m.cdromImagePath = cfg.CDROMImagePath
	m.secondHDDImagePath = cfg.SecondHDDImagePath

	m.log.WithFields(logrus.Fields{
		"has_cdrom":      m.hasCDROM,
		"has_second_hdd": m.hasSecondHDD,
	}).Info("machine constructed with win7 storage topology")
	return m
}

// attachISABridge registers the multifunction-bit-bearing PIIX3 ISA bridge
// stub at 00:01.0. It owns no BARs and answers no MMIO/IO of its own; its
// only guest-visible role is the header-type byte that groups 00:01.{1,2}
// as its sibling functions.
func (m *Machine) attachISABridge() {
	fn := pci.NewFunction(pci.FunctionConfig{
		BDF:        bdfISABridge,
		VendorID:   0x8086,
		DeviceID:   0x7000, // PIIX3 ISA
		ClassCode:  0x06,   // bridge
		Subclass:   0x01,   // ISA bridge
		HeaderType: pci.HeaderTypeMultiFunction | pci.HeaderTypeBridge,
	}, isaBridgeOps{}, m.router, func() int { return int(bdfISABridge.Device) }, m.ioBus, m.mmioBus)
	m.bus.Register(fn)
}

// isaBridgeOps answers every BAR access with zero and ignores writes: the
// bridge stub declares no BARs, so these are never actually routed to by
// Function, but Ops must still be implemented to satisfy pci.NewFunction.
type isaBridgeOps struct{}

func (isaBridgeOps) ReadBAR(int, uint64, membus.Width) uint64            { return 0 }
func (isaBridgeOps) WriteBAR(int, uint64, membus.Width, uint64)          {}
func (isaBridgeOps) OnCommandChanged(uint16, uint16)                     {}
func (isaBridgeOps) OnBARReprogrammed(int, uint64)                       {}

func (m *Machine) attachIDE(cfg Config) {
	m.ide = ide.New(bdfIDE, m.router, m.ioBus, m.mmioBus,
		m.router.Line("gsi14", 14), m.router.Line("gsi15", 15))
	m.bus.Register(m.ide.Function())
	if cfg.SecondHDD != nil {
		m.ide.AttachPrimaryMasterATA(cfg.SecondHDD)
	}
	if cfg.CDROM != nil {
		m.ide.AttachSecondaryMasterATAPI(cfg.CDROM)
	}
}

func (m *Machine) attachAHCI(cfg Config) {
	m.ahci = ahci.New(bdfAHCI, m.router, m.ioBus, m.mmioBus, m.mem, cfg.HDD)
	m.bus.Register(m.ahci.Function())
}

// attachUSB wires all three host controllers, each behind its own external
// hub. The UHCI and xHCI hubs carry composite HID on reserved ports 1-4; the
// EHCI hub starts with no devices attached.
func (m *Machine) attachUSB() {
	m.uhciHub = usb.NewHub()
	m.uhciHub.AttachReserved(usb.PortKeyboard, usb.NewKeyboard())
	m.uhciHub.AttachReserved(usb.PortMouse, usb.NewMouse())
	m.uhciHub.AttachReserved(usb.PortGamepad, usb.NewGamepad())
	m.uhciHub.AttachReserved(usb.PortConsumer, usb.NewConsumerControl())
	m.uhci = uhci.New(bdfUHCI, m.router, m.ioBus, m.mmioBus, m.mem, m.uhciHub)
	m.bus.Register(m.uhci.Function())

	m.ehciHub = usb.NewHub()
	m.ehci = ehci.New(bdfEHCI, m.router, m.ioBus, m.mmioBus, m.mem, m.ehciHub)
	m.bus.Register(m.ehci.Function())

	m.xhciHub = usb.NewHub()
	m.xhciHub.AttachReserved(usb.PortKeyboard, usb.NewKeyboard())
	m.xhciHub.AttachReserved(usb.PortMouse, usb.NewMouse())
	m.xhciHub.AttachReserved(usb.PortGamepad, usb.NewGamepad())
	m.xhciHub.AttachReserved(usb.PortConsumer, usb.NewConsumerControl())
	m.xhci = xhci.New(bdfXHCI, m.router, m.ioBus, m.mmioBus, m.mem, m.xhciHub)
	m.bus.Register(m.xhci.Function())
}

func (m *Machine) attachVirtio(cfg Config) {
	if cfg.VirtioDisk != nil {
		m.vBlk = blk.New(bdfVirtioBlk, m.router, m.mmioBus, m.mem, cfg.VirtioDisk)
		m.bus.Register(m.vBlk.Function())
	}
	if cfg.NetLink != nil {
		m.vNet = net.New(bdfVirtioNet, m.router, m.mmioBus, m.mem, cfg.NetMAC, cfg.NetLink)
		m.bus.Register(m.vNet.Function())
	}
	if cfg.Audio != nil {
		m.vSnd = snd.New(bdfVirtioSnd, m.router, m.mmioBus, m.mem, cfg.Audio)
		m.bus.Register(m.vSnd.Function())
	}

	m.vKbd = input.New(bdfVirtioInputKbd, m.router, m.mmioBus, m.mem, input.Keyboard)
	m.bus.Register(m.vKbd.Function())
	m.vMouse = input.New(bdfVirtioInputMouse, m.router, m.mmioBus, m.mem, input.Mouse)
	m.bus.Register(m.vMouse.Function())
	m.vTablet = input.New(bdfVirtioInputTab, m.router, m.mmioBus, m.mem, input.Tablet)
	m.bus.Register(m.vTablet.Function())
}

// AttachInstallMediaISO (re)attaches an ATAPI optical-disc backend to the
// IDE secondary master, hot-swapping any previously attached disc (reported
// to the guest as a single UNIT_ATTENTION on next command).
func (m *Machine) AttachInstallMediaISO(iso ide.IsoBackend, imagePath string) {
	m.ide.AttachSecondaryMasterATAPI(iso)
	m.hasCDROM = iso != nil
	m.cdromImagePath = imagePath
}

// SetBootDrive sets the primary BIOS boot drive number (0x80 HDD0 or 0xE0
// CD-ROM0). Any other value is a configuration error absorbed silently,
// since boot-drive selection is firmware policy, not a guest-visible
// register.
func (m *Machine) SetBootDrive(drive byte) {
	if drive != BootDriveHDD && drive != BootDriveCD {
		m.log.WithField("drive", fmt.Sprintf("0x%02x", drive)).Warn("ignoring unrecognized boot drive")
		return
	}
	m.bootDrive = drive
}

// SetCdBootDrive sets which BIOS EDD drive number represents the optical
// drive used by the "CD-first-if-present" fallback (normally 0xE0).
func (m *Machine) SetCdBootDrive(drive byte) {
	m.cdBootDrive = drive
}

// SetBootFromCdIfPresent toggles the orthogonal firmware policy that boots
// from the optical drive whenever media is present, regardless of the
// configured primary boot drive.
func (m *Machine) SetBootFromCdIfPresent(enabled bool) {
	m.bootFromCdIfPresent = enabled
}

// Reset re-runs firmware POST under the current boot-drive policy. The
// drive set by SetBootDrive is kept unchanged (DebugDump still reports it as
// boot_drive) even when the CD-first-if-present fallback makes
// ActiveBootDevice report the CD drive; POST itself (CPU reset vector, BIOS)
// is out of scope here -- Reset only logs the configured drive, and
// ActiveBootDevice computes the boot decision on each call.
func (m *Machine) Reset() {
	m.log.WithField("boot_drive", fmt.Sprintf("0x%02x", m.bootDrive)).Info("firmware post")
}

// ActiveBootDevice reports the BIOS drive number that would actually be
// read first, applying the CD-first-if-present policy on top of the
// configured boot drive.
func (m *Machine) ActiveBootDevice() byte {
	if m.bootFromCdIfPresent && m.hasCDROM {
		return m.cdBootDrive
	}
	return m.bootDrive
}

// snapshotDevices returns every attached controller as a snapshot.Device,
// in a fixed order so CollectAll/RestoreAll are deterministic.
func (m *Machine) snapshotDevices() []snapshot.Device {
	devices := []snapshot.Device{m.ide, m.ahci, m.i8042, m.uhci, m.ehci, m.xhci, m.vKbd, m.vMouse, m.vTablet}
	if m.vBlk != nil {
		devices = append(devices, m.vBlk)
	}
	if m.vNet != nil {
		devices = append(devices, m.vNet)
	}
	if m.vSnd != nil {
		devices = append(devices, m.vSnd)
	}
	return devices
}

// Snapshot assembles a whole-machine snapshot.Envelope: every device's
// record plus the top-level DISKS section. Storage backends
// are not captured here; the host reattaches them via disk_id on restore.
func (m *Machine) Snapshot() *snapshot.Envelope {
	env := snapshot.NewEnvelope()
	env.Records = snapshot.CollectAll(m.snapshotDevices())
	env.Disks = append(env.Disks, snapshot.DiskOverlayRef{DiskID: DiskAHCIHDD, BaseImage: m.hddImagePath})
	if m.hasSecondHDD {
		env.Disks = append(env.Disks, snapshot.DiskOverlayRef{DiskID: DiskIDEHDD, BaseImage: m.secondHDDImagePath})
	}
	if m.hasCDROM {
		env.Disks = append(env.Disks, snapshot.DiskOverlayRef{DiskID: DiskIDECDROM, BaseImage: m.cdromImagePath})
	}
	return env
}

// Restore replays env onto m's already-constructed device tree. reopen is
// invoked once per DISKS entry so the embedder can reattach the matching
// backend by disk_id before device state restore runs. Per-device restore
// errors are aggregated rather than stopping at the first failure.
func (m *Machine) Restore(env *snapshot.Envelope, reopen func(diskID uint32) error) error {
	var result *multierror.Error
	for _, d := range env.Disks {
		if reopen == nil {
			continue
		}
		if err := reopen(d.DiskID); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "reopen disk_id %d", d.DiskID))
		}
	}
	if err := snapshot.RestoreAll(m.snapshotDevices(), env); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// InjectKeyEvent posts a keyboard make/break to both the i8042 PS/2 port
// (legacy path) and the virtio-input keyboard function, letting whichever
// driver stack the guest has loaded see the event.
func (m *Machine) InjectKeyEvent(ps2Scancode []byte, virtioCode uint16, down bool) {
	m.i8042.InjectKeyEvent(ps2Scancode)
	value := uint32(0)
	if down {
		value = 1
	}
	m.vKbd.PostEvent(input.EVKey, virtioCode, value)
	m.vKbd.PostEvent(input.EVSyn, 0, 0)
}

// InjectMousePacket posts a PS/2 mouse packet (legacy path) and, for
// drivers bound to virtio-input instead, the equivalent relative motion and
// button-state events.
func (m *Machine) InjectMousePacket(ps2Packet []byte, dx, dy int32, buttons uint8) {
	m.i8042.InjectMousePacket(ps2Packet)
	if dx != 0 {
		m.vMouse.PostEvent(input.EVRel, 0, uint32(dx))
	}
	if dy != 0 {
		m.vMouse.PostEvent(input.EVRel, 1, uint32(dy))
	}
	for i, code := range []uint16{0x110, 0x111, 0x112} {
		if buttons&(1<<uint(i)) != 0 {
			m.vMouse.PostEvent(input.EVKey, code, 1)
		}
	}
	m.vMouse.PostEvent(input.EVSyn, 0, 0)
}

// InjectGamepadReport delivers an 8-byte USB HID gamepad report
// to the reserved composite-HID gamepad device on every USB host controller
// it is attached behind.
func (m *Machine) InjectGamepadReport(report []byte) {
	if dev, ok := m.uhciHub.At(usb.PortGamepad).(interface{ InjectReport([]byte) }); ok {
		dev.InjectReport(report)
	}
	if dev, ok := m.xhciHub.At(usb.PortGamepad).(interface{ InjectReport([]byte) }); ok {
		dev.InjectReport(report)
	}
}

// DebugDump renders a textual summary of the BDF table and boot-drive
// policy, for the aerovm-selftest CLI.
func (m *Machine) DebugDump() string {
	return fmt.Sprintf(
		"isa_bridge=%s ide=%s uhci=%s ahci=%s ehci=%s xhci=%s virtio_input=[%s,%s,%s] "+
			"boot_drive=0x%02x cd_boot_drive=0x%02x boot_from_cd_if_present=%v active_boot_device=0x%02x",
		bdfISABridge, bdfIDE, bdfUHCI, bdfAHCI, bdfEHCI, bdfXHCI,
		bdfVirtioInputKbd, bdfVirtioInputMouse, bdfVirtioInputTab,
		m.bootDrive, m.cdBootDrive, m.bootFromCdIfPresent, m.ActiveBootDevice())
}
