package usb

// standardDeviceDescriptor is the fixed 18-byte USB device descriptor
// returned by every synthetic HID device's GET_DESCRIPTOR(Device).
func standardDeviceDescriptor(vendor, product uint16) []byte {
	d := make([]byte, 18)
	d[0] = 18   // bLength
	d[1] = 0x01 // DEVICE
	d[2], d[3] = 0x10, 0x01 // bcdUSB 1.10
	d[4] = 0x00 // class: per-interface
	d[7] = 8    // bMaxPacketSize0
	d[8], d[9] = byte(vendor), byte(vendor>>8)
	d[10], d[11] = byte(product), byte(product>>8)
	d[14], d[15], d[16] = 0, 0, 0 // string indices unused
	d[17] = 1                    // bNumConfigurations
	return d
}

// hidReportDevice is a minimal boot-protocol HID device: it answers
// standard control requests (GET_DESCRIPTOR, SET_CONFIGURATION) and
// delivers reports through a single interrupt-IN endpoint, pulling from a
// FIFO the embedder fills via InjectReport.
type hidReportDevice struct {
	vendor, product uint16
	reportSize      int
	inEndpoint      int

	reports [][]byte
	address byte
	config  byte
}

func newHIDReportDevice(vendor, product uint16, reportSize, inEndpoint int) *hidReportDevice {
	return &hidReportDevice{vendor: vendor, product: product, reportSize: reportSize, inEndpoint: inEndpoint}
}

// InjectReport queues a HID report for delivery on the next interrupt-IN
// poll of this device's endpoint.
func (d *hidReportDevice) InjectReport(report []byte) {
	cp := make([]byte, len(report))
	copy(cp, report)
	d.reports = append(d.reports, cp)
}

func (d *hidReportDevice) HandleSetup(pkt SetupPacket) ControlResponse {
	const getDescriptor = 0x06
	const setConfiguration = 0x09
	switch pkt.Request {
	case getDescriptor:
		descType := byte(pkt.Value >> 8)
		if descType == 0x01 { // DEVICE
			return ControlResponse{Kind: Data, Payload: standardDeviceDescriptor(d.vendor, d.product)}
		}
		return ControlResponse{Kind: Stall}
	case setConfiguration:
		if pkt.RequestType&0x60 == 0x20 { // SET_REPORT (class request, e.g. keyboard LEDs)
			return ControlResponse{Kind: Ack}
		}
		d.config = byte(pkt.Value)
		return ControlResponse{Kind: Ack}
	default:
		return ControlResponse{Kind: Stall}
	}
}

func (d *hidReportDevice) EndpointIn(ep int, maxLen int) InResult {
	if ep != d.inEndpoint {
		return InResult{Kind: InStall}
	}
	if len(d.reports) == 0 {
		return InResult{Kind: InNak}
	}
	r := d.reports[0]
	d.reports = d.reports[1:]
	if len(r) > maxLen {
		r = r[:maxLen]
	}
	return InResult{Kind: InData, Data: r}
}

func (d *hidReportDevice) EndpointOut(ep int, data []byte) OutResult {
	return OutResult{Kind: OutAck, BytesWritten: len(data)}
}

func (d *hidReportDevice) CancelControlTransfer() {}

// NewKeyboard builds the boot-keyboard HID device (8-byte reports, EP1).
func NewKeyboard() DeviceModel { return newHIDReportDevice(0x1209, 0x0001, 8, 1) }

// NewMouse builds the boot-mouse HID device (4-byte reports, EP2).
func NewMouse() DeviceModel { return newHIDReportDevice(0x1209, 0x0002, 4, 2) }

// NewGamepad builds the HID gamepad device (8-byte report, EP3).
func NewGamepad() DeviceModel { return newHIDReportDevice(0x1209, 0x0003, 8, 3) }

// NewConsumerControl builds the HID consumer-control device (usage page
// 0x0C media keys, EP varies by descriptor but reports travel on EP4 here).
func NewConsumerControl() DeviceModel { return newHIDReportDevice(0x1209, 0x0004, 2, 4) }

// GamepadReport builds the 8-byte report from a standard browser Gamepad
// snapshot: buttons as two bitmasks, D-pad as a hat value, and four signed
// axes clamped to [-127,127].
func GamepadReport(buttons uint16, hat int, x, y, rx, ry float64) []byte {
	clampAxis := func(a float64) byte {
		v := int(a * 127)
		if v > 127 {
			v = 127
		}
		if v < -127 {
			v = -127
		}
		return byte(int8(v))
	}
	h := byte(8)
	if hat >= 0 && hat <= 7 {
		h = byte(hat)
	}
	return []byte{
		byte(buttons), byte(buttons >> 8),
		h,
		clampAxis(x), clampAxis(y), clampAxis(rx), clampAxis(ry),
		0,
	}
}
