// Package socketcan implements a pull-mode driver reading raw CAN frames
// off a Linux SocketCAN AF_CAN/raw socket. Grounded on go-ublk's
// internal/uapi/marshal.go struct-marshal idiom (explicit byte-offset
// structs, fixed wire size) and golang.org/x/sys/unix for the raw socket
// itself, per SPEC_FULL.md §3's CAN frame wire format.
package socketcan

import (
	"context"
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/model"
)

// Kind is the registry key this driver is installed under.
const Kind = "socketcan"

// FrameSize is the fixed wire size of one CAN frame: 4-byte ID, 1-byte DLC,
// 3 bytes of padding, 8 bytes of data.
const FrameSize = 16

// Driver binds one SocketCAN interface and parses its raw frames.
type Driver struct {
	iface  string
	name   string
	fd     int
	dataID model.DataID
}

// New returns an unconfigured socketcan driver, ready for Init.
func New() *Driver { return &Driver{fd: -1} }

func (d *Driver) Init(args map[string]model.ArgValue) error {
	ifc, ok := args["interface"]
	if !ok || ifc.Kind != model.ArgString || ifc.Str == "" {
		return fmt.Errorf("socketcan: missing string arg %q", "interface")
	}
	d.iface = ifc.Str
	d.name = "can:" + ifc.Str
	return nil
}

func (d *Driver) Destroy() error {
	if d.fd >= 0 {
		err := unix.Close(d.fd)
		d.fd = -1
		return err
	}
	return nil
}

func (d *Driver) DeviceName() string { return d.name }

func (d *Driver) DataDesc(schemas []model.SchemaDescriptor) ([]model.DataDescriptor, error) {
	if len(schemas) != 1 {
		return nil, fmt.Errorf("socketcan: expected exactly one schema descriptor, got %d", len(schemas))
	}
	d.dataID = schemas[0].DataID
	return []model.DataDescriptor{{
		DataID:  schemas[0].DataID,
		Name:    schemas[0].Name,
		Fmts:    schemas[0].Fmts,
		Enabled: true,
	}}, nil
}

func (d *Driver) SetData(active []interfaces.ActiveDataEntry) error { return nil }

// Start opens a raw CAN socket bound to the configured interface and
// returns its fd for the poller to epoll on.
func (d *Driver) Start() (int, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, CAN_RAW)
	if err != nil {
		return -1, fmt.Errorf("socketcan: socket: %w", err)
	}
	ifi, err := indexForName(fd, d.iface)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	addr := &unix.SockaddrCAN{Ifindex: ifi}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("socketcan: bind %s: %w", d.iface, err)
	}
	d.fd = fd
	return fd, nil
}

func (d *Driver) Stop() error { return d.Destroy() }

// Next is a no-op: frames arrive asynchronously off the socket, there is no
// on-demand trigger for this driver.
func (d *Driver) Next(id model.DataID) error { return nil }

func (d *Driver) Mode() interfaces.SchedMode { return interfaces.ModePull }

// Parse decodes as many complete 16-byte CAN frames as raw holds, reporting
// any trailing partial frame back via bytesLeft for the caller to carry
// forward.
func (d *Driver) Parse(ctx context.Context, raw []byte) ([]model.Record, int, error) {
	var records []model.Record
	i := 0
	for ; i+FrameSize <= len(raw); i += FrameSize {
		frame := raw[i : i+FrameSize]
		data := make([]byte, FrameSize)
		copy(data, frame)
		records = append(records, model.Record{DataID: d.dataID, Data: data})
	}
	return records, len(raw) - i, nil
}

// canID, dlc and payload split a raw frame buffer the way uapi/marshal.go
// splits go-ublk's fixed-layout wire structs, for callers (e.g. a
// schema-aware consumer) that want the fields individually rather than the
// raw 16 bytes.
func canID(frame []byte) uint32   { return binary.LittleEndian.Uint32(frame[0:4]) }
func dlc(frame []byte) uint8      { return frame[4] }
func payload(frame []byte) []byte { return frame[8:16] }

// indexForName resolves an interface name to its kernel ifindex via
// SIOCGIFINDEX, the same ioctl path every SocketCAN binding uses since the
// AF_CAN address family addresses interfaces by index, not name.
func indexForName(fd int, name string) (int32, error) {
	ifreq, err := unix.NewIfreq(name)
	if err != nil {
		return 0, fmt.Errorf("socketcan: build ifreq for %s: %w", name, err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifreq); err != nil {
		return 0, fmt.Errorf("socketcan: resolve interface %s: %w", name, err)
	}
	return int32(ifreq.Uint32()), nil
}

// CAN_RAW is the SocketCAN raw protocol number, not exported by x/sys/unix.
const CAN_RAW = 1
