// Package canbcm implements a pull-mode driver over the Linux SocketCAN
// broadcast manager (CAN_BCM) socket, which prepends a fixed BCM message
// head before each CAN frame it delivers. Grounded the same way as
// drivers/socketcan (golang.org/x/sys/unix raw sockets, go-ublk's
// uapi/marshal.go struct-marshal idiom), with the BCM opcode head prepended
// per SPEC_FULL.md §3.
package canbcm

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/model"
)

// Kind is the registry key this driver is installed under.
const Kind = "canbcm"

// bcmHeadSize is the fixed size of a struct bcm_msg_head without its
// trailing frame (opcode, flags, count, two timevals, can_id, nframes — the
// kernel ABI's actual layout collapsed to the fields this driver reads); the
// 16-byte frame that follows it is counted separately in recordSize.
const bcmHeadSize = 56
const frameSize = 16
const recordSize = bcmHeadSize + frameSize

// CAN_BCM is the SocketCAN broadcast-manager protocol number.
const CAN_BCM = 2

// Driver binds one interface's BCM socket and parses BCM-framed CAN
// messages.
type Driver struct {
	iface  string
	name   string
	fd     int
	dataID model.DataID
}

// New returns an unconfigured canbcm driver, ready for Init.
func New() *Driver { return &Driver{fd: -1} }

func (d *Driver) Init(args map[string]model.ArgValue) error {
	ifc, ok := args["interface"]
	if !ok || ifc.Kind != model.ArgString || ifc.Str == "" {
		return fmt.Errorf("canbcm: missing string arg %q", "interface")
	}
	d.iface = ifc.Str
	d.name = "canbcm:" + ifc.Str
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
		return nil, fmt.Errorf("canbcm: expected exactly one schema descriptor, got %d", len(schemas))
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

// Start opens a CAN_BCM socket and connects it to the configured
// interface; unlike raw CAN_RAW, BCM sockets use connect(2), not bind(2).
func (d *Driver) Start() (int, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_DGRAM, CAN_BCM)
	if err != nil {
		return -1, fmt.Errorf("canbcm: socket: %w", err)
	}
	ifi, err := indexForName(fd, d.iface)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	addr := &unix.SockaddrCAN{Ifindex: ifi}
	if err := unix.Connect(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("canbcm: connect %s: %w", d.iface, err)
	}
	d.fd = fd
	return fd, nil
}

func (d *Driver) Stop() error { return d.Destroy() }

func (d *Driver) Next(id model.DataID) error { return nil }

func (d *Driver) Mode() interfaces.SchedMode { return interfaces.ModePull }

// Parse strips the BCM message head off each delivered record and keeps
// only the embedded CAN frame's bytes, carrying any partial trailing
// record forward via bytesLeft.
func (d *Driver) Parse(ctx context.Context, raw []byte) ([]model.Record, int, error) {
	var records []model.Record
	i := 0
	for ; i+recordSize <= len(raw); i += recordSize {
		frame := raw[i+bcmHeadSize : i+recordSize]
		data := make([]byte, frameSize)
		copy(data, frame)
		records = append(records, model.Record{DataID: d.dataID, Data: data})
	}
	return records, len(raw) - i, nil
}

func indexForName(fd int, name string) (int32, error) {
	ifreq, err := unix.NewIfreq(name)
	if err != nil {
		return 0, fmt.Errorf("canbcm: build ifreq for %s: %w", name, err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFINDEX, ifreq); err != nil {
		return 0, fmt.Errorf("canbcm: resolve interface %s: %w", name, err)
	}
	return int32(ifreq.Uint32()), nil
}
