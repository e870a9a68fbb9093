// Package iio implements a pull-mode driver reading raw little-endian
// sample buffers off a Linux IIO buffer char device (e.g.
// /dev/iio:deviceN). Record layout is schema-driven rather than
// driver-fixed: the channel offsets the kernel exposes via sysfs are
// assumed already folded into the schema's field descriptors by the
// caller's Source, so this driver only needs the resolved record size to
// slice the raw buffer into fixed-width samples. Grounded on go-ublk's
// struct-marshal idiom (explicit offsets, no reflection) generalized from a
// fixed uapi struct to a schema-computed one.
package iio

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/model"
	"github.com/houndlabs/hound/internal/schema"
)

// Kind is the registry key this driver is installed under.
const Kind = "iio"

// Driver reads one IIO buffer device and slices it into fixed-width
// samples per the resolved schema.
type Driver struct {
	devPath    string
	name       string
	f          *os.File
	dataID     model.DataID
	recordSize uint32
}

// New returns an unconfigured iio driver, ready for Init.
func New() *Driver { return &Driver{} }

func (d *Driver) Init(args map[string]model.ArgValue) error {
	dev, ok := args["device"]
	if !ok || dev.Kind != model.ArgString || dev.Str == "" {
		return fmt.Errorf("iio: missing string arg %q", "device")
	}
	d.devPath = dev.Str
	d.name = "iio:" + dev.Str
	return nil
}

func (d *Driver) Destroy() error {
	if d.f != nil {
		err := d.f.Close()
		d.f = nil
		return err
	}
	return nil
}

func (d *Driver) DeviceName() string { return d.name }

func (d *Driver) DataDesc(schemas []model.SchemaDescriptor) ([]model.DataDescriptor, error) {
	if len(schemas) != 1 {
		return nil, fmt.Errorf("iio: expected exactly one schema descriptor, got %d", len(schemas))
	}
	d.dataID = schemas[0].DataID
	d.recordSize = schema.RecordSize(schemas[0])
	if d.recordSize == 0 {
		return nil, fmt.Errorf("iio: schema %q has zero record size", schemas[0].Name)
	}
	return []model.DataDescriptor{{
		DataID:  schemas[0].DataID,
		Name:    schemas[0].Name,
		Fmts:    schemas[0].Fmts,
		Enabled: true,
	}}, nil
}

func (d *Driver) SetData(active []interfaces.ActiveDataEntry) error { return nil }

// Start opens the buffer char device; its fd is directly epoll-pollable,
// the same way a block device's char interface is in go-ublk.
func (d *Driver) Start() (int, error) {
	f, err := os.OpenFile(d.devPath, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("iio: open %s: %w", d.devPath, err)
	}
	d.f = f
	return int(f.Fd()), nil
}

func (d *Driver) Stop() error { return d.Destroy() }

func (d *Driver) Next(id model.DataID) error { return nil }

func (d *Driver) Mode() interfaces.SchedMode { return interfaces.ModePull }

// Parse slices raw into d.recordSize chunks, reporting any trailing partial
// sample back via bytesLeft.
func (d *Driver) Parse(ctx context.Context, raw []byte) ([]model.Record, int, error) {
	var records []model.Record
	i := uint32(0)
	for ; i+d.recordSize <= uint32(len(raw)); i += d.recordSize {
		sample := make([]byte, d.recordSize)
		copy(sample, raw[i:i+d.recordSize])
		records = append(records, model.Record{DataID: d.dataID, Data: sample})
	}
	return records, len(raw) - int(i), nil
}
