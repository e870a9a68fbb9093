// Package file implements a push-mode driver that tails a growing file of
// msgpack-framed, newline-delimited records using batched io_uring reads.
// Grounded on go-ublk's internal/uring io_uring ring setup (entries,
// submission/completion queue handling), generalized from block-device
// read/write commands to a simple read-and-advance tailing loop driven by
// github.com/pawelgaczynski/giouring, and on drivers/mqtt for the msgpack
// payload codec.
package file

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/pawelgaczynski/giouring"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/model"
)

// Kind is the registry key this driver is installed under.
const Kind = "file"

// ringEntries sizes the io_uring submission/completion queues; this driver
// only ever has one read in flight at a time, so a small ring suffices.
const ringEntries = 8

// readChunkSize is the size of each batched read submitted to the ring.
const readChunkSize = 64 * 1024

// payload is the msgpack map shape each line decodes into.
type payload struct {
	Value float64 `msgpack:"value"`
}

// Driver tails path via io_uring reads, decoding each complete line as a
// msgpack record and pushing it, carrying any partial trailing line forward
// to the next Poll call.
type Driver struct {
	mu sync.Mutex

	path   string
	name   string
	f      *os.File
	ring   *giouring.Ring
	offset int64
	tail   []byte

	dataID model.DataID
	push   interfaces.PushFunc
}

// New returns an unconfigured file driver, ready for Init.
func New() *Driver { return &Driver{} }

func (d *Driver) Init(args map[string]model.ArgValue) error {
	path, ok := args["path"]
	if !ok || path.Kind != model.ArgString || path.Str == "" {
		return fmt.Errorf("file: missing string arg %q", "path")
	}
	f, err := os.Open(path.Str)
	if err != nil {
		return fmt.Errorf("file: open %s: %w", path.Str, err)
	}
	ring, err := giouring.CreateRing(ringEntries)
	if err != nil {
		f.Close()
		return fmt.Errorf("file: io_uring setup: %w", err)
	}
	d.path = path.Str
	d.name = "file:" + path.Str
	d.f = f
	d.ring = ring
	return nil
}

func (d *Driver) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ring != nil {
		d.ring.QueueExit()
		d.ring = nil
	}
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
		return nil, fmt.Errorf("file: expected exactly one schema descriptor, got %d", len(schemas))
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

// Start has no pollable fd: the poller drives this entry purely by calling
// Poll once per loop iteration, the way every push-mode driver is serviced.
func (d *Driver) Start() (int, error) { return -1, nil }

func (d *Driver) Stop() error { return nil }

func (d *Driver) Next(id model.DataID) error { return nil }

func (d *Driver) Mode() interfaces.SchedMode { return interfaces.ModePush }

func (d *Driver) BindPush(push interfaces.PushFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.push = push
}

// Poll submits one io_uring read for whatever bytes have accumulated past
// the last offset, then decodes and pushes every complete msgpack line it
// contains.
func (d *Driver) Poll(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.push == nil || d.ring == nil {
		return nil
	}

	buf := make([]byte, readChunkSize)
	sqe, err := d.ring.GetSQE()
	if err != nil {
		return fmt.Errorf("file: io_uring submission queue full: %w", err)
	}
	sqe.PrepRead(int32(d.f.Fd()), buf, uint64(d.offset))

	if _, err := d.ring.Submit(); err != nil {
		return fmt.Errorf("file: io_uring submit: %w", err)
	}
	cqe, err := d.ring.WaitCQE()
	if err != nil {
		return fmt.Errorf("file: io_uring wait: %w", err)
	}
	n := int(cqe.Res)
	d.ring.CQESeen(cqe)
	if n <= 0 {
		return nil
	}
	d.offset += int64(n)

	chunk := append(d.tail, buf[:n]...)
	d.tail = nil

	consumed, err := decodeLines(chunk, d.dataID, d.push)
	if consumed < len(chunk) {
		d.tail = append([]byte(nil), chunk[consumed:]...)
	}
	return err
}

// decodeLines scans chunk for newline-delimited msgpack lines, pushing one
// record per successfully decoded line and skipping malformed ones, the way
// drivers/mqtt tolerates undecodable payloads rather than aborting the
// whole batch. Returns how many leading bytes of chunk were consumed, so
// any trailing partial line can be carried forward.
func decodeLines(chunk []byte, dataID model.DataID, push interfaces.PushFunc) (int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(chunk))
	consumed := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		nl := bytes.IndexByte(chunk[consumed:], '\n')
		if nl < 0 {
			// Unterminated trailing line: leave it unconsumed.
			break
		}
		consumed += nl + 1

		var p payload
		if err := msgpack.Unmarshal(line, &p); err != nil {
			continue
		}
		data := make([]byte, 8)
		putFloat64(data, p.Value)
		if err := push(model.Record{DataID: dataID, Data: data}); err != nil {
			return consumed, err
		}
	}
	if consumed > len(chunk) {
		consumed = len(chunk)
	}
	return consumed, nil
}

func putFloat64(b []byte, f float64) {
	bits := math.Float64bits(f)
	for i := 0; i < 8; i++ {
		b[i] = byte(bits >> (8 * i))
	}
}
