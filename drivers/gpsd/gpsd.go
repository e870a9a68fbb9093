// Package gpsd implements a pull-mode driver over a gpsd daemon's own
// newline-delimited JSON protocol on its usual TCP port. Decoded with the
// standard library encoding/json rather than an ecosystem library: no
// retrieval-pack repo pulls in a JSON replacement for this kind of
// line-delimited daemon protocol, and gpsd's wire format is itself
// stdlib-shaped (see DESIGN.md for the fuller justification).
package gpsd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"

	"github.com/houndlabs/hound/internal/interfaces"
	"github.com/houndlabs/hound/internal/model"
)

// Kind is the registry key this driver is installed under.
const Kind = "gpsd"

// tpvReport mirrors the subset of gpsd's TPV ("time-position-velocity")
// report this driver cares about.
type tpvReport struct {
	Class string  `json:"class"`
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Alt   float64 `json:"alt"`
	Speed float64 `json:"speed"`
}

// Driver connects to a gpsd TCP endpoint and parses TPV reports into fixed
// records matching the schema's lat/lon/alt/speed layout.
type Driver struct {
	addr   string
	name   string
	conn   net.Conn
	dataID model.DataID
}

// New returns an unconfigured gpsd driver, ready for Init.
func New() *Driver { return &Driver{} }

func (d *Driver) Init(args map[string]model.ArgValue) error {
	addr, ok := args["addr"]
	if !ok || addr.Kind != model.ArgString || addr.Str == "" {
		return fmt.Errorf("gpsd: missing string arg %q", "addr")
	}
	d.addr = addr.Str
	d.name = "gpsd:" + addr.Str
	return nil
}

func (d *Driver) Destroy() error {
	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	return nil
}

func (d *Driver) DeviceName() string { return d.name }

func (d *Driver) DataDesc(schemas []model.SchemaDescriptor) ([]model.DataDescriptor, error) {
	if len(schemas) != 1 {
		return nil, fmt.Errorf("gpsd: expected exactly one schema descriptor, got %d", len(schemas))
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

// Start dials gpsd and issues the WATCH command that puts the session into
// streaming-JSON mode, returning the TCP connection's fd for epoll.
func (d *Driver) Start() (int, error) {
	conn, err := net.Dial("tcp", d.addr)
	if err != nil {
		return -1, fmt.Errorf("gpsd: dial %s: %w", d.addr, err)
	}
	if _, err := conn.Write([]byte(`?WATCH={"enable":true,"json":true};` + "\n")); err != nil {
		conn.Close()
		return -1, fmt.Errorf("gpsd: watch command: %w", err)
	}
	d.conn = conn
	fd, err := fdOf(conn)
	if err != nil {
		conn.Close()
		d.conn = nil
		return -1, err
	}
	return fd, nil
}

func (d *Driver) Stop() error { return d.Destroy() }

func (d *Driver) Next(id model.DataID) error { return nil }

func (d *Driver) Mode() interfaces.SchedMode { return interfaces.ModePull }

// Parse scans raw for newline-delimited JSON objects, decoding only TPV
// reports into records and skipping every other gpsd message class (VERSION,
// DEVICES, SKY, …), carrying any trailing partial line forward.
func (d *Driver) Parse(ctx context.Context, raw []byte) ([]model.Record, int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	var records []model.Record
	consumed := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		nl := bytes.IndexByte(raw[consumed:], '\n')
		if nl < 0 {
			// Unterminated trailing line: leave it for bytesLeft.
			break
		}
		consumed += nl + 1 // through the newline the scanner split on

		var report tpvReport
		if err := json.Unmarshal(line, &report); err != nil {
			continue
		}
		if report.Class != "TPV" {
			continue
		}
		records = append(records, model.Record{
			DataID: d.dataID,
			Data:   encodeTPV(report),
		})
	}
	bytesLeft := len(raw) - consumed
	if bytesLeft < 0 {
		bytesLeft = 0
	}
	return records, bytesLeft, nil
}

func encodeTPV(r tpvReport) []byte {
	buf := make([]byte, 32)
	putFloat64(buf[0:8], r.Lat)
	putFloat64(buf[8:16], r.Lon)
	putFloat64(buf[16:24], r.Alt)
	putFloat64(buf[24:32], r.Speed)
	return buf
}

func putFloat64(b []byte, f float64) {
	bits := math.Float64bits(f)
	for i := 0; i < 8; i++ {
		b[i] = byte(bits >> (8 * i))
	}
}

// fdOf extracts the raw descriptor of a *net.TCPConn, the same
// SyscallConn().Control idiom used anywhere a net.Conn must be folded into
// an epoll set.
func fdOf(conn net.Conn) (int, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return -1, fmt.Errorf("gpsd: connection is not a *net.TCPConn")
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	cerr := rc.Control(func(f uintptr) { fd = int(f) })
	if cerr != nil {
		return -1, cerr
	}
	return fd, nil
}
