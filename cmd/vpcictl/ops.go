package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/vpci/internal/devices/pci"
	"github.com/tinyrange/vpci/internal/hv"
	"github.com/tinyrange/vpci/internal/platform"
	"github.com/tinyrange/vpci/internal/vpci"
)

var errNotMapped = errors.New("address is neither trapped nor mapped")

type opKind int

const (
	opRead opKind = iota
	opWrite
	opAssign
	opDeassign
	opDump
	opStats
)

// op is one line of a run script:
//
//	read DOMAIN ADDR [WIDTH]
//	write DOMAIN ADDR VALUE [WIDTH]
//	assign DOMAIN SBDF
//	deassign DOMAIN SBDF
//	dump
//	stats
type op struct {
	kind   opKind
	domain hv.DomainID
	addr   uint64
	width  int
	value  uint64
	sbdf   pci.SBDF
}

func parseUint(s string, bits int) (uint64, error) {
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", s)
	}
	return v, nil
}

func parseDomain(s string) (hv.DomainID, error) {
	v, err := parseUint(strings.TrimPrefix(s, "d"), 16)
	if err != nil {
		return 0, fmt.Errorf("invalid domain %q", s)
	}
	return hv.DomainID(v), nil
}

func parseWidth(s string) (int, error) {
	v, err := parseUint(s, 8)
	if err != nil {
		return 0, err
	}
	switch v {
	case 1, 2, 4, 8:
		return int(v), nil
	default:
		return 0, fmt.Errorf("width must be 1, 2, 4 or 8, got %d", v)
	}
}

func parseOp(fields []string) (op, error) {
	if len(fields) == 0 {
		return op{}, fmt.Errorf("empty operation")
	}
	var o op
	args := fields[1:]
	wantArgs := func(min, max int) error {
		if len(args) < min || len(args) > max {
			return fmt.Errorf("%s: expected %d to %d arguments, got %d", fields[0], min, max, len(args))
		}
		return nil
	}

	var err error
	switch fields[0] {
	case "read", "r":
		if err := wantArgs(2, 3); err != nil {
			return op{}, err
		}
		o.kind = opRead
		o.width = 4
		if len(args) == 3 {
			if o.width, err = parseWidth(args[2]); err != nil {
				return op{}, err
			}
		}
	case "write", "w":
		if err := wantArgs(3, 4); err != nil {
			return op{}, err
		}
		o.kind = opWrite
		o.width = 4
		if len(args) == 4 {
			if o.width, err = parseWidth(args[3]); err != nil {
				return op{}, err
			}
		}
		if o.value, err = parseUint(args[2], 8*o.width); err != nil {
			return op{}, err
		}
	case "assign", "deassign":
		if err := wantArgs(2, 2); err != nil {
			return op{}, err
		}
		o.kind = opAssign
		if fields[0] == "deassign" {
			o.kind = opDeassign
		}
		if o.domain, err = parseDomain(args[0]); err != nil {
			return op{}, err
		}
		if o.sbdf, err = pci.ParseSBDF(args[1]); err != nil {
			return op{}, err
		}
		return o, nil
	case "dump":
		o.kind = opDump
		return o, wantArgs(0, 0)
	case "stats":
		o.kind = opStats
		return o, wantArgs(0, 0)
	default:
		return op{}, fmt.Errorf("unknown operation %q", fields[0])
	}

	if o.domain, err = parseDomain(args[0]); err != nil {
		return op{}, err
	}
	if o.addr, err = parseUint(args[1], 64); err != nil {
		return op{}, err
	}
	return o, nil
}

// runner executes operations against one booted system.
type runner struct {
	s       *platform.System
	out     io.Writer
	metrics prometheus.Gatherer
}

func (r *runner) exec(o op) error {
	m := r.s.Manager
	switch o.kind {
	case opDump:
		return m.DumpMSI(r.out)
	case opStats:
		return writeStats(r.out, r.metrics)
	}

	d, ok := m.Domain(o.domain)
	if !ok {
		return fmt.Errorf("no domain %s", o.domain)
	}

	switch o.kind {
	case opAssign:
		return m.AssignDevice(d, o.sbdf)
	case opDeassign:
		return m.DeassignDevice(d, o.sbdf)
	}

	data := make([]byte, o.width)
	if o.kind == opWrite {
		hv.StoreLE(data, o.value)
	}
	if err := r.access(d, o, data); err != nil {
		return err
	}
	if o.kind == opRead {
		fmt.Fprintf(r.out, "%s read %#x/%d = %#0*x\n", o.domain, o.addr, o.width, 2*o.width, hv.LoadLE(data))
	}
	return nil
}

// access sends o to the domain's traps and, when none matches, to its
// direct mappings.
func (r *runner) access(d *vpci.Domain, o op, data []byte) error {
	ctx := d.Context(0)
	var err error
	if o.kind == opWrite {
		err = d.Handlers.WriteMMIO(ctx, o.addr, data)
	} else {
		err = d.Handlers.ReadMMIO(ctx, o.addr, data)
	}
	if !errors.Is(err, hv.ErrUnhandled) {
		return err
	}

	host, ok := d.Memory.Translate(o.addr)
	if !ok {
		return fmt.Errorf("%s %#x: %w", d.ID, o.addr, errNotMapped)
	}
	if o.kind == opWrite {
		return r.s.Backend.Write(host, o.width, o.value)
	}
	v, err := r.s.Backend.Read(host, o.width)
	if err != nil {
		return err
	}
	hv.StoreLE(data, v)
	return nil
}

// runScript executes every non-empty, non-comment line of script.
func (r *runner) runScript(script io.Reader) error {
	sc := bufio.NewScanner(script)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		o, err := parseOp(fields)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := r.exec(o); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
	return sc.Err()
}
