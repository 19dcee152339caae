package fdt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

const (
	headerSize     = 0x28
	version        = 17
	lastCompatible = 16
	magic          = 0xd00dfeed

	tokenBeginNode = 0x1
	tokenEndNode   = 0x2
	tokenProp      = 0x3
	tokenNop       = 0x4
	tokenEnd       = 0x9
)

var ErrMalformed = errors.New("fdt: malformed blob")

// Build serializes root into a flattened device tree blob.
func Build(root Node) ([]byte, error) {
	e := &encoder{offsets: make(map[string]uint32)}
	if err := e.node(root); err != nil {
		return nil, err
	}
	e.token(tokenEnd)

	structs := e.structs.Bytes()
	strs := e.strings.Bytes()
	const rsvOff = headerSize
	structOff := rsvOff + 16 // empty reservation map terminator
	stringsOff := structOff + len(structs)
	total := stringsOff + len(strs)

	blob := make([]byte, total)
	be := binary.BigEndian
	be.PutUint32(blob[0:], magic)
	be.PutUint32(blob[4:], uint32(total))
	be.PutUint32(blob[8:], uint32(structOff))
	be.PutUint32(blob[12:], uint32(stringsOff))
	be.PutUint32(blob[16:], rsvOff)
	be.PutUint32(blob[20:], version)
	be.PutUint32(blob[24:], lastCompatible)
	be.PutUint32(blob[32:], uint32(len(strs)))
	be.PutUint32(blob[36:], uint32(len(structs)))
	copy(blob[structOff:], structs)
	copy(blob[stringsOff:], strs)
	return blob, nil
}

type encoder struct {
	structs bytes.Buffer
	strings bytes.Buffer
	offsets map[string]uint32
}

func (e *encoder) node(n Node) error {
	e.token(tokenBeginNode)
	e.structs.WriteString(n.Name)
	e.structs.WriteByte(0)
	e.pad()

	names := make([]string, 0, len(n.Properties))
	for name := range n.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := encodeProperty(n.Properties[name])
		if err != nil {
			return fmt.Errorf("fdt: %s/%s: %w", n.Name, name, err)
		}
		e.token(tokenProp)
		e.u32(uint32(len(data)))
		e.u32(e.stringOffset(name))
		e.structs.Write(data)
		e.pad()
	}

	for _, c := range n.Children {
		if err := e.node(c); err != nil {
			return err
		}
	}
	e.token(tokenEndNode)
	return nil
}

func encodeProperty(p Property) ([]byte, error) {
	if p.kinds() > 1 {
		return nil, errors.New("property has more than one value kind")
	}
	var buf bytes.Buffer
	switch {
	case len(p.Strings) > 0:
		for _, s := range p.Strings {
			buf.WriteString(s)
			buf.WriteByte(0)
		}
	case len(p.U32) > 0:
		for _, v := range p.U32 {
			_ = binary.Write(&buf, binary.BigEndian, v)
		}
	case len(p.U64) > 0:
		for _, v := range p.U64 {
			_ = binary.Write(&buf, binary.BigEndian, v)
		}
	default:
		buf.Write(p.Bytes)
	}
	return buf.Bytes(), nil
}

func (e *encoder) stringOffset(name string) uint32 {
	if off, ok := e.offsets[name]; ok {
		return off
	}
	off := uint32(e.strings.Len())
	e.strings.WriteString(name)
	e.strings.WriteByte(0)
	e.offsets[name] = off
	return off
}

func (e *encoder) token(t uint32) { e.u32(t) }

func (e *encoder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	e.structs.Write(tmp[:])
}

func (e *encoder) pad() {
	for e.structs.Len()%4 != 0 {
		e.structs.WriteByte(0)
	}
}

// Parse decodes a blob produced by Build. Property values are returned as
// raw Bytes.
func Parse(blob []byte) (Node, error) {
	if len(blob) < headerSize || binary.BigEndian.Uint32(blob) != magic {
		return Node{}, ErrMalformed
	}
	be := binary.BigEndian
	total := be.Uint32(blob[4:])
	structOff := be.Uint32(blob[8:])
	stringsOff := be.Uint32(blob[12:])
	structSize := be.Uint32(blob[36:])
	if uint64(total) > uint64(len(blob)) || uint64(structOff)+uint64(structSize) > uint64(total) || stringsOff > total {
		return Node{}, ErrMalformed
	}

	d := &decoder{data: blob[structOff : structOff+structSize], strs: blob[stringsOff:total]}
	for {
		t, err := d.u32()
		if err != nil {
			return Node{}, err
		}
		if t == tokenNop {
			continue
		}
		if t != tokenBeginNode {
			return Node{}, ErrMalformed
		}
		return d.node()
	}
}

type decoder struct {
	data []byte
	strs []byte
	off  int
}

func (d *decoder) u32() (uint32, error) {
	if d.off+4 > len(d.data) {
		return 0, ErrMalformed
	}
	v := binary.BigEndian.Uint32(d.data[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) align() { d.off = (d.off + 3) &^ 3 }

func cstring(b []byte) (string, bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", false
	}
	return string(b[:i]), true
}

// node decodes a node whose begin token was already consumed.
func (d *decoder) node() (Node, error) {
	name, ok := cstring(d.data[d.off:])
	if !ok {
		return Node{}, ErrMalformed
	}
	d.off += len(name) + 1
	d.align()

	n := Node{Name: name}
	for {
		t, err := d.u32()
		if err != nil {
			return Node{}, err
		}
		switch t {
		case tokenNop:
		case tokenProp:
			size, err := d.u32()
			if err != nil {
				return Node{}, err
			}
			nameOff, err := d.u32()
			if err != nil {
				return Node{}, err
			}
			if d.off+int(size) > len(d.data) || int(nameOff) >= len(d.strs) {
				return Node{}, ErrMalformed
			}
			pname, ok := cstring(d.strs[nameOff:])
			if !ok {
				return Node{}, ErrMalformed
			}
			if n.Properties == nil {
				n.Properties = make(map[string]Property)
			}
			n.Properties[pname] = Property{Bytes: append([]byte(nil), d.data[d.off:d.off+int(size)]...)}
			d.off += int(size)
			d.align()
		case tokenBeginNode:
			c, err := d.node()
			if err != nil {
				return Node{}, err
			}
			n.Children = append(n.Children, c)
		case tokenEndNode:
			return n, nil
		default:
			return Node{}, ErrMalformed
		}
	}
}
