package fdt

// Property is a device tree property value. At most one of the typed
// fields is set; a property with none set is an empty (boolean) property.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
}

func Strings(v ...string) Property { return Property{Strings: v} }
func U32(v ...uint32) Property     { return Property{U32: v} }
func U64(v ...uint64) Property     { return Property{U64: v} }
func Empty() Property              { return Property{} }

func (p Property) kinds() int {
	n := 0
	for _, set := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0} {
		if set {
			n++
		}
	}
	return n
}

// Node is a device tree node.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}

// Child returns the first child named name.
func (n Node) Child(name string) (Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return Node{}, false
}
