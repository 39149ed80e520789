package plugin

import (
	"github.com/icza/bethesda-structs/cursor"
	"github.com/icza/bethesda-structs/schema"
)

// ExampleRegistry returns a small, real (not exhaustive) subrecord schema
// registry covering four record types — ACTI, CONT, FACT, NOTE — enough
// to exercise the schema engine end-to-end against real record grammars.
// The full per-record-type catalog spec.md explicitly keeps out of scope
// (it's data, not logic); this registry is sample data demonstrating the
// shape that data takes, grounded on original_source's FNV record field
// lists (fnv.py) and TES4's own sub-entry layout (tes4.py).
func ExampleRegistry() schema.Registry {
	return schema.Registry{
		"ACTI": actiSchema(),
		"CONT": contSchema(),
		"FACT": factSchema(),
		"NOTE": noteSchema(),
	}
}

func decodeEditorID(data []byte) (interface{}, error) { return trimNul(data), nil }
func decodeModelPath(data []byte) (interface{}, error) { return trimNul(data), nil }

func decodeFormID(data []byte) (interface{}, error) {
	c := cursor.New(data)
	return c.ReadU32()
}

func decodeObjectBounds(data []byte) (interface{}, error) {
	c := cursor.New(data)
	bounds := make([]int16, 0, 6)
	for i := 0; i < 6; i++ {
		v, err := c.ReadI16()
		if err != nil {
			return nil, err
		}
		bounds = append(bounds, v)
	}
	return bounds, nil
}

func decodeContainerItem(data []byte) (interface{}, error) {
	c := cursor.New(data)
	itemFormID, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	count, err := c.ReadI32()
	if err != nil {
		return nil, err
	}
	return struct {
		ItemFormID uint32
		Count      int32
	}{itemFormID, count}, nil
}

func actiSchema() *schema.Collection {
	return &schema.Collection{
		Name: "ACTI",
		Items: []schema.Node{
			&schema.Slot{Name: "EDID", Decode: decodeEditorID},
			&schema.Slot{Name: "OBND", Optional: true, Decode: decodeObjectBounds},
			&schema.Slot{Name: "FULL", Optional: true, Decode: decodeEditorID},
			&schema.Slot{Name: "MODL", Optional: true, Decode: decodeModelPath},
			&schema.Slot{Name: "MODT", Optional: true},
			&schema.Slot{Name: "SCRI", Optional: true, Decode: decodeFormID},
			&schema.Slot{Name: "SNAM", Optional: true, Decode: decodeFormID},
			&schema.Slot{Name: "VNAM", Optional: true, Decode: decodeFormID},
			&schema.Slot{Name: "RNAM", Optional: true, Decode: decodeFormID},
		},
	}
}

func contSchema() *schema.Collection {
	return &schema.Collection{
		Name: "CONT",
		Items: []schema.Node{
			&schema.Slot{Name: "EDID", Decode: decodeEditorID},
			&schema.Slot{Name: "OBND", Optional: true, Decode: decodeObjectBounds},
			&schema.Slot{Name: "FULL", Optional: true, Decode: decodeEditorID},
			&schema.Slot{Name: "MODL", Optional: true, Decode: decodeModelPath},
			&schema.Slot{Name: "MODT", Optional: true},
			&schema.Slot{Name: "SCRI", Optional: true, Decode: decodeFormID},
			&schema.Slot{Name: "CNTO", Optional: true, Multiple: true, Decode: decodeContainerItem},
			&schema.Slot{Name: "DATA", Optional: true},
			&schema.Slot{Name: "SNAM", Optional: true, Decode: decodeFormID},
			&schema.Slot{Name: "QNAM", Optional: true, Decode: decodeFormID},
		},
	}
}

func factSchema() *schema.Collection {
	return &schema.Collection{
		Name: "FACT",
		Items: []schema.Node{
			&schema.Slot{Name: "EDID", Decode: decodeEditorID},
			&schema.Slot{Name: "FULL", Optional: true, Decode: decodeEditorID},
			&schema.Slot{Name: "XNAM", Optional: true, Multiple: true, Decode: decodeFormID},
			&schema.Slot{Name: "DATA", Optional: true},
			&schema.Slot{Name: "CNAM", Optional: true},
			&schema.Collection{
				Name:     "rank",
				Optional: true,
				Multiple: true,
				Items: []schema.Node{
					&schema.Slot{Name: "RNAM"},
					&schema.Slot{Name: "MNAM", Optional: true, Decode: decodeEditorID},
					&schema.Slot{Name: "FNAM", Optional: true, Decode: decodeEditorID},
					&schema.Slot{Name: "INAM", Optional: true, Decode: decodeFormID},
				},
			},
		},
	}
}

func noteSchema() *schema.Collection {
	return &schema.Collection{
		Name: "NOTE",
		Items: []schema.Node{
			&schema.Slot{Name: "EDID", Decode: decodeEditorID},
			&schema.Slot{Name: "OBND", Optional: true, Decode: decodeObjectBounds},
			&schema.Slot{Name: "FULL", Optional: true, Decode: decodeEditorID},
			&schema.Slot{Name: "ICON", Optional: true, Decode: decodeModelPath},
			&schema.Slot{Name: "MODL", Optional: true, Decode: decodeModelPath},
			&schema.Slot{Name: "YNAM", Optional: true, Decode: decodeFormID},
			&schema.Slot{Name: "ZNAM", Optional: true, Decode: decodeFormID},
			&schema.Slot{Name: "DATA", Optional: true},
			&schema.Slot{Name: "ONAM", Optional: true, Decode: decodeFormID},
			&schema.Slot{Name: "XNAM", Optional: true, Decode: decodeEditorID},
			&schema.Slot{Name: "TNAM", Optional: true},
			&schema.Slot{Name: "SNAM", Optional: true, Decode: decodeFormID},
		},
	}
}
