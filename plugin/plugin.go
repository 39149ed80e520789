// Package plugin walks the nested group/record/subrecord tree of a
// Fallout 3 / Fallout: New Vegas plugin file (format version 15),
// applying per-record zlib decompression and dispatching subrecords
// through the schema package. Structurally it follows the same
// parse-then-lazily-iterate shape as bsa and ba2: Parse builds the group
// tree once, then IterRecords/IterSubrecords walk it without copying.
package plugin

import (
	"bytes"
	"io"
	"strings"

	"github.com/icza/bethesda-structs/cursor"
	"github.com/icza/bethesda-structs/errs"
	"github.com/icza/bethesda-structs/schema"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

const headerRecordType = "TES4"

// SupportedFormatVersion is the only plugin format version this package
// accepts (Fallout 3 / Fallout: New Vegas).
const SupportedFormatVersion = 15

// Record-level flag bits (E3.3: the full FO3/FNV flag set, beyond the
// shortlist spec.md names explicitly).
const (
	FlagMaster              = 0x00000001
	FlagFormInitialized     = 0x00000004
	FlagDeleted             = 0x00000020
	FlagConstant            = 0x00000040
	FlagFireDisabled        = 0x00000080
	FlagInaccessible        = 0x00000100
	FlagCastsShadows        = 0x00000200
	FlagPersistent          = 0x00000400
	FlagInitiallyDisabled   = 0x00000800
	FlagIgnored             = 0x00001000
	FlagNoVoiceFilter       = 0x00002000
	FlagCannotSave          = 0x00004000
	FlagVisibleWhenDistant  = 0x00008000
	FlagRandomAnimStart     = 0x00010000
	FlagDangerous           = 0x00020000
	FlagCompressed          = 0x00040000
	FlagCantWait            = 0x00080000
	FlagDestructible        = 0x00100000
	FlagObstacle            = 0x00200000
	FlagNavMeshFilter       = 0x00400000
	FlagNavMeshBox          = 0x00800000
	FlagNonPipboy           = 0x04000000
	FlagChildCanUse         = 0x08000000
	FlagNavMeshGround       = 0x10000000
)

var recordFlagBits = []cursor.FlagBit{
	{Name: "master", Mask: FlagMaster},
	{Name: "form_initialized", Mask: FlagFormInitialized},
	{Name: "deleted", Mask: FlagDeleted},
	{Name: "constant", Mask: FlagConstant},
	{Name: "fire_disabled", Mask: FlagFireDisabled},
	{Name: "inaccessible", Mask: FlagInaccessible},
	{Name: "casts_shadows", Mask: FlagCastsShadows},
	{Name: "persistent", Mask: FlagPersistent},
	{Name: "initially_disabled", Mask: FlagInitiallyDisabled},
	{Name: "ignored", Mask: FlagIgnored},
	{Name: "no_voice_filter", Mask: FlagNoVoiceFilter},
	{Name: "cannot_save", Mask: FlagCannotSave},
	{Name: "visible_when_distant", Mask: FlagVisibleWhenDistant},
	{Name: "random_anim_start", Mask: FlagRandomAnimStart},
	{Name: "dangerous", Mask: FlagDangerous},
	{Name: "compressed", Mask: FlagCompressed},
	{Name: "cant_wait", Mask: FlagCantWait},
	{Name: "destructible", Mask: FlagDestructible},
	{Name: "obstacle", Mask: FlagObstacle},
	{Name: "navmesh_filter", Mask: FlagNavMeshFilter},
	{Name: "navmesh_box", Mask: FlagNavMeshBox},
	{Name: "non_pipboy", Mask: FlagNonPipboy},
	{Name: "child_can_use", Mask: FlagChildCanUse},
	{Name: "navmesh_ground", Mask: FlagNavMeshGround},
}

// GroupType is the signed i32 enum a GRUP's label is interpreted against
// (E3.2: the well-known Bethesda group-type values).
type GroupType int32

const (
	GroupTop                        GroupType = 0
	GroupWorldChildren               GroupType = 1
	GroupInteriorCellBlock           GroupType = 2
	GroupInteriorCellSubBlock        GroupType = 3
	GroupExteriorCellBlock           GroupType = 4
	GroupExteriorCellSubBlock        GroupType = 5
	GroupCellChildren                GroupType = 6
	GroupTopicChildren                GroupType = 7
	GroupCellPersistentChildren       GroupType = 8
	GroupCellTemporaryChildren        GroupType = 9
	GroupCellVisibleDistantChildren   GroupType = 10
)

// Subrecord is one decoded (tag, payload) pair within a record. Decoded
// holds the schema decoder's result when the owning record type has a
// registered schema and the tag was successfully discovered; DecodeErr
// holds the failure otherwise (the tag and raw Data are always preserved
// regardless of decode success, per spec's no-silent-data-loss rule).
type Subrecord struct {
	Type      string
	Data      []byte
	Decoded   interface{}
	DecodeErr error
}

// Record is one plugin record: its type tag, flags, form id, revision,
// format version, and decoded subrecord stream.
type Record struct {
	Type           string
	Flags          cursor.FlagSet
	FormID         uint32
	Revision       uint32
	FormatVersion  uint16
	Subrecords     []Subrecord
}

// MasterEntry is one MAST+DATA pair in the header record: a referenced
// master plugin's filename and its recorded file size.
type MasterEntry struct {
	Filename string
	FileSize uint64
}

// Header is the decoded TES4 header record (E3.1: HEDR/CNAM/SNAM/MAST+
// DATA/ONAM/SCRN sub-entries).
type Header struct {
	Record          Record
	FormatVersion   float32
	NumRecords      int32
	NextObjectID    uint32
	Author          string
	Description     string
	Masters         []MasterEntry
	OverriddenForms []uint32
	Screenshot      []byte
}

// Group is one GRUP: either a sequence of nested groups (cells,
// worldspaces) or a sequence of records, never both.
type Group struct {
	Label      [4]byte
	GroupType  GroupType
	Stamp      uint16
	Groups     []*Group
	Records    []*Record
}

// Plugin is a fully parsed TES4-family plugin file.
type Plugin struct {
	Header   Header
	Groups   []*Group
	Registry schema.Registry
	Strict   bool

	raw []byte
}

// Option configures Parse.
type Option func(*Plugin)

// WithRegistry supplies the per-record-type subrecord schema registry
// used to dispatch and decode subrecords. Without one, subrecords are
// still yielded with their tag and raw bytes, just never decoded.
func WithRegistry(r schema.Registry) Option {
	return func(p *Plugin) { p.Registry = r }
}

// WithStrictSchema controls whether subrecord discovery enforces ordering
// and required-before-target violations (default true — see schema's
// Discover for the distinction).
func WithStrictSchema(strict bool) Option {
	return func(p *Plugin) { p.Strict = strict }
}

// Accepts reports whether buf's first record looks like a TES4 header at
// format version 15.
func Accepts(buf []byte) bool {
	c := cursor.New(buf)
	tag, err := c.ReadBytes(4)
	if err != nil || string(tag) != headerRecordType {
		return false
	}
	if _, err := c.ReadU32(); err != nil { // size
		return false
	}
	if _, err := c.ReadU32(); err != nil { // flags
		return false
	}
	if _, err := c.ReadU32(); err != nil { // form id
		return false
	}
	if _, err := c.ReadU32(); err != nil { // revision
		return false
	}
	formatVersion, err := c.ReadU16()
	return err == nil && uint32(formatVersion) == SupportedFormatVersion
}

// Parse decodes the header record and then greedily parses groups until
// the input is exhausted.
func Parse(buf []byte, opts ...Option) (*Plugin, error) {
	p := &Plugin{raw: buf, Strict: true}
	for _, opt := range opts {
		opt(p)
	}

	c := cursor.New(buf)
	rec, err := parseRecord(c)
	if err != nil {
		return nil, errors.Wrap(err, "plugin: reading header record")
	}
	if rec.Type != headerRecordType {
		return nil, &errs.UnsupportedFormat{Magic: rec.Type}
	}
	if uint32(rec.FormatVersion) != SupportedFormatVersion {
		return nil, &errs.UnsupportedFormat{Magic: headerRecordType, Version: int(rec.FormatVersion)}
	}

	header, err := decodeHeader(rec)
	if err != nil {
		return nil, errors.Wrap(err, "plugin: decoding TES4 header sub-entries")
	}
	p.Header = header

	for c.Remaining() > 0 {
		g, err := parseGroup(c, p.Registry, p.Strict)
		if err != nil {
			return nil, errors.Wrap(err, "plugin: reading group")
		}
		p.Groups = append(p.Groups, g)
	}

	return p, nil
}

func parseRecord(c *cursor.Cursor) (Record, error) {
	tag, err := c.ReadBytes(4)
	if err != nil {
		return Record{}, err
	}
	size, err := c.ReadU32()
	if err != nil {
		return Record{}, err
	}
	flagsRaw, err := c.ReadU32()
	if err != nil {
		return Record{}, err
	}
	formID, err := c.ReadU32()
	if err != nil {
		return Record{}, err
	}
	revision, err := c.ReadU32()
	if err != nil {
		return Record{}, err
	}
	formatVersion, err := c.ReadU16()
	if err != nil {
		return Record{}, err
	}
	if _, err := c.ReadU16(); err != nil { // reserved
		return Record{}, err
	}

	payload, err := c.ReadBytes(int(size))
	if err != nil {
		return Record{}, err
	}

	flags := cursor.DecodeFlags(flagsRaw, recordFlagBits)

	var body []byte
	if flags.Has("compressed") {
		pc := cursor.New(payload)
		originalSize, err := pc.ReadU32()
		if err != nil {
			return Record{}, errors.Wrap(err, "reading original size prefix")
		}
		zr, err := zlib.NewReader(bytes.NewReader(payload[pc.Pos():]))
		if err != nil {
			return Record{}, &errs.CodecError{Codec: "zlib", Cause: err}
		}
		defer zr.Close()
		decompressed, err := io.ReadAll(zr)
		if err != nil {
			return Record{}, &errs.CodecError{Codec: "zlib", Cause: err}
		}
		if uint32(len(decompressed)) != originalSize {
			return Record{}, &errs.CodecError{Codec: "zlib", Cause: errors.New("decompressed length mismatch")}
		}
		body = decompressed
	} else {
		body = payload
	}

	subrecords, err := parseSubrecords(body)
	if err != nil {
		return Record{}, err
	}

	return Record{
		Type:          string(tag),
		Flags:         flags,
		FormID:        formID,
		Revision:      revision,
		FormatVersion: formatVersion,
		Subrecords:    subrecords,
	}, nil
}

func parseSubrecords(body []byte) ([]Subrecord, error) {
	bc := cursor.New(body)
	var subs []Subrecord
	for bc.Remaining() > 0 {
		tag, err := bc.ReadBytes(4)
		if err != nil {
			return nil, err
		}
		size, err := bc.ReadU16()
		if err != nil {
			return nil, err
		}
		data, err := bc.ReadBytes(int(size))
		if err != nil {
			return nil, err
		}
		raw := make([]byte, len(data))
		copy(raw, data)
		subs = append(subs, Subrecord{Type: string(tag), Data: raw})
	}
	return subs, nil
}

// DispatchSubrecords runs the schema registry's discovery algorithm over
// rec's already-parsed subrecords, filling Decoded/DecodeErr in place. It
// is separate from parseRecord because discovery needs the full ordered
// tag history of the record, which parseRecord doesn't track.
func DispatchSubrecords(rec *Record, reg schema.Registry, strict bool) {
	sch, ok := reg[rec.Type]
	if !ok {
		return
	}
	var history []string
	for i := range rec.Subrecords {
		sub := &rec.Subrecords[i]
		slot, err := sch.Discover(history, sub.Type, strict)
		if err != nil {
			sub.DecodeErr = err
		} else if slot.Decode != nil {
			sub.Decoded, sub.DecodeErr = slot.Decode(sub.Data)
		}
		history = append(history, sub.Type)
	}
}

func decodeHeader(rec Record) (Header, error) {
	h := Header{Record: rec}
	for _, sub := range rec.Subrecords {
		switch sub.Type {
		case "HEDR":
			c := cursor.New(sub.Data)
			version, err := c.ReadF32()
			if err != nil {
				return Header{}, err
			}
			numRecords, err := c.ReadI32()
			if err != nil {
				return Header{}, err
			}
			nextID, err := c.ReadU32()
			if err != nil {
				return Header{}, err
			}
			h.FormatVersion = version
			h.NumRecords = numRecords
			h.NextObjectID = nextID
		case "CNAM":
			h.Author = trimNul(sub.Data)
		case "SNAM":
			h.Description = trimNul(sub.Data)
		case "MAST":
			h.Masters = append(h.Masters, MasterEntry{Filename: trimNul(sub.Data)})
		case "DATA":
			if len(h.Masters) > 0 && len(sub.Data) >= 8 {
				c := cursor.New(sub.Data)
				size, err := c.ReadU64()
				if err != nil {
					return Header{}, err
				}
				h.Masters[len(h.Masters)-1].FileSize = size
			}
		case "ONAM":
			c := cursor.New(sub.Data)
			for c.Remaining() >= 4 {
				id, err := c.ReadU32()
				if err != nil {
					return Header{}, err
				}
				h.OverriddenForms = append(h.OverriddenForms, id)
			}
		case "SCRN":
			h.Screenshot = sub.Data
		}
	}
	return h, nil
}

func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func parseGroup(c *cursor.Cursor, reg schema.Registry, strict bool) (*Group, error) {
	tag, err := c.ReadBytes(4)
	if err != nil {
		return nil, err
	}
	if string(tag) != "GRUP" {
		return nil, &errs.SchemaViolation{Detail: "expected GRUP, got " + string(tag)}
	}
	size, err := c.ReadU32()
	if err != nil {
		return nil, err
	}
	labelBytes, err := c.ReadBytes(4)
	if err != nil {
		return nil, err
	}
	groupTypeRaw, err := c.ReadI32()
	if err != nil {
		return nil, err
	}
	stamp, err := c.ReadU16()
	if err != nil {
		return nil, err
	}
	if _, err := c.ReadBytes(6); err != nil { // reserved
		return nil, err
	}

	if size < 24 {
		return nil, &errs.SchemaViolation{Detail: "group size smaller than group header"}
	}
	payload, err := c.ReadBytes(int(size) - 24)
	if err != nil {
		return nil, err
	}

	g := &Group{GroupType: GroupType(groupTypeRaw), Stamp: stamp}
	copy(g.Label[:], labelBytes)

	pc := cursor.New(payload)
	if bytes.HasPrefix(payload, []byte("GRUP")) {
		for pc.Remaining() > 0 {
			child, err := parseGroup(pc, reg, strict)
			if err != nil {
				return nil, err
			}
			g.Groups = append(g.Groups, child)
		}
	} else {
		for pc.Remaining() > 0 {
			rec, err := parseRecord(pc)
			if err != nil {
				return nil, err
			}
			if reg != nil {
				DispatchSubrecords(&rec, reg, strict)
			}
			rc := rec
			g.Records = append(g.Records, &rc)
		}
	}

	return g, nil
}

// IterRecords walks every record in document order, including nested
// groups, invoking yield for each. Returning false from yield stops the
// walk early. recordType, if non-empty, filters which record type tags are
// yielded (case-insensitive); includeHeader yields the TES4 header record
// first regardless of recordType, matching the original's "NOTE: yields
// header regardless of record_type value".
func (p *Plugin) IterRecords(recordType string, includeHeader bool, yield func(*Record) bool) {
	recordType = strings.ToUpper(recordType)
	if includeHeader {
		if !yield(&p.Header.Record) {
			return
		}
	}
	for _, g := range p.Groups {
		if !iterGroupRecords(g, recordType, yield) {
			return
		}
	}
}

func iterGroupRecords(g *Group, recordType string, yield func(*Record) bool) bool {
	for _, child := range g.Groups {
		if !iterGroupRecords(child, recordType, yield) {
			return false
		}
	}
	for _, rec := range g.Records {
		if recordType != "" && recordType != strings.ToUpper(rec.Type) {
			continue
		}
		if !yield(rec) {
			return false
		}
	}
	return true
}

// IterSubrecords walks every subrecord of every record matching recordType
// (subject to the same traversal IterRecords performs), invoking yield with
// the owning record and the subrecord. subrecordType, if non-empty, further
// filters which subrecord type tags are yielded (case-insensitive).
func (p *Plugin) IterSubrecords(subrecordType, recordType string, includeHeader bool, yield func(*Record, *Subrecord) bool) {
	subrecordType = strings.ToUpper(subrecordType)
	p.IterRecords(recordType, includeHeader, func(rec *Record) bool {
		for i := range rec.Subrecords {
			sub := &rec.Subrecords[i]
			if subrecordType != "" && subrecordType != strings.ToUpper(sub.Type) {
				continue
			}
			if !yield(rec, sub) {
				return false
			}
		}
		return true
	})
}
