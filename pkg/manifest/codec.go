package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cuemby/agentctl/pkg/types"
)

// Manifest is the parsed form of a signed manifest blob: one header
// declaring how many submanifests follow, each independently signed.
type Manifest struct {
	Header types.ManifestHeader
	Bodies []types.ManifestBody
}

// Parse decodes a manifest blob. It is a manual little-endian reader,
// matching the Kaitai-generated struct layout of the original
// distribution format field for field.
func Parse(raw []byte) (*Manifest, error) {
	r := bytes.NewReader(raw)

	var header types.ManifestHeader
	if err := binary.Read(r, binary.LittleEndian, &header.Magic); err != nil {
		return nil, fmt.Errorf("manifest: read magic: %w", err)
	}
	if string(header.Magic[:]) != types.ManifestMagic {
		return nil, fmt.Errorf("manifest: bad magic %q", header.Magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &header.Count); err != nil {
		return nil, fmt.Errorf("manifest: read count: %w", err)
	}

	bodies := make([]types.ManifestBody, header.Count)
	for i := range bodies {
		body, err := parseBody(r)
		if err != nil {
			return nil, fmt.Errorf("manifest: submanifest %d: %w", i, err)
		}
		bodies[i] = *body
	}

	return &Manifest{Header: header, Bodies: bodies}, nil
}

func parseBody(r *bytes.Reader) (*types.ManifestBody, error) {
	var body types.ManifestBody

	if err := binary.Read(r, binary.LittleEndian, &body.Version); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &body.SigType); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &body.ModCount); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &body.Timestamp); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &body.Signature); err != nil {
		return nil, err
	}

	body.Modules = make([]types.ModuleRecord, body.ModCount)
	for i := range body.Modules {
		mod, err := parseModule(r)
		if err != nil {
			return nil, fmt.Errorf("module %d: %w", i, err)
		}
		body.Modules[i] = *mod
	}
	return &body, nil
}

func parseModule(r *bytes.Reader) (*types.ModuleRecord, error) {
	var mod types.ModuleRecord
	if err := binary.Read(r, binary.LittleEndian, &mod.NameHash); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &mod.Flags); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &mod.Key); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &mod.CodeHash); err != nil {
		return nil, err
	}
	return &mod, nil
}

// Serialize re-encodes the manifest into the wire format Parse reads.
func (m *Manifest) Serialize() []byte {
	var buf bytes.Buffer
	buf.Write(m.Header.Magic[:])
	binary.Write(&buf, binary.LittleEndian, m.Header.Count)
	for _, body := range m.Bodies {
		buf.Write(bodyTail(&body))
		buf.Write(body.Signature[:])
		for _, mod := range body.Modules {
			buf.Write(moduleBytes(&mod))
		}
	}
	return buf.Bytes()
}

// bodyTail returns the 12-byte version/sigtype/mod_count/timestamp
// prefix of a submanifest, the same bytes the original signs ahead of
// its module records.
func bodyTail(body *types.ManifestBody) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, body.Version)
	binary.Write(&buf, binary.LittleEndian, body.SigType)
	binary.Write(&buf, binary.LittleEndian, body.ModCount)
	binary.Write(&buf, binary.LittleEndian, body.Timestamp)
	return buf.Bytes()
}

func moduleBytes(mod *types.ModuleRecord) []byte {
	var buf bytes.Buffer
	buf.Write(mod.NameHash[:])
	binary.Write(&buf, binary.LittleEndian, mod.Flags)
	buf.Write(mod.Key[:])
	buf.Write(mod.CodeHash[:])
	return buf.Bytes()
}

// signedPayload reconstructs the exact byte span the signature covers:
// the 12-byte tail followed by every module record, mod_count*97 bytes.
func signedPayload(body *types.ManifestBody) []byte {
	payload := bodyTail(body)
	for i := range body.Modules {
		payload = append(payload, moduleBytes(&body.Modules[i])...)
	}
	return payload
}
