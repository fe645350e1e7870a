// Package netsim builds byte-realistic simulated network PDUs around
// a lower-transport PDU, purely so tests and cmd/meshsar have
// something to slice at the fixed offsets spec.md §6 describes
// (src at 4-5, dst at 6-7, TTL low 7 bits of byte 2, lower transport
// PDU starting at byte 10) without hand-waving the fixture.
//
// It is explicitly NOT a Mesh-profile-compliant network layer: real
// network-layer obfuscation and encryption (spec.md §1 Non-goals) are
// replaced here with a single trailing AES-CMAC tag, ported from the
// teacher's smp_crypto.go pairing-confirmation MAC (same cipher
// primitive, unrelated purpose). lt never calls this package; it
// exists only on the test/fixture side of the boundary.
package netsim

import (
	"bytes"
	"crypto/aes"

	"github.com/enceve/crypto/cmac"
	"github.com/pkg/errors"

	"github.com/btmesh/lowertransport"
	"github.com/btmesh/lowertransport/lt"
	"github.com/btmesh/lowertransport/sliceops"
)

// tagLen is the length, in bytes, of the trailing integrity tag this
// package appends. A real Mesh NetMIC is 4 or 8 bytes; 8 is used here
// since it is the more conservative of the two.
const tagLen = 8

// Header carries the network-layer fields a simulated PDU needs,
// everything spec.md §6 says this stack's core reads out of an
// already-decrypted network PDU plus the fields needed to compute the
// simulated tag.
type Header struct {
	IVIndex uint32
	CTL     bool
	TTL     uint8
	Seq     uint32
	Src, Dst mesh.Addr
}

// Build wraps lowerPDU in a simulated network PDU: the fields of hdr
// at the fixed offsets spec.md §6 specifies, followed by lowerPDU at
// byte 10, followed by an AES-CMAC tag over everything before it.
// key must be 16 bytes (AES-128).
func Build(key []byte, hdr Header, lowerPDU []byte) ([]byte, error) {
	body := make([]byte, mesh.NetworkPDULowerTransportOffset+len(lowerPDU))

	body[0] = byte(hdr.IVIndex & 0x7F) // IVI/NID placeholder, not read by lt
	ctl := byte(0)
	if hdr.CTL {
		ctl = 0x80
	}
	body[mesh.NetworkPDUTTLOffset] = ctl | (hdr.TTL & 0x7F)
	body[3] = byte(hdr.Seq >> 16)
	copy(body[mesh.NetworkPDUSrcOffset:mesh.NetworkPDUSrcOffset+2], hdr.Src.Bytes())
	copy(body[mesh.NetworkPDUDstOffset:mesh.NetworkPDUDstOffset+2], hdr.Dst.Bytes())
	body[8] = byte(hdr.Seq >> 8)
	body[9] = byte(hdr.Seq)
	copy(body[mesh.NetworkPDULowerTransportOffset:], lowerPDU)

	tag, err := aesCMAC(key, body)
	if err != nil {
		return nil, errors.Wrap(err, "netsim: build")
	}
	return append(body, tag[:tagLen]...), nil
}

// Parse verifies and strips the trailing tag from a simulated network
// PDU built by Build, and extracts the lt.PDUMeta and lower transport
// PDU slice the core needs.
func Parse(key []byte, netPDU []byte) (lt.PDUMeta, []byte, error) {
	if len(netPDU) < mesh.NetworkPDULowerTransportOffset+tagLen {
		return lt.PDUMeta{}, nil, errors.Errorf("netsim: pdu too short: %d bytes", len(netPDU))
	}

	body := netPDU[:len(netPDU)-tagLen]
	tag := netPDU[len(netPDU)-tagLen:]

	want, err := aesCMAC(key, body)
	if err != nil {
		return lt.PDUMeta{}, nil, errors.Wrap(err, "netsim: parse")
	}
	if !bytes.Equal(tag, want[:tagLen]) {
		return lt.PDUMeta{}, nil, errors.New("netsim: tag mismatch")
	}

	meta := lt.PDUMeta{
		TTL:     body[mesh.NetworkPDUTTLOffset] & 0x7F,
		Src:     mesh.AddrFromBytes(body[mesh.NetworkPDUSrcOffset : mesh.NetworkPDUSrcOffset+2]),
		Dst:     mesh.AddrFromBytes(body[mesh.NetworkPDUDstOffset : mesh.NetworkPDUDstOffset+2]),
		SeqNum:  uint32(body[3])<<16 | uint32(body[8])<<8 | uint32(body[9]),
		IVIndex: uint32(body[0]),
	}
	return meta, body[mesh.NetworkPDULowerTransportOffset:], nil
}

// aesCMAC is smp_crypto.go's aesCMAC, ported verbatim down to the
// swapBuf calls (now sliceops.SwapBuf, the shared copy) since AES-CMAC
// in this code base has always been computed over byte-swapped
// key/message/output, a quirk of the SMP toolchain it was lifted from.
func aesCMAC(key, msg []byte) ([]byte, error) {
	tmp := sliceops.SwapBuf(key)
	mCipher, err := aes.NewCipher(tmp)
	if err != nil {
		return nil, err
	}

	msgMsb := sliceops.SwapBuf(msg)

	mMac, err := cmac.New(mCipher)
	if err != nil {
		return nil, err
	}
	mMac.Write(msgMsb)

	return sliceops.SwapBuf(mMac.Sum(nil)), nil
}
