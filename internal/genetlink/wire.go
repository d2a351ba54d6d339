package genetlink

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Netlink wire layout:
//
//	struct nlmsghdr { len u32; type u16; flags u16; seq u32; pid u32 }
//	struct genlmsghdr { cmd u8; version u8; reserved u16 }
//	[]attr, each: { len u16; type u16; payload, padded to 4 bytes }
//
// All multi-byte fields are native-endian (effectively little-endian on the
// only architectures this daemon targets).

const (
	nlHdrLen   = 16
	genlHdrLen = 4
	attrHdrLen = 4
)

func align4(n int) int {
	return (n + 3) &^ 3
}

func buildMessage(family uint16, cmd uint8, seq, pid uint32, attrs ...[]byte) []byte {
	payload := make([]byte, genlHdrLen)
	payload[0] = cmd
	payload[1] = 1 // version
	for _, a := range attrs {
		payload = append(payload, a...)
	}

	total := nlHdrLen + len(payload)
	buf := make([]byte, nlHdrLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], family)
	binary.LittleEndian.PutUint16(buf[6:8], unix.NLM_F_REQUEST|unix.NLM_F_ACK)
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint32(buf[12:16], pid)
	return append(buf, payload...)
}

func encodeAttrString(attrType int, s string) []byte {
	raw := append([]byte(s), 0) // NUL-terminated, matching nla_put_string
	return encodeAttr(attrType, raw)
}

func encodeAttr(attrType int, raw []byte) []byte {
	hdr := make([]byte, attrHdrLen)
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(attrHdrLen+len(raw)))
	binary.LittleEndian.PutUint16(hdr[2:4], uint16(attrType))
	out := append(hdr, raw...)
	if pad := align4(len(out)) - len(out); pad > 0 {
		out = append(out, make([]byte, pad)...)
	}
	return out
}

// decodeString trims the NUL terminator nla_put_string/nla_get_string use.
func decodeString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// walkAttrs walks a flat (non-nested) TLV attribute stream, invoking fn with
// the attribute type and its raw payload (header stripped, padding
// included — callers slice only what they need).
func walkAttrs(b []byte, fn func(attrType int, payload []byte)) error {
	for len(b) > 0 {
		if len(b) < attrHdrLen {
			return fmt.Errorf("genetlink: truncated attribute header")
		}
		l := int(binary.LittleEndian.Uint16(b[0:2]))
		t := int(binary.LittleEndian.Uint16(b[2:4]))
		if l < attrHdrLen || l > len(b) {
			return fmt.Errorf("genetlink: invalid attribute length %d", l)
		}
		fn(t&0x3fff, b[attrHdrLen:l])
		adv := align4(l)
		if adv > len(b) {
			adv = len(b)
		}
		b = b[adv:]
	}
	return nil
}

// decodeNestedArray decodes an array of nested attribute groups (each
// top-level attr in b is itself a TLV stream), returning one map per group.
// Used for CTRL_ATTR_MCAST_GROUPS, where each group is its own nested attr
// containing name+id.
func decodeNestedArray(b []byte) []map[int][]byte {
	var out []map[int][]byte
	_ = walkAttrs(b, func(_ int, group []byte) {
		m := make(map[int][]byte)
		_ = walkAttrs(group, func(t int, payload []byte) {
			m[t] = payload
		})
		out = append(out, m)
	})
	return out
}

func decodeRawDatagram(buf []byte) ([]rawMessage, error) {
	var out []rawMessage
	for len(buf) > 0 {
		if len(buf) < nlHdrLen {
			break
		}
		msgLen := int(binary.LittleEndian.Uint32(buf[0:4]))
		msgType := binary.LittleEndian.Uint16(buf[4:6])
		if msgLen < nlHdrLen || msgLen > len(buf) {
			return out, fmt.Errorf("genetlink: invalid nlmsg length %d", msgLen)
		}
		body := buf[nlHdrLen:msgLen]

		if msgType == unix.NLMSG_ERROR {
			return out, fmt.Errorf("genetlink: netlink error reply")
		}
		if msgType != unix.NLMSG_DONE && len(body) >= genlHdrLen {
			cmd := body[0]
			rawAttrs := make(map[int][]byte)
			if err := walkAttrs(body[genlHdrLen:], func(t int, payload []byte) {
				rawAttrs[t] = payload
			}); err != nil {
				return out, err
			}
			out = append(out, rawMessage{cmd: cmd, rawAttrs: rawAttrs})
		}

		adv := align4(msgLen)
		if adv > len(buf) {
			adv = len(buf)
		}
		buf = buf[adv:]
	}
	return out, nil
}

// decodeDatagram decodes a datagram of one or more generic-netlink messages
// into policy-typed attributes, skipping (per message) any attribute not
// named in policy.
func decodeDatagram(buf []byte, policy Policy) ([]Message, error) {
	var out []Message
	for len(buf) > 0 {
		if len(buf) < nlHdrLen {
			break
		}
		msgLen := int(binary.LittleEndian.Uint32(buf[0:4]))
		msgType := binary.LittleEndian.Uint16(buf[4:6])
		if msgLen < nlHdrLen || msgLen > len(buf) {
			return out, fmt.Errorf("genetlink: invalid nlmsg length %d", msgLen)
		}
		body := buf[nlHdrLen:msgLen]

		if msgType == unix.NLMSG_ERROR {
			return out, fmt.Errorf("genetlink: netlink error reply")
		}
		if msgType != unix.NLMSG_DONE && len(body) >= genlHdrLen {
			cmd := body[0]
			attrs := make(map[int]Attr)
			if err := walkAttrs(body[genlHdrLen:], func(t int, payload []byte) {
				kind, ok := policy[t]
				if !ok {
					return
				}
				a := Attr{Type: kind}
				switch kind {
				case TypeU8:
					if len(payload) >= 1 {
						a.U8 = payload[0]
					}
				case TypeU16:
					if len(payload) >= 2 {
						a.U16 = binary.LittleEndian.Uint16(payload)
					}
				case TypeU32:
					if len(payload) >= 4 {
						a.U32 = binary.LittleEndian.Uint32(payload)
					}
				case TypeI32:
					if len(payload) >= 4 {
						a.I32 = int32(binary.LittleEndian.Uint32(payload))
					}
				case TypeString:
					a.Str = decodeString(payload)
				}
				attrs[t] = a
			}); err != nil {
				return out, err
			}
			out = append(out, Message{Command: cmd, Attrs: attrs})
		}

		adv := align4(msgLen)
		if adv > len(buf) {
			adv = len(buf)
		}
		buf = buf[adv:]
	}
	return out, nil
}
