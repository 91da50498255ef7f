package ipc

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/corebus/xmbox/kernel/pool"
)

// InstanceUsage is the in-use bitmap of one instance.
type InstanceUsage struct {
	Instance int
	Slots    int
	InUse    uint32
}

// Usage is the snapshot served to the contention and usage logger.
type Usage struct {
	Core           int
	Instances      []InstanceUsage
	SourceRestarts uint64
	TargetRestarts uint64
	Discards       uint64
	LateAcks       uint64
}

// Usage field numbers. The encoding is the protobuf wire format so the usage logger
// can decode it with a generated message.
const (
	usageFieldCore           protowire.Number = 1
	usageFieldInstance       protowire.Number = 2
	usageFieldSourceRestarts protowire.Number = 3
	usageFieldTargetRestarts protowire.Number = 4
	usageFieldDiscards       protowire.Number = 5
	usageFieldLateAcks       protowire.Number = 6

	instanceFieldID    protowire.Number = 1
	instanceFieldSlots protowire.Number = 2
	instanceFieldInUse protowire.Number = 3
)

// MarshalBinary encodes the snapshot.
func (u Usage) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, usageFieldCore, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(u.Core))
	for _, inst := range u.Instances {
		var sub []byte
		sub = protowire.AppendTag(sub, instanceFieldID, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(inst.Instance))
		sub = protowire.AppendTag(sub, instanceFieldSlots, protowire.VarintType)
		sub = protowire.AppendVarint(sub, uint64(inst.Slots))
		sub = protowire.AppendTag(sub, instanceFieldInUse, protowire.Fixed32Type)
		sub = protowire.AppendFixed32(sub, inst.InUse)

		b = protowire.AppendTag(b, usageFieldInstance, protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	for _, f := range []struct {
		num protowire.Number
		v   uint64
	}{
		{usageFieldSourceRestarts, u.SourceRestarts},
		{usageFieldTargetRestarts, u.TargetRestarts},
		{usageFieldDiscards, u.Discards},
		{usageFieldLateAcks, u.LateAcks},
	} {
		b = protowire.AppendTag(b, f.num, protowire.VarintType)
		b = protowire.AppendVarint(b, f.v)
	}
	return b, nil
}

// UnmarshalBinary decodes a snapshot. Unknown fields are skipped.
func (u *Usage) UnmarshalBinary(data []byte) error {
	*u = Usage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errMalformed("usage tag", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == usageFieldInstance && typ == protowire.BytesType:
			sub, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return errMalformed("usage instance", protowire.ParseError(m))
			}
			inst, err := decodeInstanceUsage(sub)
			if err != nil {
				return err
			}
			u.Instances = append(u.Instances, inst)
			data = data[m:]
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return errMalformed("usage varint", protowire.ParseError(m))
			}
			switch num {
			case usageFieldCore:
				u.Core = int(v)
			case usageFieldSourceRestarts:
				u.SourceRestarts = v
			case usageFieldTargetRestarts:
				u.TargetRestarts = v
			case usageFieldDiscards:
				u.Discards = v
			case usageFieldLateAcks:
				u.LateAcks = v
			}
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return errMalformed("usage field", protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return nil
}

func decodeInstanceUsage(data []byte) (InstanceUsage, error) {
	var inst InstanceUsage
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return inst, errMalformed("instance tag", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == instanceFieldInUse && typ == protowire.Fixed32Type:
			v, m := protowire.ConsumeFixed32(data)
			if m < 0 {
				return inst, errMalformed("instance in_use", protowire.ParseError(m))
			}
			inst.InUse = v
			data = data[m:]
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return inst, errMalformed("instance varint", protowire.ParseError(m))
			}
			switch num {
			case instanceFieldID:
				inst.Instance = int(v)
			case instanceFieldSlots:
				inst.Slots = int(v)
			}
			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return inst, errMalformed("instance field", protowire.ParseError(m))
			}
			data = data[m:]
		}
	}
	return inst, nil
}

// String renders the bitmaps for logs.
func (u Usage) String() string {
	s := fmt.Sprintf("core=%d", u.Core)
	for _, inst := range u.Instances {
		s += fmt.Sprintf(" inst%d=%0*b", inst.Instance, inst.Slots, inst.InUse)
	}
	return s
}

// usage builds a snapshot. With a filter only that client's mailboxes count.
func (c *Core) usage(filter *pool.ClientID) Usage {
	u := Usage{Core: c.self}
	for i, in := range c.instances {
		if in == nil {
			continue
		}
		u.Instances = append(u.Instances, InstanceUsage{
			Instance: i,
			Slots:    c.pool.SlotsPerInstance(),
			InUse:    c.pool.InUse(i, filter),
		})
	}
	u.SourceRestarts, u.TargetRestarts = c.pool.Restarts()
	u.Discards = c.discards.Load()
	u.LateAcks = c.lateAcks.Load()
	return u
}
