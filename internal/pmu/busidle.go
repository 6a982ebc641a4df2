package pmu

import (
	"fmt"

	"github.com/tinyrange/pwrctl/internal/mmio"
	"github.com/tinyrange/pwrctl/internal/soc"
)

// BusIdle drives the bus idle request/acknowledge protocol that quiesces a
// bus master before its domain loses power.
type BusIdle struct {
	bus  mmio.Bus
	poll Poller
}

// NewBusIdle returns a handshake driver polling with poll.
func NewBusIdle(bus mmio.Bus, poll Poller) *BusIdle {
	return &BusIdle{bus: bus, poll: poll}
}

// RequestIdle asks a bus master to stop issuing transactions and waits until
// both the idle state and the acknowledge report it idle.
func (b *BusIdle) RequestIdle(id BusID) error {
	return b.request(id, true)
}

// RequestActive releases a bus master and waits until it reports active.
func (b *BusIdle) RequestActive(id BusID) error {
	return b.request(id, false)
}

func (b *BusIdle) request(id BusID, idle bool) error {
	bit := id.Bit()
	var want uint32
	if idle {
		want = bit
	}

	mmio.ClrSetBits(b.bus, soc.PMUBase+soc.PMU_BUS_IDLE_REQ, bit, want)

	stAddr := uint64(soc.PMUBase + soc.PMU_BUS_IDLE_ST)
	ackAddr := uint64(soc.PMUBase + soc.PMU_BUS_IDLE_ACK)
	var st, ack uint32
	done := func() bool {
		st = b.bus.Read32(stAddr)
		ack = b.bus.Read32(ackAddr)
		return st&bit == want && ack&bit == want
	}
	diag := func() []RegValue {
		return []RegValue{
			{Name: "PMU_BUS_IDLE_ST", Addr: stAddr, Value: st},
			{Name: "PMU_BUS_IDLE_ACK", Addr: ackAddr, Value: ack},
		}
	}

	op := fmt.Sprintf("bus %s active", id)
	if idle {
		op = fmt.Sprintf("bus %s idle", id)
	}
	return b.poll.Until(op, done, diag)
}
