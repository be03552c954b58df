// Package acquisition resolves register selections to Modbus-RTU ranges,
// issues reads/writes through the fault-classified retry runner, and
// reassembles results in the caller's order (§4.2, §6.1).
package acquisition

// RegID identifies one register in the static catalog (§3).
type RegID int

const (
	VAC1 RegID = iota
	IAC1
	FAC1
	VPV1
	VPV2
	IPV1
	IPV2
	TEMP
	ExportPct
	PAC
)

// regEntry is one catalog row: (id, addr, name).
type regEntry struct {
	addr uint16
	name string
}

// catalog maps every RegID to its stable Modbus address (§6.1). It is
// immutable after init and shared read-only across the agent (§3, §5).
var catalog = map[RegID]regEntry{
	VAC1:      {addr: 0, name: "Vac1"},
	IAC1:      {addr: 1, name: "Iac1"},
	FAC1:      {addr: 2, name: "Fac1"},
	VPV1:      {addr: 3, name: "Vpv1"},
	VPV2:      {addr: 4, name: "Vpv2"},
	IPV1:      {addr: 5, name: "Ipv1"},
	IPV2:      {addr: 6, name: "Ipv2"},
	TEMP:      {addr: 7, name: "Temp"},
	ExportPct: {addr: 8, name: "Export%"},
	PAC:       {addr: 9, name: "Pac"},
}

// AddrOf resolves id to its Modbus register address. The catalog is
// static and total over RegID's defined range, so lookups never fail in
// correctly built callers; ok reports whether id is known.
func AddrOf(id RegID) (addr uint16, ok bool) {
	e, ok := catalog[id]
	return e.addr, ok
}

// NameOf returns the human-readable register name for id.
func NameOf(id RegID) string {
	return catalog[id].name
}
