// Package flows builds the OpenFlow table-0 entries of the overlay allow set
// in the JSON shape the controller's inventory model expects.
package flows

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
)

const (
	Table = 0

	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806

	IPProtoICMP = 1
	IPProtoTCP  = 6

	// InventoryPrefix is the controller path all flow-table resources hang off.
	InventoryPrefix = "/restconf/config/opendaylight-inventory:nodes/node/"
)

// Match selects packets. Zero-valued optional fields are omitted.
type Match struct {
	EthernetType   int
	IPProtocol     int
	TCPDestination int
}

// Action is an output action to a logical port such as NORMAL.
type Action struct {
	Order  int
	Output string
}

// Rule is a single flow-table entry. An empty Actions list means drop.
type Rule struct {
	Label    string
	ID       int
	Table    int
	Priority int
	Match    Match
	Actions  []Action
}

// Drops reports whether the rule has no instructions.
func (r Rule) Drops() bool { return len(r.Actions) == 0 }

func allowNormal(label string, id, priority int, m Match) Rule {
	return Rule{
		Label:    label,
		ID:       id,
		Table:    Table,
		Priority: priority,
		Match:    m,
		Actions:  []Action{{Order: 0, Output: "NORMAL"}},
	}
}

func AllowARP() Rule {
	return allowNormal("ARP", 50, 300, Match{EthernetType: EtherTypeARP})
}

func AllowICMP() Rule {
	return allowNormal("ICMP", 60, 250, Match{EthernetType: EtherTypeIPv4, IPProtocol: IPProtoICMP})
}

// AllowTCP permits IPv4 TCP to port. Only 22 and 443 have reserved ids.
func AllowTCP(port int) (Rule, error) {
	var id int
	switch port {
	case 22:
		id = 110
	case 443:
		id = 120
	default:
		return Rule{}, fmt.Errorf("no flow id reserved for tcp/%d", port)
	}
	return allowNormal("TCP/"+strconv.Itoa(port), id, 200, Match{
		EthernetType:   EtherTypeIPv4,
		IPProtocol:     IPProtoTCP,
		TCPDestination: port,
	}), nil
}

func DropDefaultIPv4() Rule {
	return Rule{
		Label:    "drop-default",
		ID:       10,
		Table:    Table,
		Priority: 10,
		Match:    Match{EthernetType: EtherTypeIPv4},
	}
}

func mustTCP(port int) Rule {
	r, err := AllowTCP(port)
	if err != nil {
		panic(err)
	}
	return r
}

// AllowSet returns the five overlay rules in install order. The blanket drop
// is last so an interrupted install never leaves a drop without its allows.
func AllowSet() []Rule {
	return []Rule{
		AllowARP(),
		AllowICMP(),
		mustTCP(22),
		mustTCP(443),
		DropDefaultIPv4(),
	}
}

// Labels lists rule labels in order.
func Labels(rules []Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.Label)
	}
	return out
}

// TablePath is the controller path for a node's table 0 collection, with a
// trailing slash.
func TablePath(node string) string {
	return InventoryPrefix + url.PathEscape(node) + "/table/" + strconv.Itoa(Table) + "/"
}

// Path is the controller path for r on node.
func (r Rule) Path(node string) string {
	return InventoryPrefix + url.PathEscape(node) + "/table/" + strconv.Itoa(r.Table) + "/flow/" + strconv.Itoa(r.ID)
}

// Body returns the PUT payload for r.
func (r Rule) Body() ([]byte, error) {
	return json.Marshal(r)
}

type wireEthernetType struct {
	Type int `json:"type"`
}

type wireEthernetMatch struct {
	EthernetType wireEthernetType `json:"ethernet-type"`
}

type wireIPMatch struct {
	IPProtocol int `json:"ip-protocol"`
}

type wireMatch struct {
	EthernetMatch      *wireEthernetMatch `json:"ethernet-match,omitempty"`
	IPMatch            *wireIPMatch       `json:"ip-match,omitempty"`
	TCPDestinationPort int                `json:"tcp-destination-port,omitempty"`
}

type wireOutput struct {
	Connector string `json:"output-node-connector"`
}

type wireAction struct {
	Order  int        `json:"order"`
	Output wireOutput `json:"output-action"`
}

type wireApplyActions struct {
	Action []wireAction `json:"action"`
}

type wireInstruction struct {
	Order        int              `json:"order"`
	ApplyActions wireApplyActions `json:"apply-actions"`
}

type wireInstructions struct {
	Instruction []wireInstruction `json:"instruction"`
}

type wireFlow struct {
	ID           string           `json:"id"`
	TableID      int              `json:"table_id"`
	Priority     int              `json:"priority"`
	Match        wireMatch        `json:"match"`
	Instructions wireInstructions `json:"instructions"`
}

type wireBody struct {
	Flow []wireFlow `json:"flow"`
}

// MarshalJSON renders r as {"flow":[{...}]}.
func (r Rule) MarshalJSON() ([]byte, error) {
	m := wireMatch{TCPDestinationPort: r.Match.TCPDestination}
	if r.Match.EthernetType != 0 {
		m.EthernetMatch = &wireEthernetMatch{EthernetType: wireEthernetType{Type: r.Match.EthernetType}}
	}
	if r.Match.IPProtocol != 0 {
		m.IPMatch = &wireIPMatch{IPProtocol: r.Match.IPProtocol}
	}
	instr := []wireInstruction{}
	if len(r.Actions) > 0 {
		actions := make([]wireAction, 0, len(r.Actions))
		for _, a := range r.Actions {
			actions = append(actions, wireAction{Order: a.Order, Output: wireOutput{Connector: a.Output}})
		}
		instr = append(instr, wireInstruction{Order: 0, ApplyActions: wireApplyActions{Action: actions}})
	}
	return json.Marshal(wireBody{Flow: []wireFlow{{
		ID:           strconv.Itoa(r.ID),
		TableID:      r.Table,
		Priority:     r.Priority,
		Match:        m,
		Instructions: wireInstructions{Instruction: instr},
	}}})
}
