package nodeconfig

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexus-edge/opc-publisher/internal/domain"
)

// fileEntry is the on-disk shape of one published-nodes array element
// (§6). Field order in the source struct drives json.Marshal's output
// order; the round-trip law only requires semantic equality so this is
// free to differ from whatever order a hand-authored file used.
type fileEntry struct {
	EndpointUrl           string          `json:"EndpointUrl"`
	UseSecurity           *bool           `json:"UseSecurity,omitempty"`
	OpcAuthenticationMode string          `json:"OpcAuthenticationMode,omitempty"`
	EncryptedAuthUsername string          `json:"EncryptedAuthUsername,omitempty"`
	EncryptedAuthPassword string          `json:"EncryptedAuthPassword,omitempty"`
	NodeId                string          `json:"NodeId,omitempty"`
	OpcNodes              []fileOpcNode   `json:"OpcNodes,omitempty"`
	OpcEvents             []fileOpcEvent  `json:"OpcEvents,omitempty"`
}

type fileOpcNode struct {
	Id                    string `json:"Id"`
	ExpandedNodeId        string `json:"ExpandedNodeId,omitempty"`
	OpcSamplingInterval   *int64 `json:"OpcSamplingInterval,omitempty"`
	OpcPublishingInterval *int64 `json:"OpcPublishingInterval,omitempty"`
	DisplayName           string `json:"DisplayName,omitempty"`
	HeartbeatInterval      *int64 `json:"HeartbeatInterval,omitempty"`
	SkipFirst              *bool  `json:"SkipFirst,omitempty"`
}

type fileOpcEvent struct {
	Id            string              `json:"Id"`
	DisplayName   string              `json:"DisplayName,omitempty"`
	SelectClauses []fileSelectClause  `json:"SelectClauses,omitempty"`
	WhereClauses  []fileWhereElement  `json:"WhereClauses,omitempty"`
}

type fileSelectClause struct {
	TypeDefinitionId string   `json:"TypeDefinitionId,omitempty"`
	BrowsePath       []string `json:"BrowsePath,omitempty"`
	AttributeId      uint32   `json:"AttributeId,omitempty"`
	IndexRange       string   `json:"IndexRange,omitempty"`
}

type fileWhereElement struct {
	Operator string          `json:"Operator"`
	Operands []fileOperand   `json:"Operands,omitempty"`
}

// fileOperand mirrors the domain.Operand tagged union as a flat JSON
// object; Kind selects which of the remaining fields is meaningful.
type fileOperand struct {
	Kind             string      `json:"Kind"`
	Element          uint32      `json:"Element,omitempty"`
	Literal          interface{} `json:"Literal,omitempty"`
	NodeId           string      `json:"NodeId,omitempty"`
	AttributeId      uint32      `json:"AttributeId,omitempty"`
	BrowsePath       []string    `json:"BrowsePath,omitempty"`
	TypeDefinitionId string      `json:"TypeDefinitionId,omitempty"`
	SimplePath       []string    `json:"SimplePath,omitempty"`
}

var operandKindNames = map[domain.OperandKind]string{
	domain.OperandElement:         "Element",
	domain.OperandLiteral:         "Literal",
	domain.OperandAttribute:       "Attribute",
	domain.OperandSimpleAttribute: "SimpleAttribute",
}

func operandKindFromName(name string) (domain.OperandKind, bool) {
	for k, v := range operandKindNames {
		if v == name {
			return k, true
		}
	}
	return 0, false
}

func toFileOperand(o domain.Operand) fileOperand {
	return fileOperand{
		Kind:             operandKindNames[o.Kind],
		Element:          o.Element,
		Literal:          o.Literal,
		NodeId:           o.NodeID,
		AttributeId:      o.AttributeID,
		BrowsePath:       o.BrowsePath,
		TypeDefinitionId: o.TypeDefinitionID,
		SimplePath:       o.SimplePath,
	}
}

func fromFileOperand(fo fileOperand) (domain.Operand, error) {
	kind, ok := operandKindFromName(fo.Kind)
	if !ok {
		return domain.Operand{}, fmt.Errorf("%w: unrecognised operand kind %q", domain.ErrInvalidNodeID, fo.Kind)
	}
	return domain.Operand{
		Kind:             kind,
		Element:          fo.Element,
		Literal:          fo.Literal,
		NodeID:           fo.NodeId,
		AttributeID:      fo.AttributeId,
		BrowsePath:       fo.BrowsePath,
		TypeDefinitionID: fo.TypeDefinitionId,
		SimplePath:       fo.SimplePath,
	}, nil
}

func toFileSelectClause(s domain.SelectClause) fileSelectClause {
	return fileSelectClause{
		TypeDefinitionId: s.TypeDefinitionID,
		BrowsePath:       s.BrowsePath,
		AttributeId:      s.AttributeID,
		IndexRange:       s.IndexRange,
	}
}

func fromFileSelectClause(s fileSelectClause) domain.SelectClause {
	return domain.SelectClause{
		TypeDefinitionID: s.TypeDefinitionId,
		BrowsePath:       s.BrowsePath,
		AttributeID:      s.AttributeId,
		IndexRange:       s.IndexRange,
	}
}

func toFileWhereElement(w domain.WhereClauseElement) fileWhereElement {
	operands := make([]fileOperand, len(w.Operands))
	for i, o := range w.Operands {
		operands[i] = toFileOperand(o)
	}
	return fileWhereElement{Operator: string(w.Operator), Operands: operands}
}

func fromFileWhereElement(w fileWhereElement) (domain.WhereClauseElement, error) {
	operands := make([]domain.Operand, len(w.Operands))
	for i, fo := range w.Operands {
		o, err := fromFileOperand(fo)
		if err != nil {
			return domain.WhereClauseElement{}, err
		}
		operands[i] = o
	}
	return domain.WhereClauseElement{Operator: domain.FilterOperator(w.Operator), Operands: operands}, nil
}

func durationPtrMillis(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

func encodeCredential(c domain.EncryptedCredential) (user, pass string) {
	if len(c.CipherUsername) > 0 {
		user = base64.StdEncoding.EncodeToString(c.CipherUsername)
	}
	if len(c.CipherPassword) > 0 {
		pass = base64.StdEncoding.EncodeToString(c.CipherPassword)
	}
	return
}

func decodeCredential(user, pass string) (domain.EncryptedCredential, error) {
	var c domain.EncryptedCredential
	if user != "" {
		b, err := base64.StdEncoding.DecodeString(user)
		if err != nil {
			return c, fmt.Errorf("nodeconfig: decode EncryptedAuthUsername: %w", err)
		}
		c.CipherUsername = b
	}
	if pass != "" {
		b, err := base64.StdEncoding.DecodeString(pass)
		if err != nil {
			return c, fmt.Errorf("nodeconfig: decode EncryptedAuthPassword: %w", err)
		}
		c.CipherPassword = b
	}
	return c, nil
}

func marshalFile(entries []fileEntry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}

func unmarshalFile(data []byte) ([]fileEntry, error) {
	var entries []fileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("nodeconfig: parse published-nodes file: %w", err)
	}
	return entries, nil
}
