package domain

// FilterOperator is an OPC UA content-filter operator used in an event
// where-clause element.
type FilterOperator string

const (
	FilterEquals             FilterOperator = "Equals"
	FilterIsNull             FilterOperator = "IsNull"
	FilterGreaterThan        FilterOperator = "GreaterThan"
	FilterLessThan           FilterOperator = "LessThan"
	FilterGreaterThanOrEqual FilterOperator = "GreaterThanOrEqual"
	FilterLessThanOrEqual    FilterOperator = "LessThanOrEqual"
	FilterLike               FilterOperator = "Like"
	FilterNot                FilterOperator = "Not"
	FilterBetween            FilterOperator = "Between"
	FilterInList             FilterOperator = "InList"
	FilterAnd                FilterOperator = "And"
	FilterOr                 FilterOperator = "Or"
	FilterCast               FilterOperator = "Cast"
	FilterOfType             FilterOperator = "OfType"
)

// OperandKind tags which variant of the where-clause operand sum type is
// populated. Per §9's redesign note, the untagged operand union of the
// source is replaced with an explicit tagged sum type.
type OperandKind int

const (
	OperandElement OperandKind = iota
	OperandLiteral
	OperandAttribute
	OperandSimpleAttribute
)

// Operand is one operand of a WhereClauseElement. Exactly one of the
// fields matching Kind is meaningful; the others are zero.
type Operand struct {
	Kind OperandKind

	// Element is the index of another WhereClauseElement (OperandElement).
	Element uint32

	// Literal is a constant value (OperandLiteral).
	Literal interface{}

	// NodeID + AttributeID + BrowsePath identify an Attribute operand.
	NodeID      string
	AttributeID uint32
	BrowsePath  []string

	// SimpleAttribute operands reference a type definition plus a flat
	// browse path of qualified names, with no relative-path syntax.
	TypeDefinitionID string
	SimplePath       []string
}

// WhereClauseElement is one node of the where-clause filter tree: an
// operator plus its operands (each of which may itself reference another
// element by index, forming the tree).
type WhereClauseElement struct {
	Operator FilterOperator
	Operands []Operand
}

// SelectClause names one field to extract from a matched event, e.g.
// {Message}, {Severity}, or a multi-segment browse path.
type SelectClause struct {
	TypeDefinitionID string
	BrowsePath       []string
	AttributeID      uint32
	IndexRange       string
}
