package metadata

import "math/bits"

type colKind byte

const (
	colFixed colKind = iota
	colString
	colGUID
	colBlob
	colIndex
	colCoded
)

type column struct {
	coded *codedIndex
	kind  colKind
	size  int   // colFixed only
	table Table // colIndex only
}

func fixed(n int) column         { return column{kind: colFixed, size: n} }
func str() column                { return column{kind: colString} }
func guid() column               { return column{kind: colGUID} }
func blob() column               { return column{kind: colBlob} }
func index(t Table) column       { return column{kind: colIndex, table: t} }
func coded(c *codedIndex) column { return column{kind: colCoded, coded: c} }

// codedIndex describes a tagged union of table references.
type codedIndex struct {
	tables []Table
	bits   uint
}

func newCoded(tables ...Table) *codedIndex {
	return &codedIndex{tables: tables, bits: uint(bits.Len(uint(len(tables) - 1)))}
}

// Decode splits a raw coded index into a token.
func (c *codedIndex) Decode(v uint32) (Token, bool) {
	tag := v & (1<<c.bits - 1)
	if int(tag) >= len(c.tables) || c.tables[tag] == tableNone {
		return 0, false
	}
	return NewToken(c.tables[tag], v>>c.bits), true
}

var (
	cidTypeDefOrRef       = newCoded(TableTypeDef, TableTypeRef, TableTypeSpec)
	cidHasConstant        = newCoded(TableField, TableParam, TableProperty)
	cidHasFieldMarshal    = newCoded(TableField, TableParam)
	cidHasDeclSecurity    = newCoded(TableTypeDef, TableMethodDef, TableAssembly)
	cidMemberRefParent    = newCoded(TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec)
	cidHasSemantics       = newCoded(TableEvent, TableProperty)
	cidMethodDefOrRef     = newCoded(TableMethodDef, TableMemberRef)
	cidMemberForwarded    = newCoded(TableField, TableMethodDef)
	cidImplementation     = newCoded(TableFile, TableAssemblyRef, TableExportedType)
	cidResolutionScope    = newCoded(TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef)
	cidTypeOrMethodDef    = newCoded(TableTypeDef, TableMethodDef)
	cidCustomAttrType     = newCoded(tableNone, tableNone, TableMethodDef, TableMemberRef, tableNone)
	cidHasCustomAttribute = newCoded(
		TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam,
		TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity, TableProperty,
		TableEvent, TableStandAloneSig, TableModuleRef, TableTypeSpec, TableAssembly,
		TableAssemblyRef, TableFile, TableExportedType, TableManifestResource,
		TableGenericParam, TableGenericParamConstraint, TableMethodSpec,
	)
)

// schemas lists the columns of every table (ECMA-335 II.22).
var schemas = [numTables][]column{
	TableModule:                 {fixed(2), str(), guid(), guid(), guid()},
	TableTypeRef:                {coded(cidResolutionScope), str(), str()},
	TableTypeDef:                {fixed(4), str(), str(), coded(cidTypeDefOrRef), index(TableField), index(TableMethodDef)},
	TableFieldPtr:               {index(TableField)},
	TableField:                  {fixed(2), str(), blob()},
	TableMethodPtr:              {index(TableMethodDef)},
	TableMethodDef:              {fixed(4), fixed(2), fixed(2), str(), blob(), index(TableParam)},
	TableParamPtr:               {index(TableParam)},
	TableParam:                  {fixed(2), fixed(2), str()},
	TableInterfaceImpl:          {index(TableTypeDef), coded(cidTypeDefOrRef)},
	TableMemberRef:              {coded(cidMemberRefParent), str(), blob()},
	TableConstant:               {fixed(1), fixed(1), coded(cidHasConstant), blob()},
	TableCustomAttribute:        {coded(cidHasCustomAttribute), coded(cidCustomAttrType), blob()},
	TableFieldMarshal:           {coded(cidHasFieldMarshal), blob()},
	TableDeclSecurity:           {fixed(2), coded(cidHasDeclSecurity), blob()},
	TableClassLayout:            {fixed(2), fixed(4), index(TableTypeDef)},
	TableFieldLayout:            {fixed(4), index(TableField)},
	TableStandAloneSig:          {blob()},
	TableEventMap:               {index(TableTypeDef), index(TableEvent)},
	TableEventPtr:               {index(TableEvent)},
	TableEvent:                  {fixed(2), str(), coded(cidTypeDefOrRef)},
	TablePropertyMap:            {index(TableTypeDef), index(TableProperty)},
	TablePropertyPtr:            {index(TableProperty)},
	TableProperty:               {fixed(2), str(), blob()},
	TableMethodSemantics:        {fixed(2), index(TableMethodDef), coded(cidHasSemantics)},
	TableMethodImpl:             {index(TableTypeDef), coded(cidMethodDefOrRef), coded(cidMethodDefOrRef)},
	TableModuleRef:              {str()},
	TableTypeSpec:               {blob()},
	TableImplMap:                {fixed(2), coded(cidMemberForwarded), str(), index(TableModuleRef)},
	TableFieldRVA:               {fixed(4), index(TableField)},
	TableENCLog:                 {fixed(4), fixed(4)},
	TableENCMap:                 {fixed(4)},
	TableAssembly:               {fixed(4), fixed(2), fixed(2), fixed(2), fixed(2), fixed(4), blob(), str(), str()},
	TableAssemblyProcessor:      {fixed(4)},
	TableAssemblyOS:             {fixed(4), fixed(4), fixed(4)},
	TableAssemblyRef:            {fixed(2), fixed(2), fixed(2), fixed(2), fixed(4), blob(), str(), str(), blob()},
	TableAssemblyRefProcessor:   {fixed(4), index(TableAssemblyRef)},
	TableAssemblyRefOS:          {fixed(4), fixed(4), fixed(4), index(TableAssemblyRef)},
	TableFile:                   {fixed(4), str(), blob()},
	TableExportedType:           {fixed(4), fixed(4), str(), str(), coded(cidImplementation)},
	TableManifestResource:       {fixed(4), fixed(4), str(), coded(cidImplementation)},
	TableNestedClass:            {index(TableTypeDef), index(TableTypeDef)},
	TableGenericParam:           {fixed(2), fixed(2), coded(cidTypeOrMethodDef), str()},
	TableMethodSpec:             {coded(cidMethodDefOrRef), blob()},
	TableGenericParamConstraint: {index(TableGenericParam), coded(cidTypeDefOrRef)},
}
