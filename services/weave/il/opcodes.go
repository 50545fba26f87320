// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package il

import "fmt"

// OpCode is a stack-machine instruction code.
type OpCode uint8

const (
	OpNop OpCode = iota
	// OpLabel is a pseudo-instruction marking a branch target. It has no
	// runtime effect.
	OpLabel

	OpLdArg
	OpLdArgA
	OpStArg
	OpLdLoc
	OpLdLocA
	OpStLoc
	OpLdcI
	OpLdcF
	OpLdStr
	OpLdNull
	OpDup
	OpPop

	OpAdd
	OpSub
	OpMul
	OpDiv
	OpRem
	OpNeg
	OpAnd
	OpOr
	OpXor
	OpCeq
	OpCgt
	OpClt

	OpBr
	OpBrTrue
	OpBrFalse
	OpSwitch
	OpLeave

	OpCall
	OpCallVirt
	OpNewObj
	OpRet
	OpThrow
	OpRethrow
	OpEndFinally

	OpLdFld
	OpLdFldA
	OpStFld
	OpLdSFld
	OpLdSFldA
	OpStSFld
	OpLdInd
	OpStInd
	OpInitObj

	OpBox
	OpUnboxAny
	OpCastClass
	OpIsInst

	OpNewArr
	OpLdElem
	OpStElem
	OpLdLen

	OpLdFtn
	OpLdToken

	opCount
)

var opNames = [...]string{
	OpNop:        "nop",
	OpLabel:      "label",
	OpLdArg:      "ldarg",
	OpLdArgA:     "ldarga",
	OpStArg:      "starg",
	OpLdLoc:      "ldloc",
	OpLdLocA:     "ldloca",
	OpStLoc:      "stloc",
	OpLdcI:       "ldc.i",
	OpLdcF:       "ldc.f",
	OpLdStr:      "ldstr",
	OpLdNull:     "ldnull",
	OpDup:        "dup",
	OpPop:        "pop",
	OpAdd:        "add",
	OpSub:        "sub",
	OpMul:        "mul",
	OpDiv:        "div",
	OpRem:        "rem",
	OpNeg:        "neg",
	OpAnd:        "and",
	OpOr:         "or",
	OpXor:        "xor",
	OpCeq:        "ceq",
	OpCgt:        "cgt",
	OpClt:        "clt",
	OpBr:         "br",
	OpBrTrue:     "brtrue",
	OpBrFalse:    "brfalse",
	OpSwitch:     "switch",
	OpLeave:      "leave",
	OpCall:       "call",
	OpCallVirt:   "callvirt",
	OpNewObj:     "newobj",
	OpRet:        "ret",
	OpThrow:      "throw",
	OpRethrow:    "rethrow",
	OpEndFinally: "endfinally",
	OpLdFld:      "ldfld",
	OpLdFldA:     "ldflda",
	OpStFld:      "stfld",
	OpLdSFld:     "ldsfld",
	OpLdSFldA:    "ldsflda",
	OpStSFld:     "stsfld",
	OpLdInd:      "ldind",
	OpStInd:      "stind",
	OpInitObj:    "initobj",
	OpBox:        "box",
	OpUnboxAny:   "unbox.any",
	OpCastClass:  "castclass",
	OpIsInst:     "isinst",
	OpNewArr:     "newarr",
	OpLdElem:     "ldelem",
	OpStElem:     "stelem",
	OpLdLen:      "ldlen",
	OpLdFtn:      "ldftn",
	OpLdToken:    "ldtoken",
}

var opByName = func() map[string]OpCode {
	m := make(map[string]OpCode, len(opNames))
	for i, n := range opNames {
		m[n] = OpCode(i)
	}
	return m
}()

// String returns the mnemonic of the opcode.
func (op OpCode) String() string {
	if op < opCount {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// MarshalText encodes the opcode as its mnemonic.
func (op OpCode) MarshalText() ([]byte, error) {
	if op >= opCount {
		return nil, fmt.Errorf("invalid opcode %d", uint8(op))
	}
	return []byte(opNames[op]), nil
}

// UnmarshalText decodes a mnemonic.
func (op *OpCode) UnmarshalText(b []byte) error {
	v, ok := opByName[string(b)]
	if !ok {
		return fmt.Errorf("unknown opcode %q", string(b))
	}
	*op = v
	return nil
}

// IsBranch reports whether the instruction transfers control to a label.
func (op OpCode) IsBranch() bool {
	switch op {
	case OpBr, OpBrTrue, OpBrFalse, OpSwitch, OpLeave:
		return true
	}
	return false
}

// IsTerminator reports whether control never falls through the instruction.
func (op OpCode) IsTerminator() bool {
	switch op {
	case OpBr, OpLeave, OpRet, OpThrow, OpRethrow, OpEndFinally:
		return true
	}
	return false
}

// IsCall reports whether the instruction invokes a method.
func (op OpCode) IsCall() bool {
	return op == OpCall || op == OpCallVirt || op == OpNewObj
}
